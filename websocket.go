package tradingview

import (
	"context"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/session"
)

// FeedClient is the consumer-facing surface of Client.
type FeedClient interface {
	Stream() error
	Connect(ctx context.Context) error
	Disconnect()
	NewChart() (*session.Chart, error)
	NewQuote(opts ...session.QuoteOption) (*session.Quote, error)
	SubscribeBars(sub *interfaces.BarSubscription) error
	SubscribeQuotes(sub *interfaces.QuoteSubscription) error
	Unsubscribe(listenerID string) error
}
