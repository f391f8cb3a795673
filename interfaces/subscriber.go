package interfaces

import "github.com/tradingiq/tradingview-client/types"

// BarSubscriber receives the leading bar of a chart subscription.
type BarSubscriber interface {
	HandleBar(types.PricePeriod)

	HandleError(error)
}

// QuoteSubscriber receives quote batches of a quote subscription.
type QuoteSubscriber interface {
	HandleQuotes([]types.QuoteRecord)

	HandleQuoteError(symbol string, err error)
}

// BarSubscription configures one listener-keyed chart feed.
type BarSubscription struct {
	ListenerID string
	Symbol     string
	Timeframe  string
	Range      int
	Handler    BarSubscriber
}

// NewBarSubscription creates a new bar subscription
func NewBarSubscription(listenerID, symbol, timeframe string, handler BarSubscriber) *BarSubscription {
	return &BarSubscription{
		ListenerID: listenerID,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Handler:    handler,
	}
}

// QuoteSubscription configures one listener-keyed quote feed. A symbol listed
// in both Symbols and FastSymbols is subscribed once, on the fast tier.
type QuoteSubscription struct {
	ListenerID  string
	Symbols     []string
	FastSymbols []string
	Handler     QuoteSubscriber
}

// Subscription maps a consumer listener id to the session serving it.
type Subscription struct {
	ListenerID string     `json:"listener"`
	SessionID  string     `json:"session"`
	Kind       types.Kind `json:"kind"`
}
