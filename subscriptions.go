package tradingview

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/session"
	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/zap"
)

type subscription struct {
	info    interfaces.Subscription
	session session.Session
}

func (c *Client) reserve(listenerID string) error {
	if listenerID == "" {
		return errors.New("listener id is required")
	}
	if _, exists := c.subscriptions[listenerID]; exists {
		return fmt.Errorf("%w: %s", types.ErrListenerExists, listenerID)
	}
	return nil
}

// barTracker forwards the leading bar only when its time or close changed.
type barTracker struct {
	mu      sync.Mutex
	last    types.PricePeriod
	hasLast bool
}

func (b *barTracker) changed(p types.PricePeriod) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasLast && b.last.Time == p.Time && b.last.Close == p.Close {
		return false
	}
	b.last = p
	b.hasLast = true
	return true
}

// SubscribeBars opens a chart session for the listener and feeds its
// leading bar to the handler.
func (c *Client) SubscribeBars(sub *interfaces.BarSubscription) error {
	if sub == nil || sub.Handler == nil {
		return errors.New("bar subscription needs a handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reserve(sub.ListenerID); err != nil {
		return err
	}

	chart, err := c.NewChart()
	if err != nil {
		return err
	}

	tracker := &barTracker{}
	emit := func() {
		if p, ok := chart.Latest(); ok && tracker.changed(p) {
			sub.Handler.HandleBar(p)
		}
	}
	chart.OnSymbolLoaded(func(types.SymbolInfo) { emit() })
	chart.OnUpdate(func(changes []string) {
		for _, change := range changes {
			if change == "$prices" {
				emit()
				return
			}
		}
	})
	chart.OnError(sub.Handler.HandleError)

	cfg := types.MarketConfig{Timeframe: sub.Timeframe, Range: sub.Range}
	if err := chart.SetMarket(sub.Symbol, cfg); err != nil {
		_ = chart.Delete()
		return err
	}

	c.subscriptions[sub.ListenerID] = &subscription{
		info: interfaces.Subscription{
			ListenerID: sub.ListenerID,
			SessionID:  chart.ID(),
			Kind:       types.KindChart,
		},
		session: chart,
	}
	c.logger.Info("Subscribed to bars",
		zap.String("listener", sub.ListenerID),
		zap.String("symbol", sub.Symbol),
		zap.String("timeframe", sub.Timeframe))
	return nil
}

// SubscribeQuotes opens a quote session for the listener. A symbol listed
// in FastSymbols is subscribed on the fast tier only.
func (c *Client) SubscribeQuotes(sub *interfaces.QuoteSubscription) error {
	if sub == nil || sub.Handler == nil {
		return errors.New("quote subscription needs a handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reserve(sub.ListenerID); err != nil {
		return err
	}

	quote, err := c.NewQuote()
	if err != nil {
		return err
	}
	quote.OnData(sub.Handler.HandleQuotes)
	quote.OnError(sub.Handler.HandleQuoteError)

	fast := make(map[string]struct{}, len(sub.FastSymbols))
	for _, symbol := range sub.FastSymbols {
		fast[symbol] = struct{}{}
	}
	for _, symbol := range sub.Symbols {
		if _, ok := fast[symbol]; ok {
			continue
		}
		if err := quote.AddSymbol(symbol, session.TierRegular); err != nil {
			_ = quote.Delete()
			return err
		}
	}
	for _, symbol := range sub.FastSymbols {
		if err := quote.AddSymbol(symbol, session.TierFast); err != nil {
			_ = quote.Delete()
			return err
		}
	}

	c.subscriptions[sub.ListenerID] = &subscription{
		info: interfaces.Subscription{
			ListenerID: sub.ListenerID,
			SessionID:  quote.ID(),
			Kind:       types.KindQuote,
		},
		session: quote,
	}
	c.logger.Info("Subscribed to quotes",
		zap.String("listener", sub.ListenerID),
		zap.Strings("symbols", quote.Symbols()))
	return nil
}

// Unsubscribe deletes the listener's session. Unknown listeners are ignored.
func (c *Client) Unsubscribe(listenerID string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[listenerID]
	delete(c.subscriptions, listenerID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.logger.Info("Unsubscribing", zap.String("listener", listenerID), zap.String("session", sub.info.SessionID))
	return sub.session.Delete()
}

// Subscriptions lists active listener subscriptions ordered by listener id.
func (c *Client) Subscriptions() []interfaces.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]interfaces.Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		out = append(out, sub.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenerID < out[j].ListenerID })
	return out
}

// dropSubscriptions forgets every listener once the connection is gone.
func (c *Client) dropSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) > 0 {
		c.logger.Info("Dropping subscriptions after disconnect", zap.Int("count", len(c.subscriptions)))
	}
	c.subscriptions = make(map[string]*subscription)
}
