package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	tradingview "github.com/tradingiq/tradingview-client"
	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/internal/config"
	"github.com/tradingiq/tradingview-client/session"
	"github.com/tradingiq/tradingview-client/types"
)

// feed opens the configured subscriptions and logs what arrives.
type feed struct {
	client   *tradingview.Client
	resolver interfaces.IndicatorResolver
	logger   *zap.Logger
}

func newFeed(client *tradingview.Client, resolver interfaces.IndicatorResolver, logger *zap.Logger) *feed {
	return &feed{client: client, resolver: resolver, logger: logger}
}

func (f *feed) start(ctx context.Context, cfg *config.Config) error {
	for _, ch := range cfg.Charts {
		handler := &barLogger{listener: ch.Listener, symbol: ch.Symbol, logger: f.logger}
		sub := interfaces.NewBarSubscription(ch.Listener, ch.Symbol, ch.Timeframe, handler)
		sub.Range = ch.Range
		if err := f.client.SubscribeBars(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch.Listener, err)
		}
		if len(ch.Indicators) > 0 {
			if err := f.openStudies(ctx, ch); err != nil {
				return err
			}
		}
	}

	for _, q := range cfg.Quotes {
		sub := &interfaces.QuoteSubscription{
			ListenerID:  q.Listener,
			Symbols:     q.Symbols,
			FastSymbols: q.Fast,
			Handler:     &quoteLogger{listener: q.Listener, logger: f.logger},
		}
		if err := f.client.SubscribeQuotes(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", q.Listener, err)
		}
	}
	return nil
}

// openStudies puts the chart's indicators on a chart session of their own so
// the listener's bar feed stays untouched.
func (f *feed) openStudies(ctx context.Context, ch config.ChartConfig) error {
	chart, err := f.client.NewChart()
	if err != nil {
		return err
	}
	chart.OnError(func(err error) {
		f.logger.Warn("Study chart error", zap.String("listener", ch.Listener), zap.Error(err))
	})
	if err := chart.SetMarket(ch.Symbol, types.MarketConfig{Timeframe: ch.Timeframe, Range: ch.Range}); err != nil {
		return err
	}

	for _, ref := range ch.Indicators {
		ind, err := f.resolver.Resolve(ctx, ref, "")
		if err != nil {
			f.logger.Warn("Indicator skipped", zap.String("indicator", ref), zap.Error(err))
			continue
		}
		study, err := chart.NewStudy(ind)
		if err != nil {
			f.logger.Warn("Indicator not attached", zap.String("indicator", ref), zap.Error(err))
			continue
		}
		f.watchStudy(ch.Listener, ref, study)
	}
	return nil
}

func (f *feed) watchStudy(listener, ref string, study *session.Study) {
	study.OnReady(func() {
		f.logger.Info("Study ready", zap.String("listener", listener), zap.String("indicator", ref))
	})
	study.OnUpdate(func(u session.StudyUpdate) {
		if len(u.Plots) == 0 {
			return
		}
		last := u.Plots[len(u.Plots)-1]
		fields := []zap.Field{
			zap.String("listener", listener),
			zap.String("indicator", ref),
			zap.Int64("time", last.Time),
		}
		for name, v := range last.Plots {
			fields = append(fields, zap.Float64(name, v))
		}
		f.logger.Info("Study update", fields...)
	})
	study.OnError(func(err error) {
		f.logger.Warn("Study error", zap.String("listener", listener), zap.String("indicator", ref), zap.Error(err))
	})
}

type barLogger struct {
	listener string
	symbol   string
	logger   *zap.Logger
}

func (b *barLogger) HandleBar(p types.PricePeriod) {
	b.logger.Info("Received bar",
		zap.String("listener", b.listener),
		zap.String("symbol", b.symbol),
		zap.Int64("time", p.Time),
		zap.Float64("open", p.Open),
		zap.Float64("high", p.High),
		zap.Float64("low", p.Low),
		zap.Float64("close", p.Close),
		zap.Float64("volume", p.Volume))
}

func (b *barLogger) HandleError(err error) {
	b.logger.Error("Bar feed error", zap.String("listener", b.listener), zap.Error(err))
}

type quoteLogger struct {
	listener string
	logger   *zap.Logger
}

func (q *quoteLogger) HandleQuotes(records []types.QuoteRecord) {
	for _, rec := range records {
		q.logger.Info("Received quote",
			zap.String("listener", q.listener),
			zap.String("symbol", rec.Symbol),
			zap.Float64("last", rec.GetLastPrice()),
			zap.Float64("change_pct", rec.GetChangePercent()),
			zap.Float64("bid", rec.GetBid()),
			zap.Float64("ask", rec.GetAsk()))
	}
}

func (q *quoteLogger) HandleQuoteError(symbol string, err error) {
	q.logger.Warn("Quote error", zap.String("listener", q.listener), zap.String("symbol", symbol), zap.Error(err))
}
