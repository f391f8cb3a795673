package types

import "encoding/json"

// MarketConfig describes what a chart session subscribes to. It is replaced
// wholesale on every SetMarket.
type MarketConfig struct {
	Symbol     string
	Timeframe  string
	Range      int
	To         int64
	ReplayFrom int64
	Adjustment string
	Session    string
	Currency   string
}

const (
	DefaultTimeframe = "240"
	DefaultRange     = 100
)

// WithDefaults fills unset fields with the server defaults.
func (c MarketConfig) WithDefaults() MarketConfig {
	if c.Timeframe == "" {
		c.Timeframe = DefaultTimeframe
	}
	if c.Range <= 0 {
		c.Range = DefaultRange
	}
	if c.Adjustment == "" {
		c.Adjustment = "splits"
	}
	return c
}

// Replaying reports whether a replay starting point was supplied.
func (c MarketConfig) Replaying() bool {
	return c.ReplayFrom > 0
}

// SymbolInfo is the metadata delivered by symbol_resolved.
type SymbolInfo struct {
	SeriesID       string          `json:"series_id"`
	Name           string          `json:"name"`
	FullName       string          `json:"full_name"`
	ProName        string          `json:"pro_name"`
	Description    string          `json:"description"`
	Exchange       string          `json:"exchange"`
	ListedExchange string          `json:"listed_exchange"`
	Type           string          `json:"type"`
	CurrencyID     string          `json:"currency_id"`
	Timezone       string          `json:"timezone"`
	Session        string          `json:"session"`
	PriceScale     float64         `json:"pricescale"`
	MinMov         float64         `json:"minmov"`
	Raw            json.RawMessage `json:"-"`
}
