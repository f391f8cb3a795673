package types

import "encoding/json"

// QuoteStatus is the per-symbol state inside a quote session.
type QuoteStatus string

const (
	QuoteOK      QuoteStatus = "ok"
	QuoteError   QuoteStatus = "error"
	QuotePending QuoteStatus = "pending"
)

// QuoteRecord is the latest snapshot for one symbol. Each server push yields a
// new record value; Fields holds every field received so far.
type QuoteRecord struct {
	Symbol   string
	Status   QuoteStatus
	Complete bool
	Fields   map[string]json.RawMessage
}

// QuoteFields is the default field set requested by quote_set_fields.
var QuoteFields = []string{
	"base-currency-logoid", "ch", "chp", "currency-logoid", "currency_code",
	"current_session", "description", "exchange", "format", "fractional",
	"is_tradable", "language", "local_description", "logoid", "lp",
	"lp_time", "minmov", "minmove2", "original_name", "pricescale",
	"pro_name", "short_name", "type", "update_mode", "volume", "ask", "bid",
	"fundamentals", "high_price", "low_price", "open_price",
	"prev_close_price", "rch", "rchp", "rtc", "rtc_time", "status",
	"timezone", "country_code", "provider_id",
}

// Merge returns a new record with fields overlaid on the receiver's.
func (q QuoteRecord) Merge(fields map[string]json.RawMessage) QuoteRecord {
	merged := make(map[string]json.RawMessage, len(q.Fields)+len(fields))
	for k, v := range q.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	q.Fields = merged
	return q
}

func (q QuoteRecord) number(field string) float64 {
	raw, ok := q.Fields[field]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return f
}

func (q QuoteRecord) text(field string) string {
	raw, ok := q.Fields[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (q QuoteRecord) GetLastPrice() float64 {
	return q.number("lp")
}

func (q QuoteRecord) GetChange() float64 {
	return q.number("ch")
}

func (q QuoteRecord) GetChangePercent() float64 {
	return q.number("chp")
}

func (q QuoteRecord) GetBid() float64 {
	return q.number("bid")
}

func (q QuoteRecord) GetAsk() float64 {
	return q.number("ask")
}

func (q QuoteRecord) GetVolume() float64 {
	return q.number("volume")
}

func (q QuoteRecord) GetOpenPrice() float64 {
	return q.number("open_price")
}

func (q QuoteRecord) GetHighPrice() float64 {
	return q.number("high_price")
}

func (q QuoteRecord) GetLowPrice() float64 {
	return q.number("low_price")
}

func (q QuoteRecord) GetPrevClosePrice() float64 {
	return q.number("prev_close_price")
}

func (q QuoteRecord) GetDescription() string {
	return q.text("description")
}

func (q QuoteRecord) GetExchange() string {
	return q.text("exchange")
}

func (q QuoteRecord) GetShortName() string {
	return q.text("short_name")
}

func (q QuoteRecord) GetCurrency() string {
	return q.text("currency_code")
}
