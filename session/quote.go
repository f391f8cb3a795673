package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Tier selects how eagerly the server pushes a quote symbol.
type Tier int

const (
	TierRegular Tier = iota
	TierFast
)

func (t Tier) String() string {
	if t == TierFast {
		return "fast"
	}
	return "regular"
}

type quoteSymbol struct {
	key    string
	tier   Tier
	record types.QuoteRecord
}

// Quote is a quote session: live field snapshots for a set of symbols.
type Quote struct {
	id       string
	sender   interfaces.Sender
	registry *Registry
	logger   *zap.Logger
	fields   []string

	mu           sync.Mutex
	symbols      map[string]*quoteSymbol
	keys         map[string]string
	order        []string
	deleted      bool
	disconnected bool

	onData  []func([]types.QuoteRecord)
	onError []func(symbol string, err error)
}

var _ Session = (*Quote)(nil)

type QuoteOption func(*Quote)

// WithFields replaces the default field list.
func WithFields(fields ...string) QuoteOption {
	return func(q *Quote) {
		q.fields = append([]string(nil), fields...)
	}
}

// NewQuote registers a quote session and sends its field list.
func NewQuote(sender interfaces.Sender, registry *Registry, logger *zap.Logger, opts ...QuoteOption) (*Quote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Quote{
		id:       registry.CreateID(types.KindQuote),
		sender:   sender,
		registry: registry,
		fields:   append([]string(nil), types.QuoteFields...),
		symbols:  make(map[string]*quoteSymbol),
		keys:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logger.With(zap.String("session", q.id))

	if err := registry.Register(q.id, q); err != nil {
		return nil, err
	}
	setFields := append([]any{q.id}, toAny(q.fields)...)
	if err := multierr.Combine(
		sender.Send("quote_create_session", q.id),
		sender.Send("quote_set_fields", setFields...),
	); err != nil {
		registry.Unregister(q.id)
		return nil, fmt.Errorf("failed to create quote session: %w", err)
	}
	return q, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// quoteKey is the symbol reference used by quote_add_symbols and echoed in qsd.
func quoteKey(symbol string) string {
	raw, _ := json.Marshal(struct {
		Session string `json:"session"`
		Symbol  string `json:"symbol"`
	}{"regular", symbol})
	return "=" + string(raw)
}

func (q *Quote) ID() string {
	return q.id
}

func (q *Quote) Kind() types.Kind {
	return types.KindQuote
}

func (q *Quote) Fields() []string {
	return append([]string(nil), q.fields...)
}

// OnData receives the records changed by one server push.
func (q *Quote) OnData(fn func([]types.QuoteRecord)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onData = append(q.onData, fn)
}

// OnError receives per-symbol failures and connection loss (with symbol "").
func (q *Quote) OnError(fn func(symbol string, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = append(q.onError, fn)
}

func (q *Quote) usableLocked() error {
	if q.deleted {
		return types.ErrSessionDeleted
	}
	if q.disconnected {
		return types.ErrNotConnected
	}
	return nil
}

func (q *Quote) fastKeysLocked() []any {
	var keys []any
	for _, symbol := range q.order {
		if qs := q.symbols[symbol]; qs.tier == TierFast {
			keys = append(keys, qs.key)
		}
	}
	return keys
}

// AddSymbol subscribes symbol. Adding a known symbol is a no-op, except
// that TierFast upgrades a regular symbol.
func (q *Quote) AddSymbol(symbol string, tier Tier) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}

	if qs, ok := q.symbols[symbol]; ok {
		if tier != TierFast || qs.tier == TierFast {
			return nil
		}
		qs.tier = TierFast
		if err := q.sender.Send("quote_fast_symbols", append([]any{q.id}, q.fastKeysLocked()...)...); err != nil {
			qs.tier = TierRegular
			return err
		}
		return nil
	}

	key := quoteKey(symbol)
	q.symbols[symbol] = &quoteSymbol{
		key:    key,
		tier:   tier,
		record: types.QuoteRecord{Symbol: symbol, Status: types.QuotePending},
	}
	q.keys[key] = symbol
	q.order = append(q.order, symbol)

	if err := q.sender.Send("quote_add_symbols", q.id, key); err != nil {
		q.forgetLocked(symbol)
		return fmt.Errorf("failed to add quote symbol %s: %w", symbol, err)
	}
	if tier == TierFast {
		if err := q.sender.Send("quote_fast_symbols", append([]any{q.id}, q.fastKeysLocked()...)...); err != nil {
			// the add went out, so the symbol stays on the regular tier
			q.symbols[symbol].tier = TierRegular
			return err
		}
	}
	q.logger.Debug("Added quote symbol", zap.String("symbol", symbol), zap.Stringer("tier", tier))
	return nil
}

// RemoveSymbol unsubscribes symbol; unknown symbols are ignored.
func (q *Quote) RemoveSymbol(symbol string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}
	qs, ok := q.symbols[symbol]
	if !ok {
		return nil
	}
	q.forgetLocked(symbol)

	err := q.sender.Send("quote_remove_symbols", q.id, qs.key)
	if err == nil && qs.tier == TierFast {
		err = q.sender.Send("quote_fast_symbols", append([]any{q.id}, q.fastKeysLocked()...)...)
	}
	return err
}

func (q *Quote) forgetLocked(symbol string) {
	qs, ok := q.symbols[symbol]
	if !ok {
		return
	}
	delete(q.symbols, symbol)
	delete(q.keys, qs.key)
	for i, s := range q.order {
		if s == symbol {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Symbols lists subscribed symbols in subscription order.
func (q *Quote) Symbols() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.order...)
}

func (q *Quote) Tier(symbol string) (Tier, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qs, ok := q.symbols[symbol]
	if !ok {
		return TierRegular, false
	}
	return qs.tier, true
}

// Record returns the latest snapshot of symbol.
func (q *Quote) Record(symbol string) (types.QuoteRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qs, ok := q.symbols[symbol]
	if !ok {
		return types.QuoteRecord{}, false
	}
	return qs.record, true
}

// Records returns every snapshot in subscription order.
func (q *Quote) Records() []types.QuoteRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QuoteRecord, 0, len(q.order))
	for _, symbol := range q.order {
		out = append(out, q.symbols[symbol].record)
	}
	return out
}

type quoteData struct {
	Name   string                     `json:"n"`
	Status string                     `json:"s"`
	Values map[string]json.RawMessage `json:"v"`
	ErrMsg string                     `json:"errmsg"`
}

func (q *Quote) HandlePacket(p types.Packet) {
	switch p.Method {
	case "qsd":
		q.handleData(p)
	case "quote_completed":
		q.handleCompleted(p.StringParam(1))
	default:
		q.logger.Debug("Unhandled quote packet", zap.String("method", p.Method))
	}
}

func (q *Quote) handleData(p types.Packet) {
	var data quoteData
	if err := p.Param(1, &data); err != nil {
		q.logger.Debug("Dropping malformed qsd", zap.Error(err))
		return
	}

	q.mu.Lock()
	if q.deleted || q.disconnected {
		q.mu.Unlock()
		return
	}

	symbol, ok := q.keys[data.Name]
	if !ok {
		q.mu.Unlock()
		q.logger.Debug("Removing unexpected quote symbol", zap.String("key", data.Name))
		if err := q.sender.Send("quote_remove_symbols", q.id, data.Name); err != nil {
			q.logger.Debug("Failed to remove unexpected quote symbol", zap.Error(err))
		}
		return
	}
	qs := q.symbols[symbol]

	var calls []func()
	if data.Status == "error" {
		qs.record.Status = types.QuoteError
		detail := data.ErrMsg
		if detail == "" {
			detail = "symbol error"
		}
		err := &types.QuoteSymbolError{Symbol: symbol, Detail: detail}
		for _, fn := range q.onError {
			fn := fn
			calls = append(calls, func() { fn(symbol, err) })
		}
	} else {
		qs.record = qs.record.Merge(data.Values)
		qs.record.Status = types.QuoteOK
		batch := []types.QuoteRecord{qs.record}
		for _, fn := range q.onData {
			fn := fn
			calls = append(calls, func() { fn(batch) })
		}
	}
	q.mu.Unlock()

	q.fire(calls)
}

func (q *Quote) handleCompleted(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if symbol, ok := q.keys[key]; ok {
		q.symbols[symbol].record.Complete = true
	}
}

func (q *Quote) fire(calls []func()) {
	for _, fn := range calls {
		q.mu.Lock()
		deleted := q.deleted
		q.mu.Unlock()
		if deleted {
			return
		}
		fn()
	}
}

func (q *Quote) HandleDisconnect(err error) {
	q.mu.Lock()
	if q.deleted || q.disconnected {
		q.mu.Unlock()
		return
	}
	q.disconnected = true
	var calls []func()
	if err != nil {
		for _, fn := range q.onError {
			fn := fn
			calls = append(calls, func() { fn("", err) })
		}
	}
	q.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
}

// Delete unsubscribes every symbol and closes the session. Deleting twice is a no-op.
func (q *Quote) Delete() error {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return nil
	}
	q.deleted = true
	connected := !q.disconnected
	keys := []any{q.id}
	for _, symbol := range q.order {
		keys = append(keys, q.symbols[symbol].key)
	}
	q.mu.Unlock()

	var errs error
	if connected {
		if len(keys) > 1 {
			errs = multierr.Append(errs, ignoreNotConnected(q.sender.Send("quote_remove_symbols", keys...)))
		}
		errs = multierr.Append(errs, ignoreNotConnected(q.sender.Send("quote_delete_session", q.id)))
	}
	q.registry.Unregister(q.id)
	q.logger.Info("Quote session deleted")
	return errs
}
