package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ChartState is the lifecycle position of a chart session.
type ChartState int

const (
	ChartCreated ChartState = iota
	ChartAwaitingSymbol
	ChartLoaded
	ChartStreaming
	ChartDisconnected
	ChartDeleted
)

func (s ChartState) String() string {
	switch s {
	case ChartCreated:
		return "created"
	case ChartAwaitingSymbol:
		return "awaiting_symbol"
	case ChartLoaded:
		return "loaded"
	case ChartStreaming:
		return "streaming"
	case ChartDisconnected:
		return "disconnected"
	case ChartDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChartState(%d)", int(s))
	}
}

const pricesKey = "$prices"

// Chart is a chart session: one symbol/timeframe series plus its studies
// and an optional replay session.
type Chart struct {
	id       string
	sender   interfaces.Sender
	registry *Registry
	logger   *zap.Logger

	mu            sync.Mutex
	state         ChartState
	market        types.MarketConfig
	infos         types.SymbolInfo
	periods       []types.PricePeriod
	seriesSeq     int
	seriesID      string
	seriesCreated bool
	loadedFired   bool
	studies       map[string]*Study
	studyOrder    []string
	replay        replayState

	onSymbolLoaded   []func(types.SymbolInfo)
	onUpdate         []func(changes []string)
	onError          []func(error)
	onReplayLoaded   []func(instanceID string)
	onReplayPoint    []func(index int64)
	onReplayEnd      []func()
	onReplayResolved []func(timeframe string, index int64)
}

var _ Session = (*Chart)(nil)

// NewChart registers a chart session and asks the server to create it.
func NewChart(sender interfaces.Sender, registry *Registry, logger *zap.Logger) (*Chart, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chart{
		id:       registry.CreateID(types.KindChart),
		sender:   sender,
		registry: registry,
		studies:  make(map[string]*Study),
		replay:   newReplayState(),
	}
	c.logger = logger.With(zap.String("session", c.id))

	if err := registry.Register(c.id, c); err != nil {
		return nil, err
	}
	if err := sender.Send("chart_create_session", c.id); err != nil {
		registry.Unregister(c.id)
		return nil, fmt.Errorf("failed to create chart session: %w", err)
	}
	return c, nil
}

func (c *Chart) ID() string {
	return c.id
}

func (c *Chart) Kind() types.Kind {
	return types.KindChart
}

func (c *Chart) State() ChartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Chart) Market() types.MarketConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.market
}

// Infos returns the resolved symbol description, zero until symbol_resolved.
func (c *Chart) Infos() types.SymbolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infos
}

// Periods returns a copy of the cached bars, oldest first.
func (c *Chart) Periods() []types.PricePeriod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.PricePeriod(nil), c.periods...)
}

// Latest returns the newest cached bar.
func (c *Chart) Latest() (types.PricePeriod, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.periods) == 0 {
		return types.PricePeriod{}, false
	}
	return c.periods[len(c.periods)-1], true
}

// Studies returns the attached studies in attach order.
func (c *Chart) Studies() []*Study {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Study, 0, len(c.studyOrder))
	for _, id := range c.studyOrder {
		out = append(out, c.studies[id])
	}
	return out
}

func (c *Chart) OnSymbolLoaded(fn func(types.SymbolInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSymbolLoaded = append(c.onSymbolLoaded, fn)
}

// OnUpdate fires on every data frame after the first load; changes names
// "$prices" and/or the ids of studies that received data.
func (c *Chart) OnUpdate(fn func(changes []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, fn)
}

func (c *Chart) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// usableLocked rejects operations on deleted or disconnected charts.
func (c *Chart) usableLocked() error {
	switch c.state {
	case ChartDeleted:
		return types.ErrSessionDeleted
	case ChartDisconnected:
		return types.ErrNotConnected
	}
	return nil
}

type outbound struct {
	method string
	params []any
}

func (c *Chart) sendAll(frames []outbound) error {
	for _, f := range frames {
		if err := c.sender.Send(f.method, f.params...); err != nil {
			return fmt.Errorf("failed to send %s: %w", f.method, err)
		}
	}
	return nil
}

type symbolInit struct {
	Symbol     string `json:"symbol"`
	Adjustment string `json:"adjustment,omitempty"`
	Session    string `json:"session,omitempty"`
	Currency   string `json:"currency-id,omitempty"`
}

type replaySymbolInit struct {
	Replay string     `json:"replay"`
	Symbol symbolInit `json:"symbol"`
}

func symbolRef(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode symbol: %w", err)
	}
	return "=" + string(raw), nil
}

// seriesFrameLocked creates the price series on first use and modifies it afterwards.
func (c *Chart) seriesFrameLocked(timeframe string, rng int, to int64) outbound {
	if c.seriesCreated {
		return outbound{"modify_series", []any{c.id, pricesKey, "s1", c.seriesID, timeframe, ""}}
	}
	c.seriesCreated = true

	var rangeParam any = rng
	if to > 0 {
		rangeParam = []any{"bar_count", to, rng}
	}
	return outbound{"create_series", []any{c.id, pricesKey, "s1", c.seriesID, timeframe, rangeParam}}
}

// SetMarket switches the chart to symbol. Cached bars and symbol infos are
// dropped and SymbolLoaded fires once when the first data arrives. A
// non-zero ReplayFrom starts a replay session anchored at that time.
func (c *Chart) SetMarket(symbol string, cfg types.MarketConfig) error {
	cfg.Symbol = symbol
	cfg = cfg.WithDefaults()

	init := symbolInit{
		Symbol:     cfg.Symbol,
		Adjustment: cfg.Adjustment,
		Session:    cfg.Session,
		Currency:   cfg.Currency,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}

	var frames []outbound
	if old := c.replay.detach(types.ErrSessionDeleted); old != "" {
		frames = append(frames, outbound{"replay_delete_session", []any{old}})
		c.registry.Unregister(old)
	}

	c.market = cfg
	c.infos = types.SymbolInfo{}
	c.periods = nil
	c.loadedFired = false
	c.state = ChartAwaitingSymbol
	c.seriesSeq++
	c.seriesID = fmt.Sprintf("ser_%d", c.seriesSeq)
	seriesCreated := c.seriesCreated

	var chartInit any = init
	var rs *replayAdapter
	if cfg.Replaying() {
		adapter := &replayAdapter{id: c.registry.CreateID(types.KindReplay), chart: c}
		if err := c.registry.Register(adapter.id, adapter); err != nil {
			c.rollbackMarketLocked(nil, seriesCreated)
			return err
		}
		rs = adapter
		c.replay.attach(rs.id)

		ref, err := symbolRef(init)
		if err != nil {
			c.rollbackMarketLocked(rs, seriesCreated)
			return err
		}
		frames = append(frames,
			outbound{"replay_create_session", []any{rs.id}},
			outbound{"replay_add_series", []any{rs.id, "req_replay_addseries", ref, cfg.Timeframe}},
			outbound{"replay_reset", []any{rs.id, "req_replay_reset", cfg.ReplayFrom}},
		)
		chartInit = replaySymbolInit{Replay: rs.id, Symbol: init}
	}

	ref, err := symbolRef(chartInit)
	if err != nil {
		c.rollbackMarketLocked(rs, seriesCreated)
		return err
	}
	frames = append(frames,
		outbound{"resolve_symbol", []any{c.id, c.seriesID, ref}},
		c.seriesFrameLocked(cfg.Timeframe, cfg.Range, cfg.To),
	)

	c.logger.Info("Setting market",
		zap.String("symbol", cfg.Symbol),
		zap.String("timeframe", cfg.Timeframe),
		zap.Int("range", cfg.Range),
		zap.Bool("replay", cfg.Replaying()))
	if err := c.sendAll(frames); err != nil {
		c.rollbackMarketLocked(rs, seriesCreated)
		return err
	}
	return nil
}

// rollbackMarketLocked undoes a SetMarket whose frames did not all go out.
// The series frame is sent last, so the series is only known to the server
// if it was before. The chart is left without a market.
func (c *Chart) rollbackMarketLocked(rs *replayAdapter, seriesCreated bool) {
	if rs != nil {
		c.replay.detach(types.ErrSessionDeleted)
		c.registry.Unregister(rs.id)
	}
	c.seriesCreated = seriesCreated
	c.state = ChartCreated
}

// SetSeries changes the timeframe of the current market. Cached bars are dropped.
func (c *Chart) SetSeries(timeframe string, rng int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}
	if c.seriesID == "" {
		return errors.New("chart has no market")
	}
	if timeframe == "" {
		timeframe = types.DefaultTimeframe
	}
	if rng <= 0 {
		rng = types.DefaultRange
	}

	c.market.Timeframe = timeframe
	c.market.Range = rng
	c.periods = nil
	return c.sendAll([]outbound{c.seriesFrameLocked(timeframe, rng, c.market.To)})
}

// SetTimezone switches the timezone bars are aligned to, e.g. "Etc/UTC".
func (c *Chart) SetTimezone(tz string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}
	c.periods = nil
	return c.sendAll([]outbound{{"switch_timezone", []any{c.id, tz}}})
}

// FetchMore asks for n older bars; they arrive as a timescale_update.
func (c *Chart) FetchMore(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid bar count %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}
	if !c.seriesCreated {
		return errors.New("chart has no series")
	}
	return c.sendAll([]outbound{{"request_more_data", []any{c.id, pricesKey, n}}})
}

// NewStudy attaches an indicator to the chart's price series.
func (c *Chart) NewStudy(ind types.Indicator) (*Study, error) {
	return newStudy(c, ind)
}

func (c *Chart) attachStudy(s *Study, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}
	c.studies[id] = s
	c.studyOrder = append(c.studyOrder, id)
	return nil
}

func (c *Chart) renameStudy(oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.studies[oldID]
	if !ok {
		return
	}
	delete(c.studies, oldID)
	c.studies[newID] = s
	for i, id := range c.studyOrder {
		if id == oldID {
			c.studyOrder[i] = newID
		}
	}
}

func (c *Chart) forgetStudy(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.studies[id]; !ok {
		return
	}
	delete(c.studies, id)
	for i, sid := range c.studyOrder {
		if sid == id {
			c.studyOrder = append(c.studyOrder[:i], c.studyOrder[i+1:]...)
			break
		}
	}
}

func (c *Chart) studyByID(id string) *Study {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.studies[id]
}

// HandlePacket applies one routed packet.
func (c *Chart) HandlePacket(p types.Packet) {
	switch p.Method {
	case "timescale_update", "du":
		c.handleData(p)
	case "symbol_resolved":
		c.handleSymbolResolved(p)
	case "series_completed":
		c.handleSeriesCompleted()
	case "series_loading", "series_timeframe", "index_update", "tickmark_update":
		c.logger.Debug("Series event", zap.String("method", p.Method))
	case "symbol_error":
		c.handleSymbolError(p, p.Detail(2))
	case "series_error":
		c.handleSymbolError(p, p.Detail(3))
	case "critical_error":
		c.reportError(&types.ProtocolError{Method: p.Method, Detail: p.Detail(1)})
	case "study_loading", "study_completed", "study_error", "study_deleted":
		if s := c.studyByID(p.StringParam(1)); s != nil {
			s.HandlePacket(p)
		} else {
			c.logger.Debug("Dropping packet for unknown study", zap.String("method", p.Method), zap.String("study", p.StringParam(1)))
		}
	default:
		c.logger.Debug("Unhandled chart packet", zap.String("method", p.Method))
	}
}

func (c *Chart) handleData(p types.Packet) {
	var payload map[string]json.RawMessage
	if err := p.Param(1, &payload); err != nil {
		c.logger.Debug("Dropping malformed data packet", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state == ChartDeleted || c.state == ChartDisconnected {
		c.mu.Unlock()
		return
	}

	var changes []string
	studyData := map[*Study]json.RawMessage{}
	pricesChanged := false
	for key, raw := range payload {
		if key == pricesKey {
			var update types.SeriesUpdate
			if err := json.Unmarshal(raw, &update); err != nil {
				c.logger.Debug("Dropping malformed price update", zap.Error(err))
				continue
			}
			for _, point := range update.Series {
				period, err := types.PricePeriodFromPoint(point)
				if err != nil {
					c.logger.Debug("Skipping price row", zap.Error(err))
					continue
				}
				c.periods, _ = types.UpsertPeriod(c.periods, period)
			}
			pricesChanged = true
			changes = append(changes, key)
			continue
		}
		if s, ok := c.studies[key]; ok {
			studyData[s] = raw
			changes = append(changes, key)
		}
	}
	sort.Strings(changes)

	var calls []func()
	switch {
	case pricesChanged && c.state == ChartAwaitingSymbol:
		c.state = ChartLoaded
		calls = c.symbolLoadedLocked()
	case len(changes) > 0 && c.state != ChartAwaitingSymbol && c.state != ChartCreated:
		if pricesChanged {
			if p.Method == "du" {
				c.state = ChartStreaming
			} else {
				c.state = ChartLoaded
			}
		}
		for _, fn := range c.onUpdate {
			fn := fn
			calls = append(calls, func() { fn(changes) })
		}
	}
	c.mu.Unlock()

	for s, raw := range studyData {
		s.handleData(raw)
	}
	c.fire(calls)
}

// symbolLoadedLocked returns the SymbolLoaded callbacks for the first load of a market.
func (c *Chart) symbolLoadedLocked() []func() {
	if c.loadedFired {
		return nil
	}
	c.loadedFired = true
	infos := c.infos
	calls := make([]func(), 0, len(c.onSymbolLoaded))
	for _, fn := range c.onSymbolLoaded {
		fn := fn
		calls = append(calls, func() { fn(infos) })
	}
	return calls
}

func (c *Chart) handleSymbolResolved(p types.Packet) {
	var infos types.SymbolInfo
	if err := p.Param(2, &infos); err != nil {
		c.logger.Debug("Dropping malformed symbol_resolved", zap.Error(err))
		return
	}
	infos.SeriesID = p.StringParam(1)
	infos.Raw = append(json.RawMessage(nil), p.Params[2]...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if infos.SeriesID != c.seriesID {
		c.logger.Debug("Ignoring stale symbol_resolved", zap.String("series", infos.SeriesID))
		return
	}
	c.infos = infos
	c.logger.Info("Symbol resolved", zap.String("symbol", infos.ProName), zap.String("exchange", infos.Exchange))
}

// handleSeriesCompleted covers markets that complete without any bars.
func (c *Chart) handleSeriesCompleted() {
	c.mu.Lock()
	var calls []func()
	if c.state == ChartAwaitingSymbol {
		c.state = ChartLoaded
		calls = c.symbolLoadedLocked()
	}
	c.mu.Unlock()

	c.fire(calls)
}

// handleSymbolError reports a failed market. symbol_error names the resolve
// request, so errors for an earlier SetMarket are dropped; series_error only
// names the series key.
func (c *Chart) handleSymbolError(p types.Packet, detail string) {
	c.mu.Lock()
	if p.Method == "symbol_error" && p.StringParam(1) != c.seriesID {
		c.mu.Unlock()
		c.logger.Debug("Ignoring stale symbol_error", zap.String("series", p.StringParam(1)))
		return
	}
	symbol := c.market.Symbol
	if c.state == ChartAwaitingSymbol {
		c.state = ChartCreated
	}
	c.mu.Unlock()

	if detail == "" {
		detail = p.Method
	}
	c.logger.Warn("Symbol error", zap.String("symbol", symbol), zap.String("detail", detail))
	c.reportError(&types.SymbolResolutionError{Symbol: symbol, Detail: detail})
}

func (c *Chart) reportError(err error) {
	c.mu.Lock()
	calls := make([]func(), 0, len(c.onError))
	for _, fn := range c.onError {
		fn := fn
		calls = append(calls, func() { fn(err) })
	}
	c.mu.Unlock()

	c.fire(calls)
}

// fire runs callbacks outside the lock, stopping once the chart is deleted.
func (c *Chart) fire(calls []func()) {
	for _, fn := range calls {
		if c.State() == ChartDeleted {
			return
		}
		fn()
	}
}

// HandleDisconnect makes the chart terminal. A non-nil err is reported once.
func (c *Chart) HandleDisconnect(err error) {
	c.mu.Lock()
	if c.state == ChartDeleted || c.state == ChartDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = ChartDisconnected
	waitErr := err
	if waitErr == nil {
		waitErr = types.ErrNotConnected
	}
	c.replay.failWaiters(waitErr)
	var calls []func()
	if err != nil {
		for _, fn := range c.onError {
			fn := fn
			calls = append(calls, func() { fn(err) })
		}
	}
	c.mu.Unlock()

	c.logger.Info("Chart disconnected", zap.Error(err))
	for _, fn := range calls {
		fn()
	}
}

// Delete removes the chart's studies, then its replay session, then the
// chart itself. Deleting twice is a no-op.
func (c *Chart) Delete() error {
	c.mu.Lock()
	if c.state == ChartDeleted {
		c.mu.Unlock()
		return nil
	}
	connected := c.state != ChartDisconnected
	c.state = ChartDeleted

	studies := make([]*Study, 0, len(c.studyOrder))
	for _, id := range c.studyOrder {
		studies = append(studies, c.studies[id])
	}
	c.studies = make(map[string]*Study)
	c.studyOrder = nil
	replayID := c.replay.detach(types.ErrSessionDeleted)
	c.mu.Unlock()

	var errs error
	for _, s := range studies {
		errs = multierr.Append(errs, s.detach())
	}
	if replayID != "" {
		if connected {
			errs = multierr.Append(errs, ignoreNotConnected(c.sender.Send("replay_delete_session", replayID)))
		}
		c.registry.Unregister(replayID)
	}
	if connected {
		errs = multierr.Append(errs, ignoreNotConnected(c.sender.Send("chart_delete_session", c.id)))
	}
	c.registry.Unregister(c.id)

	c.logger.Info("Chart deleted", zap.Int("studies", len(studies)))
	return errs
}

// ignoreNotConnected treats a lost connection as a completed teardown.
func ignoreNotConnected(err error) error {
	if errors.Is(err, types.ErrNotConnected) {
		return nil
	}
	return err
}
