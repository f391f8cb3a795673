package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/zap"
)

// StudyUpdate is delivered to OnUpdate. Plots holds the rows touched by the
// update; Graphics holds the current objects of every type that changed.
type StudyUpdate struct {
	Plots    []types.StudyPeriod
	Graphics Graphics
}

// Study is an indicator attached to a chart's price series.
type Study struct {
	chart    *Chart
	sender   interfaces.Sender
	registry *Registry
	logger   *zap.Logger

	mu           sync.Mutex
	id           string
	indicator    types.Indicator
	ready        bool
	deleted      bool
	disconnected bool
	periods      []types.StudyPeriod
	graphics     Graphics

	onReady  []func()
	onUpdate []func(StudyUpdate)
	onError  []func(error)
}

var _ Session = (*Study)(nil)

func newStudy(c *Chart, ind types.Indicator) (*Study, error) {
	if ind.Kind == types.IndicatorScript {
		switch {
		case ind.Script == "":
			return nil, &types.IndicatorUnavailableError{Indicator: ind.ID, Detail: "no compiled script"}
		case ind.Token == "":
			return nil, &types.IndicatorUnavailableError{Indicator: ind.ID, Detail: "no access token"}
		}
	}

	s := &Study{
		chart:     c,
		sender:    c.sender,
		registry:  c.registry,
		indicator: ind.Clone(),
		graphics:  Graphics{},
	}
	s.id = c.registry.CreateID(types.KindStudy)
	s.logger = c.logger.With(zap.String("study", s.id), zap.String("indicator", ind.ID))

	if err := c.registry.Register(s.id, s); err != nil {
		return nil, err
	}
	if err := c.attachStudy(s, s.id); err != nil {
		c.registry.Unregister(s.id)
		return nil, err
	}

	s.mu.Lock()
	err := s.sendCreateLocked()
	s.mu.Unlock()
	if err != nil {
		c.forgetStudy(s.id)
		c.registry.Unregister(s.id)
		return nil, err
	}
	s.logger.Info("Study created", zap.String("type", ind.StudyType()))
	return s, nil
}

func (s *Study) sendCreateLocked() error {
	err := s.sender.Send("create_study", s.chart.id, s.id, "st1", pricesKey, s.indicator.StudyType(), s.indicator.StudyInputs())
	if err != nil {
		return fmt.Errorf("failed to create study: %w", err)
	}
	return nil
}

func (s *Study) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Study) Kind() types.Kind {
	return types.KindStudy
}

func (s *Study) Chart() *Chart {
	return s.chart
}

func (s *Study) Indicator() types.Indicator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indicator.Clone()
}

func (s *Study) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Periods returns a copy of the computed rows, oldest first.
func (s *Study) Periods() []types.StudyPeriod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.StudyPeriod(nil), s.periods...)
}

func (s *Study) Graphics() Graphics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphics.Clone()
}

// OnReady fires when the study has finished its first computation.
func (s *Study) OnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = append(s.onReady, fn)
}

func (s *Study) OnUpdate(fn func(StudyUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

func (s *Study) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *Study) usableLocked() error {
	if s.deleted {
		return types.ErrSessionDeleted
	}
	if s.disconnected {
		return types.ErrNotConnected
	}
	return nil
}

// SetOption changes one input. The server cannot modify a study in place,
// so the study is removed and created again under a fresh id; computed
// rows and graphics are dropped and OnReady fires again.
func (s *Study) SetOption(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	ind, err := s.indicator.WithOption(name, value)
	if err != nil {
		return err
	}

	oldID := s.id
	newID := s.registry.CreateID(types.KindStudy)
	if err := s.registry.Register(newID, s); err != nil {
		return err
	}
	s.registry.Unregister(oldID)
	s.chart.renameStudy(oldID, newID)

	s.id = newID
	s.indicator = ind
	s.ready = false
	s.periods = nil
	s.graphics = Graphics{}
	s.logger = s.logger.With(zap.String("study", newID))

	if err := s.sender.Send("remove_study", s.chart.id, oldID); err != nil {
		return fmt.Errorf("failed to remove study: %w", err)
	}
	return s.sendCreateLocked()
}

// HandlePacket applies study lifecycle packets forwarded by the chart.
func (s *Study) HandlePacket(p types.Packet) {
	switch p.Method {
	case "study_completed":
		s.handleCompleted()
	case "study_error":
		detail := p.Detail(3)
		if detail == "" {
			detail = p.Detail(2)
		}
		s.handleError(detail)
	case "study_loading", "study_deleted":
		s.logger.Debug("Study event", zap.String("method", p.Method))
	default:
		s.logger.Debug("Unhandled study packet", zap.String("method", p.Method))
	}
}

func (s *Study) handleCompleted() {
	s.mu.Lock()
	if s.deleted || s.disconnected || s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	calls := append([]func(){}, s.onReady...)
	s.mu.Unlock()

	s.fire(calls)
}

func (s *Study) handleError(detail string) {
	s.mu.Lock()
	if s.deleted || s.disconnected {
		s.mu.Unlock()
		return
	}
	var err error
	if !s.ready && s.indicator.Kind == types.IndicatorScript && isAccessDenied(detail) {
		err = &types.IndicatorUnavailableError{Indicator: s.indicator.ID, Detail: detail}
	} else {
		err = &types.StudyError{StudyID: s.id, Detail: detail}
	}
	calls := make([]func(), 0, len(s.onError))
	for _, fn := range s.onError {
		fn := fn
		calls = append(calls, func() { fn(err) })
	}
	s.mu.Unlock()

	s.logger.Warn("Study error", zap.Error(err))
	s.fire(calls)
}

func isAccessDenied(detail string) bool {
	detail = strings.ToLower(detail)
	for _, word := range []string{"permission", "access", "auth", "invite", "denied"} {
		if strings.Contains(detail, word) {
			return true
		}
	}
	return false
}

func (s *Study) handleData(raw json.RawMessage) {
	var update types.SeriesUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		s.logger.Debug("Dropping malformed study update", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.deleted || s.disconnected {
		s.mu.Unlock()
		return
	}

	var plots []types.StudyPeriod
	for _, point := range update.St {
		if len(point.Values) == 0 {
			continue
		}
		row := types.StudyPeriod{Time: int64(point.Values[0]), Plots: make(map[string]float64, len(point.Values)-1)}
		for i, v := range point.Values[1:] {
			row.Plots[s.indicator.PlotName(i)] = v
		}
		s.periods, _ = types.UpsertStudyPeriod(s.periods, row)
		plots = append(plots, row)
	}

	var changed Graphics
	if update.NS != nil {
		cmds, err := parseGraphicsCommands(update.NS.D)
		if err != nil {
			s.logger.Debug("Dropping study graphics", zap.Error(err))
		}
		if typesChanged := s.graphics.Apply(cmds); len(typesChanged) > 0 {
			changed = make(Graphics, len(typesChanged))
			for _, typ := range typesChanged {
				items := make(map[string]json.RawMessage, len(s.graphics[typ]))
				for id, obj := range s.graphics[typ] {
					items[id] = obj
				}
				changed[typ] = items
			}
		}
	}

	if len(plots) == 0 && changed == nil {
		s.mu.Unlock()
		return
	}
	su := StudyUpdate{Plots: plots, Graphics: changed}
	calls := make([]func(), 0, len(s.onUpdate))
	for _, fn := range s.onUpdate {
		fn := fn
		calls = append(calls, func() { fn(su) })
	}
	s.mu.Unlock()

	s.fire(calls)
}

func (s *Study) fire(calls []func()) {
	for _, fn := range calls {
		s.mu.Lock()
		deleted := s.deleted
		s.mu.Unlock()
		if deleted {
			return
		}
		fn()
	}
}

func (s *Study) HandleDisconnect(err error) {
	s.mu.Lock()
	if s.deleted || s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	var calls []func()
	if err != nil {
		for _, fn := range s.onError {
			fn := fn
			calls = append(calls, func() { fn(err) })
		}
	}
	s.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
}

// Delete removes the study from its chart. Deleting twice is a no-op.
func (s *Study) Delete() error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()

	err := s.detach()
	s.chart.forgetStudy(id)
	return err
}

// detach tears the study down without touching the chart's study table.
func (s *Study) detach() error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return nil
	}
	s.deleted = true
	id := s.id
	connected := !s.disconnected
	s.mu.Unlock()

	var err error
	if connected {
		err = ignoreNotConnected(s.sender.Send("remove_study", s.chart.id, id))
	}
	s.registry.Unregister(id)
	s.logger.Info("Study deleted")
	return err
}
