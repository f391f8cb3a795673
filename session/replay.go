package session

import (
	"context"
	"fmt"

	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/zap"
)

// ReplayState is the position of a chart's replay session.
type ReplayState int

const (
	ReplayNone ReplayState = iota
	ReplayLoading
	ReplayLoaded
	ReplayRunning
	ReplayEnded
)

func (s ReplayState) String() string {
	switch s {
	case ReplayNone:
		return "none"
	case ReplayLoading:
		return "loading"
	case ReplayLoaded:
		return "loaded"
	case ReplayRunning:
		return "running"
	case ReplayEnded:
		return "ended"
	default:
		return fmt.Sprintf("ReplayState(%d)", int(s))
	}
}

type replayWaiter struct {
	ch   chan error
	step bool
	next ReplayState
}

// replayState is guarded by the owning chart's mutex.
type replayState struct {
	id          string
	state       ReplayState
	instanceID  string
	seq         int
	stepPending bool
	waiters     map[string]replayWaiter
}

func newReplayState() replayState {
	return replayState{waiters: make(map[string]replayWaiter)}
}

func (r *replayState) attach(id string) {
	r.id = id
	r.state = ReplayLoading
	r.instanceID = ""
	r.stepPending = false
}

// detach forgets the replay session and returns its id, or "" if there was none.
func (r *replayState) detach(err error) string {
	id := r.id
	r.failWaiters(err)
	r.id = ""
	r.state = ReplayNone
	r.instanceID = ""
	return id
}

func (r *replayState) failWaiters(err error) {
	for reqID, w := range r.waiters {
		w.ch <- err
		delete(r.waiters, reqID)
	}
	r.stepPending = false
}

// replayAdapter registers a chart's replay session id so that replay
// packets, which are addressed by that id, reach the chart.
type replayAdapter struct {
	id    string
	chart *Chart
}

var _ Session = (*replayAdapter)(nil)

func (a *replayAdapter) ID() string {
	return a.id
}

func (a *replayAdapter) Kind() types.Kind {
	return types.KindReplay
}

func (a *replayAdapter) HandlePacket(p types.Packet) {
	a.chart.handleReplayPacket(a.id, p)
}

// HandleDisconnect is a no-op; the owning chart is disconnected on its own.
func (a *replayAdapter) HandleDisconnect(error) {}

// Delete is a no-op; the replay session is deleted with its chart.
func (a *replayAdapter) Delete() error {
	return nil
}

func (c *Chart) ReplayState() ReplayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replay.state
}

// ReplayID returns the replay session id, or "" when not replaying.
func (c *Chart) ReplayID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replay.id
}

// OnReplayLoaded fires once the server has positioned the replay at its start.
func (c *Chart) OnReplayLoaded(fn func(instanceID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReplayLoaded = append(c.onReplayLoaded, fn)
}

func (c *Chart) OnReplayPoint(fn func(index int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReplayPoint = append(c.onReplayPoint, fn)
}

func (c *Chart) OnReplayResolution(fn func(timeframe string, index int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReplayResolved = append(c.onReplayResolved, fn)
}

// OnReplayEnd fires when the replay runs out of data.
func (c *Chart) OnReplayEnd(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReplayEnd = append(c.onReplayEnd, fn)
}

// ReplayStep advances the replay by n bars and waits for the server to
// acknowledge. Only one step may be outstanding.
func (c *Chart) ReplayStep(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid replay step %d", n)
	}
	return c.replayRequest(ctx, "replay_step", n, true, ReplayNone)
}

// ReplayStart plays the replay forward, one bar every interval milliseconds.
func (c *Chart) ReplayStart(ctx context.Context, interval int) error {
	if interval <= 0 {
		return fmt.Errorf("invalid replay interval %d", interval)
	}
	return c.replayRequest(ctx, "replay_start", interval, false, ReplayRunning)
}

// ReplayStop pauses a running replay.
func (c *Chart) ReplayStop(ctx context.Context) error {
	return c.replayRequest(ctx, "replay_stop", nil, false, ReplayLoaded)
}

func (c *Chart) replayRequest(ctx context.Context, method string, arg any, step bool, next ReplayState) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	switch c.replay.state {
	case ReplayNone, ReplayLoading:
		c.mu.Unlock()
		return types.ErrReplayNotLoaded
	case ReplayEnded:
		c.mu.Unlock()
		return types.ErrReplayEnded
	}
	if step && c.replay.stepPending {
		c.mu.Unlock()
		return types.ErrReplayStepPending
	}

	c.replay.seq++
	reqID := fmt.Sprintf("req_%s_%d", method, c.replay.seq)
	params := []any{c.replay.id, reqID}
	if arg != nil {
		params = append(params, arg)
	}
	if err := c.sender.Send(method, params...); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	w := replayWaiter{ch: make(chan error, 1), step: step, next: next}
	c.replay.waiters[reqID] = w
	if step {
		c.replay.stepPending = true
	}
	c.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if _, ok := c.replay.waiters[reqID]; ok {
			delete(c.replay.waiters, reqID)
			if step {
				c.replay.stepPending = false
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Chart) handleReplayPacket(id string, p types.Packet) {
	c.mu.Lock()
	if c.replay.id != id || c.state == ChartDeleted || c.state == ChartDisconnected {
		c.mu.Unlock()
		c.logger.Debug("Dropping stale replay packet", zap.String("replay", id), zap.String("method", p.Method))
		return
	}

	var calls []func()
	switch p.Method {
	case "replay_ok":
		reqID := p.StringParam(1)
		if w, ok := c.replay.waiters[reqID]; ok {
			delete(c.replay.waiters, reqID)
			if w.step {
				c.replay.stepPending = false
			}
			if w.next != ReplayNone && c.replay.state != ReplayEnded {
				c.replay.state = w.next
			}
			w.ch <- nil
		}

	case "replay_instance_id":
		instanceID := p.StringParam(1)
		c.replay.instanceID = instanceID
		if c.replay.state == ReplayLoading {
			c.replay.state = ReplayLoaded
			for _, fn := range c.onReplayLoaded {
				fn := fn
				calls = append(calls, func() { fn(instanceID) })
			}
		}

	case "replay_point":
		var index int64
		if err := p.Param(1, &index); err != nil {
			c.logger.Debug("Dropping malformed replay_point", zap.Error(err))
			break
		}
		for _, fn := range c.onReplayPoint {
			fn := fn
			calls = append(calls, func() { fn(index) })
		}

	case "replay_resolutions":
		timeframe := p.StringParam(1)
		var index int64
		if err := p.Param(2, &index); err != nil {
			c.logger.Debug("Dropping malformed replay_resolutions", zap.Error(err))
			break
		}
		for _, fn := range c.onReplayResolved {
			fn := fn
			calls = append(calls, func() { fn(timeframe, index) })
		}

	case "replay_data_end":
		if c.replay.state != ReplayEnded {
			c.replay.state = ReplayEnded
			for _, fn := range c.onReplayEnd {
				calls = append(calls, fn)
			}
		}

	case "critical_error":
		c.mu.Unlock()
		c.reportError(&types.ProtocolError{Method: p.Method, Detail: p.Detail(1)})
		return

	default:
		c.logger.Debug("Unhandled replay packet", zap.String("method", p.Method))
	}
	c.mu.Unlock()

	c.fire(calls)
}
