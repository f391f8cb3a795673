package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tradingiq/tradingview-client/types"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []types.Packet
	err    error
}

func (f *fakeSender) Send(method string, params ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	p, err := types.NewPacket(method, params...)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, p)
	return nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) packets() []types.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Packet(nil), f.frames...)
}

func (f *fakeSender) methods() []string {
	var out []string
	for _, p := range f.packets() {
		out = append(out, p.Method)
	}
	return out
}

// last returns the most recent frame with method.
func (f *fakeSender) last(t *testing.T, method string) types.Packet {
	t.Helper()
	frames := f.packets()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Method == method {
			return frames[i]
		}
	}
	t.Fatalf("no %s frame sent; got %v", method, f.methods())
	return types.Packet{}
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func packet(t *testing.T, method string, params ...any) types.Packet {
	t.Helper()
	p, err := types.NewPacket(method, params...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type stubSession struct {
	id          string
	kind        types.Kind
	mu          sync.Mutex
	packets     []types.Packet
	disconnects []error
	deletes     int
}

func (s *stubSession) ID() string       { return s.id }
func (s *stubSession) Kind() types.Kind { return s.kind }

func (s *stubSession) HandlePacket(p types.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
}

func (s *stubSession) HandleDisconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, err)
}

func (s *stubSession) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	return nil
}
