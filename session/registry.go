package session

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Session is one logical feed multiplexed over the shared connection.
type Session interface {
	ID() string

	Kind() types.Kind

	// HandlePacket is called from the dispatch goroutine, one packet at a time.
	HandlePacket(types.Packet)

	// HandleDisconnect moves the session to its terminal disconnected state.
	// err is nil when the connection was closed on purpose.
	HandleDisconnect(err error)

	Delete() error
}

// Info describes a registered session.
type Info struct {
	ID   string     `json:"id"`
	Kind types.Kind `json:"kind"`
}

const idSuffixLen = 6

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type entry struct {
	session Session
	seq     uint64
}

// Registry owns the id → session table of one connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]entry
	seq      uint64
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]entry),
		logger:   logger,
	}
}

// CreateID returns a fresh id such as "cs_1kX9aQe". The base36 sequence
// keeps ids distinct for the registry's lifetime; the fixed-length random
// suffix keeps ids from different clients apart.
func (r *Registry) CreateID(kind types.Kind) string {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	suffix := make([]byte, idSuffixLen)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return kind.Prefix() + "_" + strconv.FormatUint(seq, 36) + string(suffix)
}

// Register adds s under id. An id can only be registered once at a time.
func (r *Registry) Register(id string, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("session id %s already registered", id)
	}
	r.seq++
	r.sessions[id] = entry{session: s, seq: r.seq}
	r.logger.Debug("Registered session", zap.String("id", id), zap.String("kind", string(s.Kind())))
	return nil
}

// Unregister removes id and reports whether it was present. Repeated calls are no-ops.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	r.logger.Debug("Unregistered session", zap.String("id", id))
	return true
}

func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions lists the registered sessions in registration order.
func (r *Registry) Sessions() []Info {
	entries := r.snapshot()
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, Info{ID: e.id, Kind: e.session.Kind()})
	}
	return infos
}

type namedEntry struct {
	entry
	id string
}

func (r *Registry) snapshot() []namedEntry {
	r.mu.RLock()
	entries := make([]namedEntry, 0, len(r.sessions))
	for id, e := range r.sessions {
		entries = append(entries, namedEntry{entry: e, id: id})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// DisconnectAll empties the table and tells every session the connection is
// gone. Each session sees err exactly once.
func (r *Registry) DisconnectAll(err error) {
	entries := r.snapshot()

	r.mu.Lock()
	for _, e := range entries {
		delete(r.sessions, e.id)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.session.HandleDisconnect(err)
	}
	r.logger.Info("Disconnected all sessions", zap.Int("count", len(entries)), zap.Error(err))
}

// DeleteAll deletes every session, newest first, so studies go before their chart.
func (r *Registry) DeleteAll() error {
	entries := r.snapshot()

	var errs error
	for i := len(entries) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, entries[i].session.Delete())
	}
	return errs
}
