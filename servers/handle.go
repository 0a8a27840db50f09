package servers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexschlessinger/toolbridge/tools"
	"go.uber.org/zap"
)

// toolCache is swapped in whole; readers never see a partial update
type toolCache struct {
	defs     []tools.Definition
	cachedAt time.Time
	ttl      time.Duration
}

func (c *toolCache) expired(now time.Time) bool {
	return now.Sub(c.cachedAt) >= c.ttl
}

type conn struct {
	session Session
	cancel  context.CancelFunc
}

func (c *conn) close() {
	if c == nil {
		return
	}
	if c.session != nil {
		_ = c.session.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// handle is the runtime state of one configured server. mu serializes
// lifecycle transitions; state, cache and connection are atomics so
// readers never wait behind a slow connect or probe.
type handle struct {
	cfg ServerConfig

	mu    sync.Mutex
	state atomic.Int32
	cache atomic.Pointer[toolCache]
	conn  atomic.Pointer[conn]

	refreshing atomic.Bool

	errMu   sync.Mutex
	lastErr error
	changed time.Time
}

func newHandle(cfg ServerConfig) *handle {
	h := &handle{cfg: cfg, changed: time.Now()}
	h.state.Store(int32(StateUnconfigured))
	return h
}

func (h *handle) State() State {
	return State(h.state.Load())
}

// transition moves the handle to a new state. Callers hold h.mu.
func (h *handle) transition(to State) bool {
	from := h.State()
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		zap.S().Warnw("server_illegal_transition", "server", h.cfg.ID, "from", from, "to", to)
		return false
	}
	h.state.Store(int32(to))

	h.errMu.Lock()
	h.changed = time.Now()
	h.errMu.Unlock()

	zap.S().Debugw("server_state_changed", "server", h.cfg.ID, "from", from, "to", to)
	return true
}

func (h *handle) setError(err error) {
	h.errMu.Lock()
	h.lastErr = err
	h.errMu.Unlock()
}

func (h *handle) lastError() (error, time.Time) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.lastErr, h.changed
}

// swapConn installs a new connection and closes the previous one
func (h *handle) swapConn(c *conn) {
	if old := h.conn.Swap(c); old != nil && old != c {
		old.close()
	}
}

// definitions returns the cached tool definitions
func (h *handle) definitions() []tools.Definition {
	c := h.cache.Load()
	if c == nil {
		return nil
	}
	return c.defs
}

// Status is a point-in-time view of a server for display
type Status struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Endpoint  string    `json:"endpoint"`
	Tools     []string  `json:"tools,omitempty"`
	CachedAt  time.Time `json:"cachedAt,omitzero"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

func (h *handle) status() Status {
	st := Status{ID: h.cfg.ID, State: h.State(), Endpoint: h.cfg.Display()}
	if c := h.cache.Load(); c != nil {
		st.CachedAt = c.cachedAt
		for _, d := range c.defs {
			st.Tools = append(st.Tools, d.Name)
		}
	}
	err, since := h.lastError()
	if err != nil {
		st.LastError = err.Error()
	}
	st.Since = since
	return st
}
