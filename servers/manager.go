package servers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"
)

// DefaultProbeInterval is how often RunHealthChecks probes servers
const DefaultProbeInterval = 30 * time.Second

// Manager owns the remote tool servers: it starts them, discovers and
// caches their tools, invokes them, and tracks their health. There is no
// lock spanning servers; each handle serializes its own transitions.
type Manager struct {
	mu      sync.RWMutex // guards cfg and handles
	cfg     *Config
	handles map[string]*handle

	connect       Connector
	cache         *DiscoveryCache
	probeInterval time.Duration
	now           func() time.Time

	// bg bounds background refreshes; Close cancels it
	bg       context.Context
	cancelBg context.CancelFunc
}

// Option configures a Manager
type Option func(*Manager)

// WithConnector replaces the default MCP connector
func WithConnector(c Connector) Option {
	return func(m *Manager) { m.connect = c }
}

// WithDiscoveryCache persists discovery results to c
func WithDiscoveryCache(c *DiscoveryCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithProbeInterval sets the health check period
func WithProbeInterval(d time.Duration) Option {
	return func(m *Manager) { m.probeInterval = d }
}

// NewManager creates a manager for every server in cfg. Nothing is started
// until Start.
func NewManager(cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	m := &Manager{
		cfg:           cfg,
		handles:       make(map[string]*handle, len(cfg.Servers)),
		connect:       Connect,
		probeInterval: DefaultProbeInterval,
		now:           time.Now,
	}
	m.bg, m.cancelBg = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	for id, srv := range cfg.Servers {
		m.handles[id] = newHandle(srv.normalized(id))
	}
	return m
}

func (m *Manager) handle(id string) (*handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

func (m *Manager) snapshotHandles() []*handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(m.handles))
	out := make([]*handle, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.handles[id])
	}
	return out
}

// Start launches every enabled server concurrently and waits for each to
// become Healthy, Degraded or Stopped. Failures are recorded per server
// and also returned joined.
func (m *Manager) Start(ctx context.Context) error {
	return m.startAll(ctx, m.snapshotHandles())
}

func (m *Manager) startAll(ctx context.Context, handles []*handle) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.start(ctx, h); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("server %s: %w", h.cfg.ID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) start(ctx context.Context, h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.cfg.IsEnabled() || h.State() != StateUnconfigured {
		return nil
	}
	h.transition(StateConfiguring)
	if err := h.cfg.validate(); err != nil {
		h.setError(err)
		h.transition(StateStopped)
		return err
	}

	h.transition(StateStarting)
	if err := m.connectAndDiscover(ctx, h, true); err != nil {
		m.fail(h, err)
		return err
	}
	h.setError(nil)
	h.transition(StateHealthy)
	return nil
}

// fail records a start or probe failure. Callers hold h.mu.
func (m *Manager) fail(h *handle, err error) {
	h.setError(err)
	if isFatal(err) {
		zap.S().Warnw("server_start_fatal", "server", h.cfg.ID, "error", err)
		h.swapConn(nil)
		h.transition(StateStopped)
		return
	}
	zap.S().Warnw("server_degraded", "server", h.cfg.ID, "error", err)
	h.transition(StateDegraded)
}

// connectAndDiscover opens a session and fills the tool cache, reusing a
// fresh persisted discovery when allowed. Callers hold h.mu.
func (m *Manager) connectAndDiscover(ctx context.Context, h *handle, useDiskCache bool) error {
	c, err := m.dial(ctx, h)
	if err != nil {
		return err
	}
	h.swapConn(c)

	if useDiskCache && m.loadCached(ctx, h) {
		return nil
	}
	if err := m.discover(ctx, h); err != nil {
		h.swapConn(nil)
		return err
	}
	return nil
}

// dial connects within the server's timeout. The session outlives the
// dial timeout; it is torn down when the handle swaps or closes it.
func (m *Manager) dial(ctx context.Context, h *handle) (*conn, error) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	type dialed struct {
		session Session
		err     error
	}
	ch := make(chan dialed, 1)
	go func() {
		s, err := m.connect(connCtx, h.cfg)
		ch <- dialed{s, err}
	}()

	abandon := func() {
		cancel()
		go func() {
			if d := <-ch; d.session != nil {
				_ = d.session.Close()
			}
		}()
	}

	timeout := h.cfg.TimeoutDuration()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		if d.err != nil {
			cancel()
			return nil, d.err
		}
		return &conn{session: d.session, cancel: cancel}, nil
	case <-timer.C:
		abandon()
		return nil, tools.ErrTimeout.Withf("", "handshake with %s timed out after %v", h.cfg.ID, timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (m *Manager) loadCached(ctx context.Context, h *handle) bool {
	if m.cache == nil {
		return false
	}
	entry, ok, err := m.cache.Load(ctx, h.cfg.ID)
	if err != nil {
		zap.S().Warnw("discovery_cache_read_failed", "server", h.cfg.ID, "error", err)
		return false
	}
	if !ok || !entry.Fresh(h.cfg.TTL(), m.now()) {
		return false
	}

	origin := tools.RemoteOrigin(h.cfg.ID)
	defs := make([]tools.Definition, len(entry.Tools))
	for i, d := range entry.Tools {
		d.Origin = origin
		d.Mode = tools.ModeSync
		defs[i] = d
	}
	h.cache.Store(&toolCache{defs: defs, cachedAt: entry.CachedAt, ttl: h.cfg.TTL()})
	zap.S().Debugw("discovery_cache_hit", "server", h.cfg.ID, "tools", len(defs), "cached_at", entry.CachedAt)
	return true
}

// discover lists the server's tools and swaps in a new cache. Callers hold h.mu.
func (m *Manager) discover(ctx context.Context, h *handle) error {
	c := h.conn.Load()
	if c == nil {
		return tools.ErrRemoteUnavailable.Withf("", "server %s has no session", h.cfg.ID)
	}

	dctx, cancel := context.WithTimeout(ctx, h.cfg.TimeoutDuration())
	defer cancel()

	listed, err := c.session.ListTools(dctx)
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded {
			return tools.ErrTimeout.Withf("", "discovery on %s timed out after %v", h.cfg.ID, h.cfg.TimeoutDuration())
		}
		return fmt.Errorf("failed to discover tools on %s: %w", h.cfg.ID, err)
	}

	defs := make([]tools.Definition, 0, len(listed))
	for _, t := range listed {
		defs = append(defs, toDefinition(h.cfg.ID, t))
	}
	now := m.now()
	h.cache.Store(&toolCache{defs: defs, cachedAt: now, ttl: h.cfg.TTL()})
	zap.S().Debugw("server_tools_discovered", "server", h.cfg.ID, "tools", len(defs))

	if m.cache != nil {
		if err := m.cache.Store(ctx, h.cfg.ID, defs, now); err != nil {
			zap.S().Warnw("discovery_cache_write_failed", "server", h.cfg.ID, "error", err)
		}
	}
	return nil
}

// DiscoverTools repeats discovery against a healthy server
func (m *Manager) DiscoverTools(ctx context.Context, id string) ([]tools.Definition, error) {
	h, ok := m.handle(id)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != StateHealthy {
		return nil, tools.ErrRemoteUnavailable.Withf("", "server %s is %s", id, h.State())
	}
	if err := m.discover(ctx, h); err != nil {
		h.setError(err)
		h.transition(StateDegraded)
		return nil, err
	}
	return h.definitions(), nil
}

// RemoteDefinitions returns the tools of every Healthy server. Caches past
// their TTL are served as they are while a background refresh runs, so a
// hung server never holds up the caller.
func (m *Manager) RemoteDefinitions(ctx context.Context) []tools.Definition {
	handles := m.snapshotHandles()
	now := m.now()

	var out []tools.Definition
	for _, h := range handles {
		if h.State() != StateHealthy {
			continue
		}
		if c := h.cache.Load(); c != nil && c.expired(now) {
			m.refreshAsync(h)
		}
		out = append(out, h.definitions()...)
	}
	return out
}

// CachedDefinitions returns the cached tools of every Healthy server
// without refreshing anything
func (m *Manager) CachedDefinitions() []tools.Definition {
	var out []tools.Definition
	for _, h := range m.snapshotHandles() {
		if h.State() == StateHealthy {
			out = append(out, h.definitions()...)
		}
	}
	return out
}

// refreshAsync starts at most one background rediscovery per handle
func (m *Manager) refreshAsync(h *handle) {
	if !h.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.refreshing.Store(false)
		m.refresh(m.bg, h)
	}()
}

func (m *Manager) refresh(ctx context.Context, h *handle) {
	if !h.mu.TryLock() {
		return
	}
	defer h.mu.Unlock()
	if h.State() != StateHealthy {
		return
	}
	if err := m.discover(ctx, h); err != nil {
		if ctx.Err() != nil {
			// manager closing
			return
		}
		h.setError(err)
		h.transition(StateDegraded)
		zap.S().Warnw("server_refresh_failed", "server", h.cfg.ID, "error", err)
	}
}

// Invoke calls a tool on a server within the server's timeout. Connection
// failures degrade the server and come back as retryable errors; retrying
// is left to the caller.
func (m *Manager) Invoke(ctx context.Context, id string, call tools.ToolCall) (tools.Result, error) {
	h, ok := m.handle(id)
	if !ok {
		err := tools.ErrRemoteUnavailable.Withf(call.Name, "unknown server %q", id)
		return tools.Failed(call.ID, err), err
	}
	c := h.conn.Load()
	if h.State() != StateHealthy || c == nil {
		err := tools.ErrRemoteUnavailable.Withf(call.Name, "server %s is %s", id, h.State())
		return tools.Failed(call.ID, err), err
	}

	timeout := h.cfg.TimeoutDuration()
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	raw, err := c.session.CallTool(ictx, call.Name, args)
	elapsed := time.Since(start)

	var res tools.Result
	if err == nil {
		res, err = toResult(call.Name, raw)
	} else {
		err = m.classify(ctx, ictx, h, c, call.Name, timeout, err)
	}
	if err != nil {
		res = tools.Failed(call.ID, err)
	}
	res.CallID = call.ID
	res.Duration = elapsed

	zap.S().Debugw("remote_tool_invoked",
		"server", id,
		"tool_name", call.Name,
		"call_id", call.ID,
		"success", res.Success,
		"error_kind", res.ErrorKind,
		"duration", elapsed)
	return res, err
}

func (m *Manager) classify(ctx, ictx context.Context, h *handle, c *conn, name string, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return tools.ErrTimeout.With(name, ctx.Err())
	}
	if ictx.Err() == context.DeadlineExceeded {
		return tools.ErrTimeout.Withf(name, "no response from %s within %v", h.cfg.ID, timeout)
	}
	if ar, ok := c.session.(interface{ AuthRejected() bool }); ok && ar.AuthRejected() {
		return tools.ErrAuthenticationFailed.With(name, err)
	}

	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		te := tools.ErrRemoteProtocolError.With(name, err)
		if wire.Code == jsonrpc.CodeInternalError {
			te.Transient()
		}
		return te
	}

	// anything else means the connection is gone
	m.degrade(h, c, err)
	return tools.ErrRemoteUnavailable.With(name, err)
}

// degrade marks a server unhealthy after a failed call on connection c
func (m *Manager) degrade(h *handle, c *conn, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// a probe may already have replaced the connection
	if h.conn.Load() != c {
		return
	}
	h.setError(err)
	if h.transition(StateDegraded) {
		zap.S().Warnw("server_degraded", "server", h.cfg.ID, "error", err)
	}
}

// Probe checks a server's health. A healthy server that fails its ping is
// degraded; a degraded server is pinged or reconnected and, on success,
// rediscovered and marked healthy.
func (m *Manager) Probe(ctx context.Context, id string) error {
	h, ok := m.handle(id)
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.State() {
	case StateHealthy:
		if err := m.ping(ctx, h); err != nil {
			m.fail(h, err)
			return err
		}
		return nil

	case StateDegraded:
		err := m.ping(ctx, h)
		if err == nil {
			err = m.discover(ctx, h)
		}
		if err != nil {
			// the session may be dead; start over with a new one
			err = m.connectAndDiscover(ctx, h, false)
		}
		if err != nil {
			m.fail(h, err)
			return err
		}
		h.setError(nil)
		h.transition(StateHealthy)
		zap.S().Infow("server_recovered", "server", id)
		return nil

	default:
		return nil
	}
}

func (m *Manager) ping(ctx context.Context, h *handle) error {
	c := h.conn.Load()
	if c == nil {
		return tools.ErrRemoteUnavailable.Withf("", "server %s has no session", h.cfg.ID)
	}
	pctx, cancel := context.WithTimeout(ctx, h.cfg.TimeoutDuration())
	defer cancel()
	if err := c.session.Ping(pctx); err != nil {
		return fmt.Errorf("ping %s failed: %w", h.cfg.ID, err)
	}
	return nil
}

// ProbeAll probes every healthy or degraded server concurrently
func (m *Manager) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range m.snapshotHandles() {
		if s := h.State(); s != StateHealthy && s != StateDegraded {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Probe(ctx, h.cfg.ID)
		}()
	}
	wg.Wait()
}

// RunHealthChecks probes servers every probe interval until ctx is done
func (m *Manager) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// Reload applies a new configuration. Removed or changed servers are
// stopped; new or changed servers are started; untouched servers keep
// their session and cache.
func (m *Manager) Reload(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("failed to reload server config: %w", err)
	}

	var stale, fresh []*handle
	var removed []string

	m.mu.Lock()
	for id, old := range m.handles {
		srv, ok := cfg.Servers[id]
		if !ok {
			removed = append(removed, id)
		}
		if !ok || !reflect.DeepEqual(old.cfg, srv) {
			stale = append(stale, old)
			delete(m.handles, id)
		}
	}
	for id, srv := range cfg.Servers {
		if _, ok := m.handles[id]; ok {
			continue
		}
		h := newHandle(srv)
		m.handles[id] = h
		fresh = append(fresh, h)
	}
	m.cfg = cfg
	m.mu.Unlock()

	for _, h := range stale {
		m.stop(h)
	}
	if m.cache != nil {
		for _, id := range removed {
			if err := m.cache.Forget(ctx, id); err != nil {
				zap.S().Warnw("discovery_cache_write_failed", "server", id, "error", err)
			}
		}
	}
	zap.S().Infow("server_config_reloaded", "stopped", len(stale), "started", len(fresh))
	return m.startAll(ctx, fresh)
}

// Stop shuts down one server
func (m *Manager) Stop(id string) error {
	h, ok := m.handle(id)
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	m.stop(h)
	return nil
}

func (m *Manager) stop(h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.swapConn(nil)
	h.cache.Store(nil)
	h.transition(StateStopped)
}

// Close stops every server
func (m *Manager) Close() error {
	m.cancelBg()
	for _, h := range m.snapshotHandles() {
		m.stop(h)
	}
	return nil
}

// State returns a server's lifecycle state
func (m *Manager) State(id string) (State, bool) {
	h, ok := m.handle(id)
	if !ok {
		return StateUnconfigured, false
	}
	return h.State(), true
}

// Status reports every server sorted by id
func (m *Manager) Status() []Status {
	handles := m.snapshotHandles()
	out := make([]Status, len(handles))
	for i, h := range handles {
		out[i] = h.status()
	}
	return out
}
