package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a connection's position in the link state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectConfig configures one connection.
type ConnectConfig struct {
	AutoConnect       bool          // passed through to the radio
	ConnectTimeout    time.Duration // per link attempt
	ReconnectAttempts int           // automatic reconnects allowed after a drop
	ReconnectInterval time.Duration // wait before each reconnect attempt
	OpTimeout         time.Duration // service discovery deadline
}

// DefaultConnectConfig returns sensible defaults.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{
		ConnectTimeout:    10 * time.Second,
		ReconnectAttempts: 1,
		ReconnectInterval: 5 * time.Second,
		OpTimeout:         5 * time.Second,
	}
}

func (c ConnectConfig) withDefaults() ConnectConfig {
	d := DefaultConnectConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectInterval < 0 {
		c.ReconnectInterval = 0
	}
	return c
}

// ConnectCallbacks receives connection events on the dispatcher goroutine.
// Nil fields are skipped. Every StartConnect is followed by exactly one
// ConnectSuccess or ConnectFail.
type ConnectCallbacks struct {
	StartConnect   func(id string)
	ConnectSuccess func(id string, services ServiceTree)
	ConnectFail    func(id string, err error)
	// Disconnected follows an established connection going down. err is
	// ErrLinkDropped for unexpected drops and nil when requested.
	Disconnected func(id string, byCaller bool, err error)
}

// ConnInfo is a snapshot of a connection's bookkeeping.
type ConnInfo struct {
	ID       string
	State    State
	Retries  int // automatic reconnect attempts used
	Budget   int // automatic reconnect attempts allowed
	Deadline time.Time
}

type connection struct {
	id  string
	cfg ConnectConfig
	cb  ConnectCallbacks

	// guarded by Manager.mu
	state    State
	gen      uint64 // bumped on every transition that invalidates in-flight work
	retries  int
	deadline time.Time
	link     Link
	services ServiceTree
	ready    bool // discovery finished on the current link
	dropped  bool // link went down while discovery was running
	pending  bool // StartConnect emitted, terminal event outstanding
	everUp   bool
	cancel   context.CancelFunc
	timer    *time.Timer
}

// Manager owns the connection state machine for every device. At most one
// non-Idle connection exists per device identifier.
type Manager struct {
	gate  *Gate
	radio Radio
	disp  *Dispatcher

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager creates a Manager.
func NewManager(gate *Gate, radio Radio, disp *Dispatcher) *Manager {
	return &Manager{
		gate:  gate,
		radio: radio,
		disp:  disp,
		conns: make(map[string]*connection),
	}
}

// Conn is a handle to a device's connection.
type Conn struct {
	m  *Manager
	id string
}

// ID returns the device identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current state.
func (c *Conn) State() State { return c.m.State(c.id) }

// Services returns the discovered service tree while connected.
func (c *Conn) Services() (ServiceTree, bool) { return c.m.Services(c.id) }

// Disconnect closes the connection. See Manager.Disconnect.
func (c *Conn) Disconnect() error { return c.m.Disconnect(c.id) }

// Connect starts connecting to the sighted device. Completion is reported
// through cb; StartConnect is queued before Connect returns.
func (m *Manager) Connect(s Sighting, cfg ConnectConfig, cb ConnectCallbacks) (*Conn, error) {
	id := normalizeID(s.ID)
	if id == "" {
		return nil, fmt.Errorf("ble: connect: empty device identifier")
	}
	if err := m.gate.Require(); err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok && c.state != StateIdle {
		return nil, fmt.Errorf("%w: %s is %s", ErrConnectionAlreadyActive, id, c.state)
	}
	c := &connection{id: id, cfg: cfg.withDefaults(), cb: cb}
	m.conns[id] = c
	slog.Info("[BLE] connecting", "id", id, "timeout", c.cfg.ConnectTimeout)
	m.beginAttemptLocked(c)
	return &Conn{m: m, id: id}, nil
}

// current reports whether gen is still the live generation of c
// (caller must hold mu).
func (m *Manager) current(c *connection, gen uint64) bool {
	return m.conns[c.id] == c && c.gen == gen
}

func (m *Manager) emit(fn func()) {
	m.disp.Post(fn)
}

// beginAttemptLocked enters Connecting and dials in the background
// (caller must hold mu).
func (m *Manager) beginAttemptLocked(c *connection) {
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.deadline = time.Now().Add(c.cfg.ConnectTimeout)
	c.dropped = false
	if !c.pending {
		c.pending = true
		id, cb := c.id, c.cb
		m.emit(func() { cb.startConnect(id) })
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancel = cancel
	go m.dial(ctx, c, gen)
}

func (m *Manager) dial(ctx context.Context, c *connection, gen uint64) {
	type result struct {
		link Link
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		link, err := m.radio.Connect(ctx, c.id, c.cfg.AutoConnect)
		ch <- result{link, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
		// The radio may still complete; drop whatever it produces.
		go func() {
			if late := <-ch; late.link != nil {
				_ = late.link.Disconnect()
			}
		}()
	}

	if res.err == nil && res.link == nil {
		res.err = errors.New("radio returned no link")
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: no link to %s within %s", ErrTimeout, c.id, c.cfg.ConnectTimeout)
		} else if !errors.Is(res.err, context.Canceled) {
			res.err = fmt.Errorf("ble: connect %s: %w", c.id, res.err)
		}
		m.mu.Lock()
		m.failLocked(c, gen, res.err)
		m.mu.Unlock()
		return
	}
	m.linkUp(c, gen, res.link)
}

func (m *Manager) linkUp(c *connection, gen uint64, link Link) {
	m.mu.Lock()
	if !m.current(c, gen) {
		m.mu.Unlock()
		_ = link.Disconnect()
		return
	}
	c.cancel()
	c.state = StateConnected
	c.link = link
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	opTimeout := c.cfg.OpTimeout
	m.mu.Unlock()

	link.OnDisconnect(func() { m.linkDropped(c, gen) })
	slog.Debug("[BLE] link up, discovering services", "id", c.id)

	services, err := Discover(ctx, link, opTimeout)

	m.mu.Lock()
	if !m.current(c, gen) {
		// Disconnect ran meanwhile and owns the link.
		m.mu.Unlock()
		return
	}
	if err != nil {
		if c.dropped {
			err = fmt.Errorf("%w during discovery: %w", ErrLinkDropped, err)
		}
		c.link = nil
		m.failLocked(c, gen, err)
		m.mu.Unlock()
		_ = link.Disconnect()
		return
	}
	cancel()
	c.services = services
	c.ready = true
	c.everUp = true
	c.pending = false
	id, cb := c.id, c.cb
	tree := services.Clone()
	m.emit(func() { cb.connectSuccess(id, tree) })
	m.mu.Unlock()

	slog.Info("[BLE] connected", "id", id, "services", len(services))
}

// failLocked ends a failed attempt: retries within the reconnect budget, or
// settles Idle with a terminal ConnectFail (caller must hold mu).
func (m *Manager) failLocked(c *connection, gen uint64, err error) {
	if !m.current(c, gen) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.link = nil
	c.services = nil
	c.ready = false

	if c.everUp {
		if c.retries < c.cfg.ReconnectAttempts && !errors.Is(err, ErrAdapterUnavailable) {
			slog.Warn("[BLE] reconnect attempt failed", "id", c.id, "attempt", c.retries, "error", err)
			m.scheduleReconnectLocked(c)
			return
		}
		err = fmt.Errorf("%w: gave up after %d reconnect attempts: %w", ErrLinkDropped, c.retries, err)
	}

	slog.Warn("[BLE] connect failed", "id", c.id, "error", err)
	c.gen++
	c.state = StateIdle
	c.pending = false
	id, cb := c.id, c.cb
	m.emit(func() { cb.connectFail(id, err) })
}

func (m *Manager) linkDropped(c *connection, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(c, gen) || c.state != StateConnected {
		return
	}
	if !c.ready {
		// Discovery is still running; let it fail and take the attempt path.
		c.dropped = true
		c.cancel()
		return
	}

	// Invalidate the catalog before anything else happens.
	c.services = nil
	c.ready = false
	c.link = nil
	id, cb := c.id, c.cb
	m.emit(func() { cb.disconnected(id, false, ErrLinkDropped) })

	if c.retries < c.cfg.ReconnectAttempts {
		slog.Warn("[BLE] link dropped, reconnecting", "id", id, "in", c.cfg.ReconnectInterval)
		m.scheduleReconnectLocked(c)
		return
	}
	slog.Warn("[BLE] link dropped", "id", id)
	c.gen++
	c.state = StateIdle
}

// scheduleReconnectLocked waits ReconnectInterval and then starts the next
// attempt. The connection reads as Connecting while it waits.
func (m *Manager) scheduleReconnectLocked(c *connection) {
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.timer = time.AfterFunc(c.cfg.ReconnectInterval, func() { m.reconnect(c, gen) })
}

func (m *Manager) reconnect(c *connection, gen uint64) {
	gateErr := m.gate.Require()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(c, gen) || c.state != StateConnecting {
		return
	}
	c.retries++
	if gateErr != nil {
		if !c.pending {
			c.pending = true
			id, cb := c.id, c.cb
			m.emit(func() { cb.startConnect(id) })
		}
		m.failLocked(c, gen, gateErr)
		return
	}
	slog.Info("[BLE] reconnect attempt", "id", c.id, "attempt", c.retries, "budget", c.cfg.ReconnectAttempts)
	m.beginAttemptLocked(c)
}

// Disconnect closes the connection to id and never reconnects. An
// outstanding connect attempt ends with ConnectFail(ErrConnectCanceled); an
// established connection reports Disconnected(byCaller=true). Calling it on
// an idle or unknown device does nothing.
func (m *Manager) Disconnect(id string) error {
	id = normalizeID(id)

	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || c.state == StateIdle || c.state == StateDisconnecting {
		m.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateDisconnecting
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	link := c.link
	c.link = nil
	c.services = nil
	c.ready = false
	wasPending, everUp := c.pending, c.everUp
	c.pending = false
	m.mu.Unlock()

	var err error
	if link != nil {
		if derr := link.Disconnect(); derr != nil {
			err = fmt.Errorf("ble: disconnect %s: %w", id, derr)
		}
	}

	m.mu.Lock()
	if c.gen == gen {
		c.state = StateIdle
	}
	cb := c.cb
	if wasPending {
		m.emit(func() { cb.connectFail(id, ErrConnectCanceled) })
	}
	if everUp {
		m.emit(func() { cb.disconnected(id, true, nil) })
	}
	m.mu.Unlock()

	slog.Info("[BLE] disconnected", "id", id)
	return err
}

// State returns the state of id; unknown devices are Idle.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[normalizeID(id)]; ok {
		return c.state
	}
	return StateIdle
}

// Info returns the bookkeeping of id.
func (m *Manager) Info(id string) (ConnInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[normalizeID(id)]
	if !ok {
		return ConnInfo{}, false
	}
	return ConnInfo{
		ID:       c.id,
		State:    c.state,
		Retries:  c.retries,
		Budget:   c.cfg.ReconnectAttempts,
		Deadline: c.deadline,
	}, true
}

// Services returns the service tree of id. It exists only while the
// connection is Connected and discovery has completed.
func (m *Manager) Services(id string) (ServiceTree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[normalizeID(id)]
	if !ok || c.state != StateConnected || !c.ready {
		return nil, false
	}
	return c.services.Clone(), true
}

// Close disconnects every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.state != StateIdle {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			slog.Warn("[BLE] disconnect on close failed", "id", id, "error", err)
		}
	}
}

func (cb ConnectCallbacks) startConnect(id string) {
	if cb.StartConnect != nil {
		cb.StartConnect(id)
	}
}

func (cb ConnectCallbacks) connectSuccess(id string, services ServiceTree) {
	if cb.ConnectSuccess != nil {
		cb.ConnectSuccess(id, services)
	}
}

func (cb ConnectCallbacks) connectFail(id string, err error) {
	if cb.ConnectFail != nil {
		cb.ConnectFail(id, err)
	}
}

func (cb ConnectCallbacks) disconnected(id string, byCaller bool, err error) {
	if cb.Disconnected != nil {
		cb.Disconnected(id, byCaller, err)
	}
}
