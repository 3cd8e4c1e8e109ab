package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func connectAndWait(t *testing.T, m *Manager, cfg ConnectConfig, rec *recorder) *Conn {
	t.Helper()
	conn, err := m.Connect(Sighting{ID: testDevice}, cfg, rec.connectCallbacks())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec.waitFor(t, "success", time.Second)
	return conn
}

func TestReconnectSucceeds(t *testing.T) {
	radio := newMockRadio()
	m, _ := newTestManager(t, radio)
	rec := newRecorder()

	cfg := fastConfig()
	cfg.ReconnectAttempts = 1
	connectAndWait(t, m, cfg, rec)

	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "disconnected:drop", time.Second)
	rec.waitFor(t, "success", time.Second)

	want := []string{"start", "success", "disconnected:drop", "start", "success"}
	if got := rec.snapshot(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if n := radio.connects(); n != 2 {
		t.Errorf("radio Connect calls = %d, want 2", n)
	}
	info, _ := m.Info(testDevice)
	if info.Retries != 1 {
		t.Errorf("Retries = %d, want 1", info.Retries)
	}
	if _, ok := m.Services(testDevice); !ok {
		t.Error("Services() unavailable after reconnect")
	}
}

// dialTimes records when each dial after the first one happens.
type dialTimes struct {
	mu    sync.Mutex
	times []time.Time
}

func (d *dialTimes) connect(fail bool) func(context.Context, string) (Link, error) {
	return func(_ context.Context, id string) (Link, error) {
		d.mu.Lock()
		d.times = append(d.times, time.Now())
		d.mu.Unlock()
		if fail {
			return failingConnect(context.Background(), id)
		}
		return newMockLink(heartRateTree()), nil
	}
}

func (d *dialTimes) snapshot() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func TestReconnectWaitsInterval(t *testing.T) {
	radio := newMockRadio()
	m, _ := newTestManager(t, radio)
	rec := newRecorder()

	const interval = 150 * time.Millisecond
	cfg := fastConfig()
	cfg.ReconnectAttempts = 1
	cfg.ReconnectInterval = interval
	connectAndWait(t, m, cfg, rec)

	var dials dialTimes
	radio.setConnectFn(dials.connect(false))
	dropped := time.Now()
	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "success", 2*time.Second)

	got := dials.snapshot()
	if len(got) != 1 {
		t.Fatalf("reconnect dials = %d, want 1", len(got))
	}
	if wait := got[0].Sub(dropped); wait < interval {
		t.Errorf("reconnect dialed %s after the drop, want at least %s", wait, interval)
	}
}

func TestReconnectWaitsIntervalBetweenFailures(t *testing.T) {
	radio := newMockRadio()
	m, _ := newTestManager(t, radio)
	rec := newRecorder()

	const interval = 100 * time.Millisecond
	cfg := fastConfig()
	cfg.ReconnectAttempts = 2
	cfg.ReconnectInterval = interval
	connectAndWait(t, m, cfg, rec)

	var dials dialTimes
	radio.setConnectFn(dials.connect(true))
	dropped := time.Now()
	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "fail", 2*time.Second)

	got := dials.snapshot()
	if len(got) != 2 {
		t.Fatalf("reconnect dials = %d, want 2", len(got))
	}
	if wait := got[0].Sub(dropped); wait < interval {
		t.Errorf("first reconnect dialed %s after the drop, want at least %s", wait, interval)
	}
	if gap := got[1].Sub(got[0]); gap < interval {
		t.Errorf("second reconnect dialed %s after the first, want at least %s", gap, interval)
	}
}

// Observers deciding whether a drop is final read the state from inside
// Disconnected.
func TestDisconnectedSeesSettledState(t *testing.T) {
	tests := []struct {
		name   string
		budget int
		want   State
	}{
		{"no budget", 0, StateIdle},
		{"budget left", 1, StateConnecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := newMockRadio()
			m, _ := newTestManager(t, radio)
			rec := newRecorder()

			seen := make(chan State, 1)
			cb := rec.connectCallbacks()
			drop := cb.Disconnected
			cb.Disconnected = func(id string, byCaller bool, err error) {
				seen <- m.State(id)
				drop(id, byCaller, err)
			}

			cfg := fastConfig()
			cfg.ReconnectAttempts = tt.budget
			cfg.ReconnectInterval = 500 * time.Millisecond
			if _, err := m.Connect(Sighting{ID: testDevice}, cfg, cb); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			rec.waitFor(t, "success", time.Second)

			radio.latestLink().SimulateDisconnect()
			select {
			case got := <-seen:
				if got != tt.want {
					t.Errorf("State() inside Disconnected = %s, want %s", got, tt.want)
				}
			case <-time.After(time.Second):
				t.Fatal("Disconnected never delivered")
			}
		})
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	radio := newMockRadio()
	m, disp := newTestManager(t, radio)
	rec := newRecorder()

	cfg := fastConfig()
	cfg.ReconnectAttempts = 2
	connectAndWait(t, m, cfg, rec)

	radio.setConnectFn(failingConnect)
	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "fail", 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	disp.Sync()

	want := []string{"start", "success", "disconnected:drop", "start", "fail"}
	if got := rec.snapshot(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if err := rec.lastErr(); !errors.Is(err, ErrLinkDropped) {
		t.Errorf("ConnectFail error = %v, want ErrLinkDropped", err)
	}
	// One initial connect plus the two budgeted reconnects.
	if n := radio.connects(); n != 3 {
		t.Errorf("radio Connect calls = %d, want 3", n)
	}
	if s := m.State(testDevice); s != StateIdle {
		t.Errorf("State() = %s, want Idle", s)
	}
}

// The budget counts attempts across the whole connection, not per drop.
func TestReconnectBudgetIsCumulative(t *testing.T) {
	radio := newMockRadio()
	m, disp := newTestManager(t, radio)
	rec := newRecorder()

	cfg := fastConfig()
	cfg.ReconnectAttempts = 2
	connectAndWait(t, m, cfg, rec)

	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "success", time.Second)
	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "success", time.Second)

	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "disconnected:drop", time.Second)
	waitState(t, m, testDevice, StateIdle)
	time.Sleep(50 * time.Millisecond)
	disp.Sync()

	if n := radio.connects(); n != 3 {
		t.Errorf("radio Connect calls = %d, want 3", n)
	}
	info, _ := m.Info(testDevice)
	if info.Retries > info.Budget {
		t.Errorf("Retries = %d exceeds budget %d", info.Retries, info.Budget)
	}
}

func TestDropWithoutBudget(t *testing.T) {
	radio := newMockRadio()
	m, disp := newTestManager(t, radio)
	rec := newRecorder()

	connectAndWait(t, m, fastConfig(), rec)
	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "disconnected:drop", time.Second)
	time.Sleep(30 * time.Millisecond)
	disp.Sync()

	if err := rec.lastErr(); !errors.Is(err, ErrLinkDropped) {
		t.Errorf("Disconnected error = %v, want ErrLinkDropped", err)
	}
	if n := radio.connects(); n != 1 {
		t.Errorf("radio Connect calls = %d, want 1", n)
	}
	if got := rec.snapshot(); len(got) != 3 {
		t.Errorf("events = %v, want [start success disconnected:drop]", got)
	}
	if s := m.State(testDevice); s != StateIdle {
		t.Errorf("State() = %s, want Idle", s)
	}
}

func TestDropInvalidatesCatalogFirst(t *testing.T) {
	radio := newMockRadio()
	m, _ := newTestManager(t, radio)
	rec := newRecorder()

	var stale atomic.Bool
	cb := rec.connectCallbacks()
	drop := cb.Disconnected
	cb.Disconnected = func(id string, byCaller bool, err error) {
		if _, ok := m.Services(id); ok {
			stale.Store(true)
		}
		drop(id, byCaller, err)
	}

	cfg := fastConfig()
	cfg.ReconnectAttempts = 1
	cfg.ReconnectInterval = 200 * time.Millisecond
	if _, err := m.Connect(Sighting{ID: testDevice}, cfg, cb); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec.waitFor(t, "success", time.Second)

	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "disconnected:drop", time.Second)
	if stale.Load() {
		t.Error("Services() still available when Disconnected was delivered")
	}
	if s := m.State(testDevice); s != StateConnecting {
		t.Errorf("State() during reconnect wait = %s, want Connecting", s)
	}
}

func TestDisconnectDuringReconnectWait(t *testing.T) {
	radio := newMockRadio()
	m, disp := newTestManager(t, radio)
	rec := newRecorder()

	cfg := fastConfig()
	cfg.ReconnectAttempts = 3
	cfg.ReconnectInterval = 100 * time.Millisecond
	conn := connectAndWait(t, m, cfg, rec)

	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "disconnected:drop", time.Second)
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	rec.waitFor(t, "disconnected:caller", time.Second)
	time.Sleep(150 * time.Millisecond)
	disp.Sync()

	if n := radio.connects(); n != 1 {
		t.Errorf("radio Connect calls = %d, want 1", n)
	}
	if n := rec.count("start"); n != 1 {
		t.Errorf("StartConnect delivered %d times, want 1", n)
	}
	if s := m.State(testDevice); s != StateIdle {
		t.Errorf("State() = %s, want Idle", s)
	}
}

func TestExplicitDisconnectNeverReconnects(t *testing.T) {
	radio := newMockRadio()
	m, disp := newTestManager(t, radio)
	rec := newRecorder()

	cfg := fastConfig()
	cfg.ReconnectAttempts = 5
	conn := connectAndWait(t, m, cfg, rec)
	link := radio.latestLink()

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	// A platform drop notification racing the explicit disconnect is ignored.
	link.SimulateDisconnect()
	time.Sleep(50 * time.Millisecond)
	disp.Sync()

	if n := radio.connects(); n != 1 {
		t.Errorf("radio Connect calls = %d, want 1", n)
	}
	if n := rec.count("disconnected:drop"); n != 0 {
		t.Errorf("drop reported %d times after explicit disconnect", n)
	}
}

func TestReconnectStopsWhenAdapterOff(t *testing.T) {
	radio := newMockRadio()
	m, _ := newTestManager(t, radio)
	rec := newRecorder()

	cfg := fastConfig()
	cfg.ReconnectAttempts = 3
	cfg.ReconnectInterval = 30 * time.Millisecond
	connectAndWait(t, m, cfg, rec)

	radio.setPowered(false)
	radio.latestLink().SimulateDisconnect()
	rec.waitFor(t, "fail", time.Second)

	err := rec.lastErr()
	if !errors.Is(err, ErrLinkDropped) || !errors.Is(err, ErrAdapterUnavailable) {
		t.Errorf("ConnectFail error = %v, want ErrLinkDropped wrapping ErrAdapterUnavailable", err)
	}
	if n := radio.connects(); n != 1 {
		t.Errorf("radio Connect calls = %d, want 1", n)
	}
	waitState(t, m, testDevice, StateIdle)
}

func TestDropDuringDiscovery(t *testing.T) {
	radio := newMockRadio()
	link := newMockLink(heartRateTree())
	wait := make(chan struct{})
	link.discoverWait = wait
	radio.setConnectFn(func(context.Context, string) (Link, error) { return link, nil })
	m, _ := newTestManager(t, radio)
	rec := newRecorder()

	if _, err := m.Connect(Sighting{ID: testDevice}, fastConfig(), rec.connectCallbacks()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, m, testDevice, StateConnected)
	// OnDisconnect is registered right after the state change.
	deadline := time.Now().Add(time.Second)
	for {
		link.mu.Lock()
		registered := link.disconnectCb != nil
		link.mu.Unlock()
		if registered || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	link.SimulateDisconnect()
	rec.waitFor(t, "fail", time.Second)

	if err := rec.lastErr(); !errors.Is(err, ErrLinkDropped) {
		t.Errorf("ConnectFail error = %v, want ErrLinkDropped", err)
	}
	if n := rec.count("success"); n != 0 {
		t.Error("ConnectSuccess delivered for a link that dropped during discovery")
	}
}
