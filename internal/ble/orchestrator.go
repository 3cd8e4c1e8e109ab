package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Orchestrator composes the gate, scanner and connection manager around one
// radio, with a shared dispatcher as the delivery context.
type Orchestrator struct {
	Gate    *Gate
	Scanner *Scanner
	Conns   *Manager

	disp *Dispatcher
}

// New wires the components for radio. Call Close when done.
func New(radio Radio, auth Authorizer) *Orchestrator {
	disp := NewDispatcher()
	gate := NewGate(radio, auth)
	return &Orchestrator{
		Gate:    gate,
		Scanner: NewScanner(gate, radio, disp),
		Conns:   NewManager(gate, radio, disp),
		disp:    disp,
	}
}

// Dispatcher returns the delivery context shared by all components.
func (o *Orchestrator) Dispatcher() *Dispatcher { return o.disp }

// Close stops any running scan, disconnects everything and drains pending
// events.
func (o *Orchestrator) Close() {
	if s := o.Scanner.Active(); s != nil {
		s.Stop()
	}
	o.Conns.Close()
	o.disp.Close()
}

// ExploreOptions configures Explore.
type ExploreOptions struct {
	Scan    ScanOptions
	Connect ConnectConfig
	// Select picks the device to connect to. Nil takes the first sighting.
	Select func(Sighting) bool

	// Observers for every event of the run.
	ScanCallbacks    ScanCallbacks
	ConnectCallbacks ConnectCallbacks
}

// Exploration is the outcome of a successful Explore.
type Exploration struct {
	Device   Sighting
	Services ServiceTree
	Conn     *Conn
}

// Explore scans for a device, connects to the first one Select accepts and
// returns its service tree. The connection stays open; close it through
// Exploration.Conn. Explore blocks and must not be called from a callback.
func (o *Orchestrator) Explore(ctx context.Context, opts ExploreOptions) (*Exploration, error) {
	if err := o.Gate.Require(); err != nil {
		return nil, err
	}

	dev, err := o.pick(ctx, opts)
	if err != nil {
		return nil, err
	}
	slog.Info("[BLE] selected device", "device", dev.String())

	type outcome struct {
		services ServiceTree
		err      error
	}
	done := make(chan outcome, 1)
	user := opts.ConnectCallbacks
	var once sync.Once
	cb := ConnectCallbacks{
		StartConnect: user.StartConnect,
		ConnectSuccess: func(id string, services ServiceTree) {
			user.connectSuccess(id, services)
			once.Do(func() { done <- outcome{services: services} })
		},
		ConnectFail: func(id string, err error) {
			user.connectFail(id, err)
			once.Do(func() { done <- outcome{err: err} })
		},
		Disconnected: user.Disconnected,
	}

	conn, err := o.Conns.Connect(dev, opts.Connect, cb)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		_ = conn.Disconnect()
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return &Exploration{Device: dev, Services: out.services, Conn: conn}, nil
	}
}

// pick runs a scan until a sighting passes opts.Select, and returns it once
// the scan has fully stopped.
func (o *Orchestrator) pick(ctx context.Context, opts ExploreOptions) (Sighting, error) {
	sel := opts.Select
	if sel == nil {
		sel = func(Sighting) bool { return true }
	}

	picked := make(chan Sighting, 1)
	var once sync.Once
	var (
		sessMu sync.Mutex
		sess   *ScanSession
		chosen bool
	)
	user := opts.ScanCallbacks
	cb := ScanCallbacks{
		Started: user.Started,
		LeScan:  user.LeScan,
		Sighting: func(s Sighting) {
			user.sighting(s)
			if !sel(s) {
				return
			}
			once.Do(func() {
				picked <- s
				sessMu.Lock()
				chosen = true
				if sess != nil {
					sess.Stop()
				}
				sessMu.Unlock()
			})
		},
		Finished: user.Finished,
	}

	s, err := o.Scanner.Start(opts.Scan, cb)
	if err != nil {
		return Sighting{}, err
	}
	sessMu.Lock()
	sess = s
	stopNow := chosen
	sessMu.Unlock()
	if stopNow {
		s.Stop()
	}

	select {
	case <-ctx.Done():
		s.Stop()
		return Sighting{}, ctx.Err()
	case <-s.Done():
	}

	select {
	case dev := <-picked:
		return dev, nil
	default:
	}
	if err := s.Err(); err != nil {
		return Sighting{}, err
	}
	return Sighting{}, fmt.Errorf("%w after %d sightings", ErrNoDevice, len(s.Results()))
}
