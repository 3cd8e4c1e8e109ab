package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AdapterState is the radio capability and power state.
type AdapterState int

const (
	StateUnsupported AdapterState = iota
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateUnsupported:
		return "Unsupported"
	case StatePoweredOff:
		return "PoweredOff"
	case StatePoweredOn:
		return "PoweredOn"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}

// Authorizer reports whether the host granted the permissions scanning
// needs. Obtaining them is the caller's business.
type Authorizer interface {
	Authorized() bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func() bool

func (f AuthorizerFunc) Authorized() bool { return f() }

// Granted returns an Authorizer that always grants.
func Granted() Authorizer {
	return AuthorizerFunc(func() bool { return true })
}

// Gate checks radio capability and power state before any other
// component touches the radio.
type Gate struct {
	radio Radio
	auth  Authorizer
}

// NewGate creates a Gate. A nil auth grants everything.
func NewGate(radio Radio, auth Authorizer) *Gate {
	if auth == nil {
		auth = Granted()
	}
	return &Gate{radio: radio, auth: auth}
}

// State returns the current adapter state.
func (g *Gate) State() AdapterState {
	if !g.radio.Supported() {
		return StateUnsupported
	}
	if !g.radio.PoweredOn() {
		return StatePoweredOff
	}
	return StatePoweredOn
}

// RequestPowerOn triggers the system enable flow. The radio may still be
// off when it returns; poll State or use WaitPoweredOn.
func (g *Gate) RequestPowerOn() error {
	if !g.radio.Supported() {
		return ErrUnsupported
	}
	if g.radio.PoweredOn() {
		return nil
	}
	slog.Info("[BLE] requesting adapter power on")
	if err := g.radio.RequestEnable(); err != nil {
		return fmt.Errorf("ble: request power on: %w", err)
	}
	return nil
}

// WaitPoweredOn polls until the adapter is powered on or ctx ends.
func (g *Gate) WaitPoweredOn(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		switch g.State() {
		case StatePoweredOn:
			return nil
		case StateUnsupported:
			return ErrUnsupported
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAdapterUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Require fails with ErrAdapterUnavailable unless the adapter is powered on.
func (g *Gate) Require() error {
	if s := g.State(); s != StatePoweredOn {
		return fmt.Errorf("%w: adapter is %s", ErrAdapterUnavailable, s)
	}
	return nil
}

// Authorize fails with ErrPermissionDenied if the Authorizer refuses.
func (g *Gate) Authorize() error {
	if !g.auth.Authorized() {
		return ErrPermissionDenied
	}
	return nil
}
