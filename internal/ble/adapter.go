// Package ble implements the central-role protocol core: adapter gating,
// scan sessions, the per-device connection state machine with bounded
// reconnection, and GATT service discovery. Hardware access goes through
// the Radio interface.
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Advertisement is one raw advertising report from the radio.
type Advertisement struct {
	Address      string // MAC, or a CoreBluetooth UUID on macOS
	LocalName    string
	ServiceUUIDs []uuid.UUID
	Payload      []byte
	RSSI         int
}

// Link is an established GATT link to a peripheral.
type Link interface {
	// DiscoverServices enumerates every primary service and its
	// characteristics in the order the peripheral reports them.
	DiscoverServices(ctx context.Context) ([]ServiceNode, error)
	// Disconnect tears the link down.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops. A drop
	// that happened before registration invokes it immediately.
	OnDisconnect(callback func())
}

// Radio abstracts the platform BLE driver for testing.
type Radio interface {
	// Supported reports whether the host has a BLE radio at all.
	Supported() bool
	// PoweredOn reports whether the radio is currently enabled.
	PoweredOn() bool
	// RequestEnable asks the system to power the radio on. It may return
	// before the radio is actually on.
	RequestEnable() error
	// StartScan begins scanning and reports each advertisement to onAdv,
	// possibly from a driver goroutine. It returns once the radio accepted
	// or refused the request.
	StartScan(onAdv func(Advertisement)) error
	// StopScan ends the running scan.
	StopScan() error
	// Connect establishes a link to the device with the given identifier.
	Connect(ctx context.Context, id string, autoConnect bool) (Link, error)
}
