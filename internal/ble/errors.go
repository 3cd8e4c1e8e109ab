package ble

import (
	"errors"
	"fmt"
)

// Error kinds. Operations wrap these with context; test with errors.Is.
var (
	ErrAdapterUnavailable      = errors.New("ble: adapter unavailable")
	ErrUnsupported             = fmt.Errorf("%w: no bluetooth radio", ErrAdapterUnavailable)
	ErrPermissionDenied        = errors.New("ble: permission denied")
	ErrScanAlreadyActive       = errors.New("ble: scan already active")
	ErrConnectionAlreadyActive = errors.New("ble: connection already active")
	ErrTimeout                 = errors.New("ble: timeout")
	ErrDiscoveryTimeout        = errors.New("ble: service discovery timed out")
	ErrDiscoveryError          = errors.New("ble: service discovery failed")
	ErrLinkDropped             = errors.New("ble: link dropped")
	ErrConnectCanceled         = errors.New("ble: connect canceled by disconnect")
	ErrNoDevice                = errors.New("ble: no matching device found")
)
