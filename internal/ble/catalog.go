package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Property is the set of GATT characteristic capabilities.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropNotify
	PropIndicate
)

func (p Property) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Property
		name string
	}{{PropRead, "read"}, {PropWrite, "write"}, {PropNotify, "notify"}, {PropIndicate, "indicate"}} {
		if p&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// CharacteristicNode is one discovered characteristic.
type CharacteristicNode struct {
	UUID  uuid.UUID
	Props Property
}

// ServiceNode is one discovered primary service and its characteristics,
// in link-layer order.
type ServiceNode struct {
	UUID            uuid.UUID
	Characteristics []CharacteristicNode
}

// ServiceTree is the GATT tree of one connection. It is a snapshot:
// reconnecting produces a new tree rather than updating an old one.
type ServiceTree []ServiceNode

// Find returns the service with the given UUID.
func (t ServiceTree) Find(id uuid.UUID) (ServiceNode, bool) {
	for _, s := range t {
		if s.UUID == id {
			return s, true
		}
	}
	return ServiceNode{}, false
}

// Clone deep-copies the tree.
func (t ServiceTree) Clone() ServiceTree {
	if t == nil {
		return nil
	}
	out := make(ServiceTree, len(t))
	for i, s := range t {
		out[i] = ServiceNode{
			UUID:            s.UUID,
			Characteristics: append([]CharacteristicNode(nil), s.Characteristics...),
		}
	}
	return out
}

// Discover enumerates the services of a live link. It fails with
// ErrDiscoveryTimeout if the link does not answer within timeout, and with
// ErrDiscoveryError if the link reports an error.
func Discover(ctx context.Context, link Link, timeout time.Duration) (ServiceTree, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		services []ServiceNode
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		services, err := link.DiscoverServices(ctx)
		ch <- result{services, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrDiscoveryTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryError, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrDiscoveryTimeout, timeout)
			}
			return nil, fmt.Errorf("%w: %w", ErrDiscoveryError, r.err)
		}
		return ServiceTree(r.services).Clone(), nil
	}
}
