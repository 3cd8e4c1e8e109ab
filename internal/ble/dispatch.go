package ble

import (
	"log/slog"
	"sync"
)

// Dispatcher is the delivery context for consumer callbacks: a single
// goroutine running posted functions in FIFO order. Post never blocks, so
// components can post while holding their own locks and keep event order
// consistent with their state transitions.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewDispatcher starts a dispatcher. Call Close when done.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

// Post queues fn. It reports false if the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until everything posted before the call has run.
// It must not be called from a callback.
func (d *Dispatcher) Sync() {
	ch := make(chan struct{})
	if !d.Post(func() { close(ch) }) {
		<-d.done
		return
	}
	<-ch
}

// Close runs whatever is still queued, then stops the goroutine.
// It must not be called from a callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] callback panicked", "panic", r)
		}
	}()
	fn()
}
