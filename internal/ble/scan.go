package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ScanOptions configures one scan session.
type ScanOptions struct {
	Filter ScanFilter
	// Timeout stops the session automatically. Zero runs until Stop.
	Timeout time.Duration
	// UniqueDevices reports only the first sighting of each device through
	// the Sighting callback. LeScan still sees every advertisement.
	UniqueDevices bool
}

// ScanCallbacks receives scan events. Nil fields are skipped. All of them
// except LeScan run on the dispatcher goroutine.
type ScanCallbacks struct {
	// Started reports whether the radio accepted the scan.
	Started func(ok bool)
	// LeScan receives every matching advertisement directly on the radio
	// goroutine. It must not block.
	LeScan func(s Sighting)
	// Sighting receives matching advertisements in arrival order.
	Sighting func(s Sighting)
	// Finished receives every sighting delivered in the session.
	Finished func(all []Sighting)
}

// Scanner runs scan sessions on one radio. The radio has a single scan
// context, so at most one session is active at a time.
type Scanner struct {
	gate  *Gate
	radio Radio
	disp  *Dispatcher

	mu     sync.Mutex
	active *ScanSession
}

// NewScanner creates a Scanner.
func NewScanner(gate *Gate, radio Radio, disp *Dispatcher) *Scanner {
	return &Scanner{gate: gate, radio: radio, disp: disp}
}

// Active returns the running session, or nil.
func (sc *Scanner) Active() *ScanSession {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.active
}

// Start begins a scan session. The radio is started in the background; the
// outcome arrives through cb.Started. Start fails immediately if the adapter
// is off, permission is missing, or another session is active.
func (sc *Scanner) Start(opts ScanOptions, cb ScanCallbacks) (*ScanSession, error) {
	reject := func(err error) (*ScanSession, error) {
		sc.disp.Post(func() { cb.started(false) })
		return nil, err
	}
	if err := sc.gate.Require(); err != nil {
		return reject(fmt.Errorf("ble: start scan: %w", err))
	}
	if err := sc.gate.Authorize(); err != nil {
		return reject(fmt.Errorf("ble: start scan: %w", err))
	}

	sc.mu.Lock()
	if sc.active != nil {
		sc.mu.Unlock()
		return reject(ErrScanAlreadyActive)
	}
	s := &ScanSession{
		sc:   sc,
		opts: opts,
		cb:   cb,
		seen: make(map[string]struct{}),
		done: make(chan struct{}),
	}
	sc.active = s
	sc.mu.Unlock()

	go s.run()
	return s, nil
}

// ScanSession is one running scan.
type ScanSession struct {
	sc   *Scanner
	opts ScanOptions
	cb   ScanCallbacks
	done chan struct{}

	// guarded by sc.mu
	started  bool
	stopping bool
	finished bool
	err      error
	pending  []Sighting // matched before the radio confirmed the start
	results  []Sighting
	seen     map[string]struct{}
	timer    *time.Timer
}

func (s *ScanSession) run() {
	err := s.sc.radio.StartScan(s.onAdvertisement)

	s.sc.mu.Lock()
	if err != nil {
		slog.Warn("[BLE] scan refused by radio", "error", err)
		s.finished = true
		s.err = fmt.Errorf("ble: start scan: %w", err)
		s.pending = nil
		if s.sc.active == s {
			s.sc.active = nil
		}
		s.sc.disp.Post(func() {
			s.cb.started(false)
			close(s.done)
		})
		s.sc.mu.Unlock()
		return
	}

	s.started = true
	s.sc.disp.Post(func() { s.cb.started(true) })
	for _, sg := range s.pending {
		s.deliverLocked(sg)
	}
	s.pending = nil
	stop := s.stopping
	if !stop && s.opts.Timeout > 0 {
		s.timer = time.AfterFunc(s.opts.Timeout, s.finish)
	}
	s.sc.mu.Unlock()

	slog.Debug("[BLE] scan started", "timeout", s.opts.Timeout)
	if stop {
		s.finish()
	}
}

// onAdvertisement runs on the radio goroutine.
func (s *ScanSession) onAdvertisement(a Advertisement) {
	sg := newSighting(a, time.Now())
	if !s.opts.Filter.Matches(sg) {
		return
	}

	s.sc.mu.Lock()
	if s.finished {
		s.sc.mu.Unlock()
		return
	}
	if !s.started {
		s.pending = append(s.pending, sg)
	} else {
		s.deliverLocked(sg)
	}
	s.sc.mu.Unlock()

	if s.cb.LeScan != nil {
		s.cb.LeScan(sg)
	}
}

// deliverLocked records and posts a sighting (caller must hold sc.mu).
func (s *ScanSession) deliverLocked(sg Sighting) {
	if s.opts.UniqueDevices {
		if _, ok := s.seen[sg.ID]; ok {
			return
		}
		s.seen[sg.ID] = struct{}{}
	}
	s.results = append(s.results, sg)
	s.sc.disp.Post(func() { s.cb.sighting(sg) })
}

// Stop ends the session and emits Finished. It is safe to call more than
// once and while the radio start is still in flight.
func (s *ScanSession) Stop() {
	s.sc.mu.Lock()
	if s.finished {
		s.sc.mu.Unlock()
		return
	}
	if !s.started {
		s.stopping = true
		s.sc.mu.Unlock()
		return
	}
	s.sc.mu.Unlock()
	s.finish()
}

func (s *ScanSession) finish() {
	s.sc.mu.Lock()
	if s.finished {
		s.sc.mu.Unlock()
		return
	}
	s.finished = true
	if s.timer != nil {
		s.timer.Stop()
	}
	all := append([]Sighting(nil), s.results...)
	s.sc.mu.Unlock()

	if err := s.sc.radio.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}

	s.sc.mu.Lock()
	if s.sc.active == s {
		s.sc.active = nil
	}
	s.sc.disp.Post(func() {
		s.cb.finished(all)
		close(s.done)
	})
	s.sc.mu.Unlock()
	slog.Debug("[BLE] scan finished", "sightings", len(all))
}

// Done is closed after the session's terminal event has been delivered.
func (s *ScanSession) Done() <-chan struct{} {
	return s.done
}

// Err returns the radio's refusal to start, if any.
func (s *ScanSession) Err() error {
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	return s.err
}

// Results returns a copy of the sightings delivered so far.
func (s *ScanSession) Results() []Sighting {
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	return append([]Sighting(nil), s.results...)
}

func (cb ScanCallbacks) started(ok bool) {
	if cb.Started != nil {
		cb.Started(ok)
	}
}

func (cb ScanCallbacks) sighting(s Sighting) {
	if cb.Sighting != nil {
		cb.Sighting(s)
	}
}

func (cb ScanCallbacks) finished(all []Sighting) {
	if cb.Finished != nil {
		cb.Finished(all)
	}
}
