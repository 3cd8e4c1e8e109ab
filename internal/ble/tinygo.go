package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blescout/internal/adv"
	"github.com/chaz8081/blescout/internal/bluez"
)

// scanStartGrace is how long StartScan waits for tinygo to refuse a scan.
// tinygo's Scan blocks for the whole scan, so a start that survives this
// window is treated as accepted.
const scanStartGrace = 200 * time.Millisecond

// PowerControl reads and switches adapter power where the portable driver
// cannot. *bluez.Client implements it.
type PowerControl interface {
	Present() bool
	Powered() (bool, error)
	SetPowered(on bool) error
}

// FlagSource resolves characteristic property flags of a connected device.
// *bluez.Client implements it.
type FlagSource interface {
	CharacteristicFlags(mac string) (map[bluez.CharKey][]string, error)
}

// TinyGoOption configures a TinyGoRadio.
type TinyGoOption func(*TinyGoRadio)

// WithPowerControl routes power state queries and requests through p.
func WithPowerControl(p PowerControl) TinyGoOption {
	return func(r *TinyGoRadio) { r.power = p }
}

// WithFlagSource fills characteristic properties from f after discovery.
func WithFlagSource(f FlagSource) TinyGoOption {
	return func(r *TinyGoRadio) { r.flags = f }
}

// withEnableFunc replaces the driver enable call.
func withEnableFunc(fn func() error) TinyGoOption {
	return func(r *TinyGoRadio) { r.enableFn = fn }
}

// TinyGoRadio implements Radio on top of tinygo-org/bluetooth.
// On macOS device identifiers are CoreBluetooth UUIDs, not MAC addresses.
//
// The portable driver has no power query. Without a PowerControl a missing
// adapter and a powered-off one both read as PoweredOff, and PoweredOn is
// derived from the driver's enable outcome and the last scan start.
type TinyGoRadio struct {
	adapter  *bluetooth.Adapter
	power    PowerControl
	flags    FlagSource
	enableFn func() error

	// mu protects attempt, healthy and the links map.
	mu      sync.Mutex
	attempt *enableAttempt
	healthy bool                   // last scan start succeeded
	links   map[string]*tinygoLink // keyed by normalized device identifier
}

// enableAttempt is one call of the driver's Enable. err is set before done
// is closed.
type enableAttempt struct {
	done chan struct{}
	err  error
}

func (a *enableAttempt) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// NewTinyGoRadio creates a radio backed by the default system adapter.
func NewTinyGoRadio(opts ...TinyGoOption) *TinyGoRadio {
	r := &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinygoLink),
	}
	r.enableFn = r.enableAdapter
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Compile-time check that TinyGoRadio implements Radio.
var _ Radio = (*TinyGoRadio)(nil)

func (r *TinyGoRadio) enableAdapter() error {
	if err := r.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports drops through the adapter-level connect handler
	// (connected=false); route them to the matching link.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := normalizeID(device.Address.String())
		r.mu.Lock()
		link, ok := r.links[id]
		if ok {
			delete(r.links, id)
		}
		r.mu.Unlock()
		if ok {
			link.fireDisconnect()
		}
	})
	return nil
}

// enableAttemptLocked returns the current driver enable attempt, starting
// one in the background if needed. CoreBluetooth's Enable blocks for up to
// ten seconds and cannot be called twice, so a failed attempt is only
// retried when a PowerControl (BlueZ) backs the radio. Caller must hold mu.
func (r *TinyGoRadio) enableAttemptLocked() *enableAttempt {
	if a := r.attempt; a != nil {
		if !a.finished() || a.err == nil || r.power == nil {
			return a
		}
	}
	a := &enableAttempt{done: make(chan struct{})}
	r.attempt = a
	go func() {
		err := r.enableFn()
		r.mu.Lock()
		a.err = err
		if err == nil {
			r.healthy = true
		} else {
			slog.Debug("[BLE] enable adapter", "error", err)
		}
		r.mu.Unlock()
		close(a.done)
	}()
	return a
}

// enable waits for the driver enable attempt to finish.
func (r *TinyGoRadio) enable(ctx context.Context) error {
	r.mu.Lock()
	a := r.enableAttemptLocked()
	r.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.err != nil {
		return fmt.Errorf("ble: enable adapter: %w", a.err)
	}
	return nil
}

func (r *TinyGoRadio) setHealthy(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = ok
}

func (r *TinyGoRadio) Supported() bool {
	if r.power != nil {
		return r.power.Present()
	}
	return true
}

// PoweredOn never blocks. Without a PowerControl it starts the driver
// enable attempt and reads false until that succeeds.
func (r *TinyGoRadio) PoweredOn() bool {
	if r.power != nil {
		on, err := r.power.Powered()
		if err != nil {
			slog.Debug("[BLE] read power state", "error", err)
			return false
		}
		return on
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.enableAttemptLocked()
	return a.finished() && a.err == nil && r.healthy
}

// RequestEnable without a PowerControl cannot switch the radio; it starts
// the driver enable attempt and clears a refusal left by the last scan.
func (r *TinyGoRadio) RequestEnable() error {
	if r.power != nil {
		return r.power.SetPowered(true)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.enableAttemptLocked()
	if !a.finished() {
		return nil
	}
	if a.err != nil {
		return fmt.Errorf("ble: enable adapter: %w", a.err)
	}
	// The driver is up; let the next scan find out whether the radio is.
	r.healthy = true
	return nil
}

func (r *TinyGoRadio) StartScan(onAdv func(Advertisement)) error {
	if err := r.enable(context.Background()); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	var accepted atomic.Bool
	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			onAdv(toAdvertisement(result))
		})
		if accepted.Load() {
			if err != nil {
				slog.Warn("[BLE] scan ended with error", "error", err)
			}
			return
		}
		errCh <- err
	}()

	refused := func(err error) error {
		r.setHealthy(false)
		if err != nil {
			return err
		}
		return errors.New("ble: scan ended immediately")
	}
	select {
	case err := <-errCh:
		return refused(err)
	case <-time.After(scanStartGrace):
		accepted.Store(true)
		// Scan may have returned just before the flag was set.
		select {
		case err := <-errCh:
			return refused(err)
		default:
		}
		r.setHealthy(true)
		return nil
	}
}

func (r *TinyGoRadio) StopScan() error {
	return r.adapter.StopScan()
}

func (r *TinyGoRadio) Connect(ctx context.Context, id string, autoConnect bool) (Link, error) {
	if err := r.enable(ctx); err != nil {
		return nil, err
	}
	if autoConnect {
		slog.Debug("[BLE] autoConnect is not supported by this driver, connecting directly", "id", id)
	}

	var addr bluetooth.Address
	addr.Set(id)

	// tinygo's Connect blocks with its own timeout and cannot be canceled;
	// wrap it so ctx still bounds the wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.err == nil {
				_ = late.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		link := &tinygoLink{id: normalizeID(id), device: &result.device, flags: r.flags}

		r.mu.Lock()
		r.links[link.id] = link
		r.mu.Unlock()
		return link, nil
	}
}

type tinygoLink struct {
	id     string
	device *bluetooth.Device
	flags  FlagSource

	mu           sync.Mutex
	disconnectCb func()
	dropped      bool // went down before a callback was registered
}

func (l *tinygoLink) DiscoverServices(ctx context.Context) ([]ServiceNode, error) {
	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	var flags map[bluez.CharKey][]string
	if l.flags != nil {
		if flags, err = l.flags.CharacteristicFlags(l.id); err != nil {
			slog.Debug("[BLE] characteristic flags unavailable", "id", l.id, "error", err)
		}
	}

	out := make([]ServiceNode, 0, len(svcs))
	for i := range svcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := ServiceNode{UUID: toUUID(svcs[i].UUID())}
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", node.UUID, err)
		}
		for j := range chars {
			cu := toUUID(chars[j].UUID())
			key := bluez.CharKey{Service: node.UUID.String(), Characteristic: cu.String()}
			node.Characteristics = append(node.Characteristics, CharacteristicNode{
				UUID:  cu,
				Props: propsFromFlags(flags[key]),
			})
		}
		out = append(out, node)
	}
	return out, nil
}

func (l *tinygoLink) Disconnect() error {
	return l.device.Disconnect()
}

// OnDisconnect registers cb. A drop seen before registration fires cb
// right away.
func (l *tinygoLink) OnDisconnect(cb func()) {
	l.mu.Lock()
	l.disconnectCb = cb
	fire := l.dropped && cb != nil
	l.dropped = false
	l.mu.Unlock()
	if fire {
		cb()
	}
}

func (l *tinygoLink) fireDisconnect() {
	l.mu.Lock()
	cb := l.disconnectCb
	if cb == nil {
		l.dropped = true
	}
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func toAdvertisement(result bluetooth.ScanResult) Advertisement {
	var uuids []uuid.UUID
	for _, u := range result.AdvertisementPayload.ServiceUUIDs() {
		uuids = append(uuids, toUUID(u))
	}

	payload := result.AdvertisementPayload.Bytes()
	if len(payload) == 0 {
		// Linux and macOS hand out parsed fields only; rebuild the AD
		// structures so consumers always see a payload.
		b := new(adv.Builder).Name(result.LocalName()).ServiceUUIDs(uuids...)
		for _, md := range result.AdvertisementPayload.ManufacturerData() {
			b.ManufacturerData(md.CompanyID, md.Data)
		}
		payload = b.Bytes()
	}

	return Advertisement{
		Address:      result.Address.String(),
		LocalName:    result.LocalName(),
		ServiceUUIDs: uuids,
		Payload:      payload,
		RSSI:         int(result.RSSI),
	}
}

func toUUID(u bluetooth.UUID) uuid.UUID {
	id, err := uuid.Parse(u.String())
	if err != nil {
		return uuid.Nil
	}
	return id
}

// propsFromFlags maps BlueZ characteristic flag strings to properties.
func propsFromFlags(flags []string) Property {
	var p Property
	for _, f := range flags {
		switch f {
		case "read":
			p |= PropRead
		case "write", "write-without-response", "authenticated-signed-writes", "reliable-write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		}
	}
	return p
}
