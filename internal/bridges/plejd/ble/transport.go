package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
)

// readBufferSize fits every characteristic the bridge reads (challenge and ping).
const readBufferSize = 64

var (
	_ plejd.Transport      = (*Transport)(nil)
	_ plejd.Session        = (*session)(nil)
	_ characteristicWriter = bluetooth.DeviceCharacteristic{}
)

// ErrCharacteristicMissing is returned when the gateway does not expose one
// of the Plejd characteristics.
var ErrCharacteristicMissing = errors.New("ble: characteristic not found")

// Transport implements plejd.Transport on a tinygo bluetooth adapter.
//
// Thread Safety: Scan and Connect may be called concurrently, but the
// adapter supports only one scan at a time; a second Scan waits.
type Transport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	// Sessions by peripheral address, for link-loss notification.
	sessionsMu sync.Mutex
	sessions   map[string]*session
}

// New wraps adapter. A nil adapter selects bluetooth.DefaultAdapter.
// The adapter is enabled lazily on first use.
func New(adapter *bluetooth.Adapter) *Transport {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &Transport{
		adapter:  adapter,
		sessions: make(map[string]*session),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("enable bluetooth adapter: %w", err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnectionChange)
	})
	return t.enableErr
}

// onConnectionChange marks sessions dead when the stack reports a disconnect.
func (t *Transport) onConnectionChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	t.sessionsMu.Lock()
	s := t.sessions[device.Address.String()]
	t.sessionsMu.Unlock()
	if s != nil {
		s.connected.Store(false)
	}
}

// Scan listens for advertisements for timeout and returns one result per
// peripheral, merging repeated advertisements from the same address.
func (t *Transport) Scan(ctx context.Context, timeout time.Duration) ([]plejd.ScanResult, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	var (
		mu      sync.Mutex
		results = newScanSet()
	)

	stop := func() {
		//nolint:errcheck // StopScan fails only when no scan is running
		t.adapter.StopScan()
	}
	timer := time.AfterFunc(timeout, stop)
	defer timer.Stop()
	cancelStop := context.AfterFunc(ctx, stop)
	defer cancelStop()

	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := toAdvertisement(result.LocalName(), result.RSSI, result.ManufacturerData())
		mu.Lock()
		results.add(result.Address.String(), adv, peripheral{address: result.Address})
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return results.list(), nil
}

// Connect opens a GATT connection and resolves the Plejd characteristics.
func (t *Transport) Connect(ctx context.Context, p plejd.Peripheral) (plejd.Session, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	target, ok := p.(peripheral)
	if !ok {
		return nil, fmt.Errorf("connect: peripheral %s was not produced by this transport", p.Address())
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		device, err := t.adapter.Connect(target.address, bluetooth.ConnectionParams{})
		done <- result{device: device, err: err}
	}()

	var device bluetooth.Device
	select {
	case <-ctx.Done():
		// Release the link if the stack completes the connection later.
		go func() {
			if r := <-done; r.err == nil {
				//nolint:errcheck // Abandoned connection
				r.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s: %w", p.Address(), r.err)
		}
		device = r.device
	}

	chars, err := discoverCharacteristics(device)
	if err != nil {
		//nolint:errcheck // Already failing
		device.Disconnect()
		return nil, err
	}

	s := &session{
		transport: t,
		device:    device,
		address:   p.Address(),
		chars:     chars,
	}
	s.connected.Store(true)

	t.sessionsMu.Lock()
	t.sessions[s.address] = s
	t.sessionsMu.Unlock()

	return s, nil
}

func (t *Transport) forget(s *session) {
	t.sessionsMu.Lock()
	if t.sessions[s.address] == s {
		delete(t.sessions, s.address)
	}
	t.sessionsMu.Unlock()
}

// discoverCharacteristics finds the Plejd service and its four characteristics.
func discoverCharacteristics(device bluetooth.Device) (map[string]bluetooth.DeviceCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(plejd.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}

	wanted := []string{plejd.DataSendUUID, plejd.DataReceiveUUID, plejd.AuthUUID, plejd.PingUUID}
	uuids := make([]bluetooth.UUID, 0, len(wanted))
	for _, s := range wanted {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("parse characteristic uuid: %w", err)
		}
		uuids = append(uuids, u)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrCharacteristicMissing, plejd.ServiceUUID)
	}

	found, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	chars := make(map[string]bluetooth.DeviceCharacteristic, len(found))
	for _, c := range found {
		chars[normalizeUUID(c.UUID().String())] = c
	}
	for _, s := range wanted {
		if _, ok := chars[normalizeUUID(s)]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrCharacteristicMissing, s)
		}
	}
	return chars, nil
}

// peripheral implements plejd.Peripheral.
type peripheral struct {
	address bluetooth.Address
}

func (p peripheral) Address() string { return p.address.String() }

// session implements plejd.Session over one GATT connection.
type session struct {
	transport *Transport
	device    bluetooth.Device
	address   string
	chars     map[string]bluetooth.DeviceCharacteristic
	connected atomic.Bool

	closeOnce sync.Once
}

func (s *session) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	c, ok := s.chars[normalizeUUID(uuid)]
	if !ok {
		return c, fmt.Errorf("%w: %s", ErrCharacteristicMissing, uuid)
	}
	return c, nil
}

func (s *session) Read(ctx context.Context, uuid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, readBufferSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uuid, err)
	}
	return buf[:n], nil
}

func (s *session) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.characteristic(uuid)
	if err != nil {
		return err
	}
	return writeCharacteristic(ctx, c, uuid, data, withResponse)
}

func (s *session) Subscribe(uuid string, fn func([]byte)) error {
	c, err := s.characteristic(uuid)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(fn); err != nil {
		return fmt.Errorf("enable notifications on %s: %w", uuid, err)
	}
	return nil
}

func (s *session) Unsubscribe(uuid string) error {
	c, err := s.characteristic(uuid)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications on %s: %w", uuid, err)
	}
	return nil
}

func (s *session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.transport.forget(s)
		err = s.device.Disconnect()
	})
	return err
}

func (s *session) IsConnected() bool {
	return s.connected.Load()
}

// characteristicWriter is the write side of bluetooth.DeviceCharacteristic.
type characteristicWriter interface {
	WriteWithoutResponse(p []byte) (n int, err error)
}

// writeCharacteristic writes data to one characteristic.
//
// The stack has a single write call. On BlueZ it is a blocking WriteValue
// without a type option, which goes out as a write request when the
// characteristic supports one and returns once the peripheral answered.
// Acknowledged writes wait for that call, bounded by ctx, and must be
// complete. Unacknowledged writes return whatever the stack reports.
func writeCharacteristic(ctx context.Context, c characteristicWriter, uuid string, data []byte, withResponse bool) error {
	if !withResponse {
		_, err := c.WriteWithoutResponse(data)
		return mapWriteError(uuid, err)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := c.WriteWithoutResponse(data)
		done <- result{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("write %s: awaiting response: %w", uuid, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return mapWriteError(uuid, r.err)
		}
		if r.n != len(data) {
			return fmt.Errorf("write %s: short write (%d of %d bytes)", uuid, r.n, len(data))
		}
		return nil
	}
}

// mapWriteError wraps the stack's "operation in progress" rejection as
// plejd.ErrTransientBusy so the dispatcher retries instead of reconnecting.
func mapWriteError(uuid string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "In Progress") {
		return fmt.Errorf("%w: write %s: %w", plejd.ErrTransientBusy, uuid, err)
	}
	return fmt.Errorf("write %s: %w", uuid, err)
}

func normalizeUUID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
