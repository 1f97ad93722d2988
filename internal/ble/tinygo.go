package ble

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter drives the host controller through tinygo.org/x/bluetooth.
// Addresses are MAC strings on Linux and Windows and CoreBluetooth UUIDs on
// macOS; bluetooth.Address parses both.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	links map[string]*tinyGoConnection // by device address
}

// NewTinyGoAdapter uses the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoConnection),
	}
}

// Enable powers the controller and routes link loss to the matching connection.
func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.adapter.SetConnectHandler(a.onConnectChange)
	return nil
}

func (a *TinyGoAdapter) onConnectChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	if conn := a.untrack(device.Address.String()); conn != nil {
		conn.lost()
	}
}

func (a *TinyGoAdapter) track(address string, conn *tinyGoConnection) {
	a.mu.Lock()
	a.links[address] = conn
	a.mu.Unlock()
}

func (a *TinyGoAdapter) untrack(address string) *tinyGoConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn := a.links[address]
	delete(a.links, address)
	return conn
}

// Scan collects advertisers of serviceUUID until ctx ends.
func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service UUID: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found sightings
	stop := context.AfterFunc(ctx, func() { _ = a.adapter.StopScan() })
	defer stop()

	err = a.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		if res.HasServiceUUID(uuid) {
			found.add(res.Address.String(), res.LocalName(), int(res.RSSI))
		}
	})
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	return found.list(), nil
}

// sightings merges advertisement reports by address. An ESP32 usually puts
// its name in the scan response, so a later report may supply the name; the
// RSSI is always the latest seen.
type sightings struct {
	mu      sync.Mutex
	index   map[string]int
	devices []Device
}

func (s *sightings) add(address, name string, rssi int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[address]; ok {
		d := &s.devices[i]
		d.RSSI = rssi
		if d.Name == "" {
			d.Name = name
		}
		return
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	s.index[address] = len(s.devices)
	s.devices = append(s.devices, Device{Name: name, Address: address, RSSI: rssi})
	slog.Debug("[BLE] found device", "name", name, "address", address, "rssi", rssi)
}

func (s *sightings) list() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.devices)
}

type dialResult struct {
	device bluetooth.Device
	err    error
}

// Connect opens a GATT link to address. The tinygo connect call has its own
// timeout and cannot be interrupted; ctx bounds the wait, and a link that
// comes up after ctx ended is dropped.
func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	ch := make(chan dialResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- dialResult{device, err}
	}()

	var res dialResult
	select {
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.err == nil {
				_ = late.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		return nil, res.err
	}

	conn := &tinyGoConnection{
		device:   &res.device,
		services: make(map[bluetooth.UUID]*bluetooth.DeviceService),
	}
	a.track(res.device.Address.String(), conn)
	return conn, nil
}

var _ Adapter = (*TinyGoAdapter)(nil)

// tinyGoConnection is one GATT link. The BluFi write and notify
// characteristics live in the same service, which is discovered once.
type tinyGoConnection struct {
	device *bluetooth.Device

	mu       sync.Mutex
	services map[bluetooth.UUID]*bluetooth.DeviceService
	mtuChar  *bluetooth.DeviceCharacteristic
	onLost   func()
}

// service returns the cached service or discovers it. Callers hold mu.
func (c *tinyGoConnection) service(id bluetooth.UUID) (*bluetooth.DeviceService, error) {
	if svc, ok := c.services[id]; ok {
		return svc, nil
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", id)
	}
	svc := &svcs[0]
	c.services[id] = svc
	return svc, nil
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service UUID: %w", err)
	}
	charID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("parse characteristic UUID: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	svc, err := c.service(svcID)
	if err != nil {
		return nil, err
	}
	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", charUUID)
	}
	char := &chars[0]
	if c.mtuChar == nil {
		c.mtuChar = char
	}
	return tinyGoCharacteristic{char: char}, nil
}

// MTU reads the ATT MTU through the first discovered characteristic.
func (c *tinyGoConnection) MTU() int {
	c.mu.Lock()
	char := c.mtuChar
	c.mu.Unlock()
	if char == nil {
		return 0
	}
	mtu, err := char.GetMTU()
	if err != nil {
		slog.Debug("[BLE] mtu unavailable", "error", err)
		return 0
	}
	return int(mtu)
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.onLost = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) lost() {
	c.mu.Lock()
	cb := c.onLost
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// tinyGoCharacteristic sends each BluFi packet as a write command.
type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
