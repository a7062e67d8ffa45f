package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS, WinRT on Windows). On Linux every write goes out without
// response; see tinygo_write_linux.go.
// On macOS, device addresses are CoreBluetooth UUIDs (not MAC addresses).
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by lowercased address
}

// NewTinyGoAdapter creates a new BLE adapter on the default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only disconnect signal tinygo gives us.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToLower(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, services []string, found func(Device) bool) error {
	uuids := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		uuids = append(uuids, uuid)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	var once sync.Once
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		dev := Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),

			AdvertisedServices: len(result.ServiceUUIDs()),
		}
		for i, uuid := range uuids {
			if result.HasServiceUUID(uuid) {
				dev.Services = append(dev.Services, NormalizeUUID(services[i]))
			}
		}
		if found(dev) {
			once.Do(func() { adapter.StopScan() })
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[strings.ToLower(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Discover(ctx context.Context, services, chars []string) (map[string]Characteristic, error) {
	wanted := make(map[string]bool, len(chars))
	for _, ch := range chars {
		wanted[NormalizeUUID(ch)] = true
	}

	type discoverResult struct {
		chars map[string]Characteristic
		err   error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		found := make(map[string]Characteristic)
		// One service per call: some platforms fail the whole request
		// when any of the listed services is missing.
		for _, s := range services {
			uuid, err := bluetooth.ParseUUID(s)
			if err != nil {
				ch <- discoverResult{err: fmt.Errorf("ble: parse service UUID: %w", err)}
				return
			}
			svcs, err := c.device.DiscoverServices([]bluetooth.UUID{uuid})
			if err != nil || len(svcs) == 0 {
				log.Debugf("ble: service %s not present: %v", s, err)
				continue
			}
			dchars, err := svcs[0].DiscoverCharacteristics(nil)
			if err != nil {
				ch <- discoverResult{err: fmt.Errorf("ble: discover characteristics of %s: %w", s, err)}
				return
			}
			for i := range dchars {
				id := NormalizeUUID(dchars[i].UUID().String())
				if wanted[id] {
					found[id] = &tinyGoCharacteristic{char: &dchars[i], uuid: id}
				}
			}
		}
		ch <- discoverResult{chars: found}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover: %w", ctx.Err())
	case res := <-ch:
		return res.chars, res.err
	}
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
	uuid string
}

func (c *tinyGoCharacteristic) UUID() string { return c.uuid }

func (c *tinyGoCharacteristic) Write(data []byte, withResponse bool) error {
	return c.write(data, withResponse)
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
