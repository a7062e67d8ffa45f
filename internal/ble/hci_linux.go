//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gble "github.com/JuulLabs-OSS/ble"
	"github.com/JuulLabs-OSS/ble/linux"
	log "github.com/sirupsen/logrus"
)

// HCIAdapter drives a Linux HCI controller directly through the
// JuulLabs-OSS/ble host stack, bypassing BlueZ. It needs CAP_NET_ADMIN.
type HCIAdapter struct {
	mu  sync.Mutex
	dev gble.Device
}

// NewHCIAdapter returns an adapter for the default HCI device. The device
// is opened by Enable.
func NewHCIAdapter() *HCIAdapter {
	return &HCIAdapter{}
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	dev, err := linux.NewDevice()
	if err != nil {
		return fmt.Errorf("ble: open hci device: %w", err)
	}
	gble.SetDefaultDevice(dev)
	a.dev = dev
	return nil
}

func (a *HCIAdapter) Scan(ctx context.Context, services []string, found func(Device) bool) error {
	uuids, err := parseHCIUUIDs(services)
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	handler := func(adv gble.Advertisement) {
		dev := Device{
			Name:    adv.LocalName(),
			Address: adv.Addr().String(),
			RSSI:    adv.RSSI(),

			AdvertisedServices: len(adv.Services()),
		}
		for i, uuid := range uuids {
			for _, s := range adv.Services() {
				if uuid.Equal(s) {
					dev.Services = append(dev.Services, NormalizeUUID(services[i]))
					break
				}
			}
		}
		if found(dev) {
			once.Do(cancel)
		}
	}

	err = gble.Scan(scanCtx, false, handler, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	cln, err := gble.Dial(ctx, gble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	conn := &hciConnection{cln: cln, closed: make(chan struct{})}
	go conn.watch()
	return conn, nil
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	cln gble.Client

	mu           sync.Mutex
	disconnectCb func()
	closed       chan struct{}
	closeOnce    sync.Once
}

func (c *hciConnection) watch() {
	select {
	case <-c.cln.Disconnected():
	case <-c.closed:
		return
	}
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *hciConnection) Discover(ctx context.Context, services, chars []string) (map[string]Characteristic, error) {
	svcUUIDs, err := parseHCIUUIDs(services)
	if err != nil {
		return nil, err
	}
	charUUIDs, err := parseHCIUUIDs(chars)
	if err != nil {
		return nil, err
	}

	type discoverResult struct {
		chars map[string]Characteristic
		err   error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		svcs, err := c.cln.DiscoverServices(svcUUIDs)
		if err != nil {
			ch <- discoverResult{err: fmt.Errorf("ble: discover services: %w", err)}
			return
		}
		found := make(map[string]Characteristic)
		for _, svc := range svcs {
			dchars, err := c.cln.DiscoverCharacteristics(nil, svc)
			if err != nil {
				ch <- discoverResult{err: fmt.Errorf("ble: discover characteristics: %w", err)}
				return
			}
			for _, dc := range dchars {
				for i, want := range charUUIDs {
					if !want.Equal(dc.UUID) {
						continue
					}
					// Descriptors carry the CCCD needed by Subscribe.
					if _, err := c.cln.DiscoverDescriptors(nil, dc); err != nil {
						log.Debugf("ble: descriptors of %s: %v", chars[i], err)
					}
					id := NormalizeUUID(chars[i])
					found[id] = &hciCharacteristic{cln: c.cln, char: dc, uuid: id}
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

func (c *hciConnection) Disconnect() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.cln.CancelConnection()
}

func (c *hciConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

type hciCharacteristic struct {
	cln  gble.Client
	char *gble.Characteristic
	uuid string
}

func (c *hciCharacteristic) UUID() string { return c.uuid }

func (c *hciCharacteristic) Write(data []byte, withResponse bool) error {
	return c.cln.WriteCharacteristic(c.char, data, !withResponse)
}

func (c *hciCharacteristic) Read() ([]byte, error) {
	return c.cln.ReadCharacteristic(c.char)
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	return c.cln.Subscribe(c.char, false, func(req []byte) {
		cb(req)
	})
}

func parseHCIUUIDs(ss []string) ([]gble.UUID, error) {
	uuids := make([]gble.UUID, 0, len(ss))
	for _, s := range ss {
		u, err := gble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}
	return uuids, nil
}
