// Package ble provides the BLE central used to reach a RigDFU bootloader.
// Backends implement Adapter; the DFU engine only sees these interfaces.
package ble

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by NewAdapter.
const (
	TransportTinyGo = "tinygo"
	TransportHCI    = "hci"
)

// Characteristic represents a discovered BLE GATT characteristic.
type Characteristic interface {
	// UUID is the normalized 128-bit UUID of the characteristic.
	UUID() string
	// Write sends data, waiting for the peripheral's write response when
	// withResponse is set.
	Write(data []byte, withResponse bool) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// Services lists the requested service UUIDs found in the advertisement.
	Services []string
	// AdvertisedServices counts every service UUID in the advertisement,
	// requested or not.
	AdvertisedServices int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Discover resolves the given characteristics within the given
	// services. Services or characteristics that are absent are left out
	// of the result; only transport failures are errors. Keys are
	// normalized UUIDs.
	Discover(ctx context.Context, services, chars []string) (map[string]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until found returns true or
	// ctx is done. Cancellation is not an error. Device.Services is
	// filled from services.
	Scan(ctx context.Context, services []string, found func(Device) bool) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// NewAdapter returns the backend named by transport. An empty name selects
// DefaultTransport.
func NewAdapter(transport string) (Adapter, error) {
	if transport == "" {
		transport = DefaultTransport
	}
	switch transport {
	case TransportTinyGo:
		return NewTinyGoAdapter(), nil
	case TransportHCI:
		return NewHCIAdapter(), nil
	default:
		return nil, fmt.Errorf("ble: unknown transport %q", transport)
	}
}

// NormalizeUUID lowercases a UUID string so it can be used as a map key.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(uuid)
}

// SameAddress compares two device addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
