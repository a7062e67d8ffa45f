//go:build linux

package ble

// DefaultTransport is the HCI host stack on Linux: it is the only backend
// there that waits for write responses.
const DefaultTransport = TransportHCI
