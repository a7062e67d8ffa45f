//go:build !linux

package ble

// DefaultTransport is the platform BLE stack reached through tinygo.
const DefaultTransport = TransportTinyGo
