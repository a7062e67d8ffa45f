//go:build !linux

package ble

import (
	"context"
	"errors"
)

var errHCIUnsupported = errors.New("ble: the hci transport is only available on linux")

// HCIAdapter is unavailable on this platform; every call fails.
type HCIAdapter struct{}

// NewHCIAdapter returns an adapter whose methods report that raw HCI
// access is unsupported here.
func NewHCIAdapter() *HCIAdapter {
	return &HCIAdapter{}
}

func (a *HCIAdapter) Enable() error { return errHCIUnsupported }

func (a *HCIAdapter) Scan(context.Context, []string, func(Device) bool) error {
	return errHCIUnsupported
}

func (a *HCIAdapter) Connect(context.Context, string) (Connection, error) {
	return nil, errHCIUnsupported
}

var _ Adapter = (*HCIAdapter)(nil)
