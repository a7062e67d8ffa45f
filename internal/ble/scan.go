package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScanForDevices lists the peripherals seen within timeout, strongest
// signal first. Each address is reported once with its latest name and RSSI.
// An empty name matches every device.
func ScanForDevices(ctx context.Context, adapter Adapter, services []string, name string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var devices []Device

	err := adapter.Scan(ctx, services, func(d Device) bool {
		if name != "" && d.Name != name {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[d.Address]; ok {
			if d.Name == "" {
				d.Name = devices[i].Name
			}
			devices[i] = d
			return false
		}
		seen[d.Address] = len(devices)
		devices = append(devices, d)
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}
