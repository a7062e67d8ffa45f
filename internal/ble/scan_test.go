package ble

import (
	"context"
	"testing"
	"time"
)

func TestScanForDevices(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "RigDfu", Address: "AA:BB:CC:DD:EE:01", RSSI: -70},
		{Name: "Other", Address: "AA:BB:CC:DD:EE:02", RSSI: -40},
		{Name: "RigDfu", Address: "AA:BB:CC:DD:EE:03", RSSI: -50},
	})

	result, err := ScanForDevices(context.Background(), adapter, nil, "", 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d devices, want 3", len(result))
	}
	if result[0].Address != "AA:BB:CC:DD:EE:02" {
		t.Errorf("strongest device = %q, want AA:BB:CC:DD:EE:02", result[0].Address)
	}
}

func TestScanForDevicesByName(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "RigDfu", Address: "AA:BB:CC:DD:EE:01", RSSI: -70},
		{Name: "Other", Address: "AA:BB:CC:DD:EE:02", RSSI: -40},
	})

	result, err := ScanForDevices(context.Background(), adapter, nil, "RigDfu", time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 1 || result[0].Name != "RigDfu" {
		t.Fatalf("got %v, want only RigDfu", result)
	}
}

func TestScanForDevicesDeduplicates(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "RigDfu", Address: "AA:BB:CC:DD:EE:01", RSSI: -70},
		{Name: "", Address: "AA:BB:CC:DD:EE:01", RSSI: -60},
	})

	result, err := ScanForDevices(context.Background(), adapter, nil, "", time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d devices, want 1", len(result))
	}
	if result[0].RSSI != -60 || result[0].Name != "RigDfu" {
		t.Errorf("got %+v, want latest RSSI with remembered name", result[0])
	}
}

func TestScanForDevicesEmpty(t *testing.T) {
	adapter := newMockAdapter(nil)
	result, err := ScanForDevices(context.Background(), adapter, nil, "", time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("got %d devices, want 0", len(result))
	}
}
