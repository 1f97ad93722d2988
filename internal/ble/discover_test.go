package ble

import (
	"errors"
	"testing"
	"time"
)

func TestScanForDevices(t *testing.T) {
	devices := []Device{
		{Name: "BLUFI_FAR", Address: "11:22:33:44:55:66", RSSI: -80},
		{Name: "BLUFI_NEAR", Address: "AA:BB:CC:DD:EE:FF", RSSI: -45},
	}
	adapter := newMockAdapter(devices)

	result, err := ScanForDevices(adapter, 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d devices, want 2", len(result))
	}
	if result[0].Name != "BLUFI_NEAR" {
		t.Errorf("first device = %q, want the strongest signal", result[0].Name)
	}
	if result[0].Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address = %q, want %q", result[0].Address, "AA:BB:CC:DD:EE:FF")
	}
}

func TestScanForDevicesEmpty(t *testing.T) {
	adapter := newMockAdapter(nil)
	result, err := ScanForDevices(adapter, 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("got %d devices, want 0", len(result))
	}
}

func TestScanForDevicesEnableError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("no controller")
	if _, err := ScanForDevices(adapter, time.Second); err == nil {
		t.Fatal("ScanForDevices() succeeded without an adapter")
	}
}

func TestSightingsMergeReports(t *testing.T) {
	var s sightings
	s.add("AA:BB:CC:DD:EE:FF", "", -70)
	s.add("11:22:33:44:55:66", "BLUFI_OTHER", -60)
	s.add("AA:BB:CC:DD:EE:FF", "BLUFI_DEVICE", -50)
	s.add("AA:BB:CC:DD:EE:FF", "", -55)

	got := s.list()
	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(got), got)
	}
	want := Device{Name: "BLUFI_DEVICE", Address: "AA:BB:CC:DD:EE:FF", RSSI: -55}
	if got[0] != want {
		t.Errorf("merged device = %+v, want %+v", got[0], want)
	}
	if got[1].Name != "BLUFI_OTHER" {
		t.Errorf("second device = %+v", got[1])
	}
}

func TestSightingsEmpty(t *testing.T) {
	var s sightings
	if got := s.list(); len(got) != 0 {
		t.Errorf("list() = %+v, want none", got)
	}
}
