// Package ble provides the BluFi client for provisioning Wi-Fi on an ESP32
// over Bluetooth Low Energy. It handles framing, fragmentation, acknowledged
// delivery, DH security negotiation and the high-level provisioning operations.
package ble

import "context"

// BluFi GATT UUIDs
const (
	ServiceUUID    = "0000ffff-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000ff01-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000ff02-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic. It returns once the transport
	// has completed the write.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the negotiated MTU, or 0 if unknown.
	MTU() int
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
