package ble

import "github.com/chaz8081/goblufi/internal/ble/protocol"

// Event is delivered on Client.Events. Every submitted operation produces
// exactly one terminal event of its own type; device-initiated messages and
// framing errors produce events too.
type Event interface {
	event()
}

// Result is the status shared by all operation events.
type Result struct {
	Code Code
	Err  error
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Code == CodeSuccess }

func resultOf(err error) Result {
	return Result{Code: CodeOf(err), Err: err}
}

// NegotiateEvent ends NegotiateSecurity.
type NegotiateEvent struct{ Result }

// VersionEvent ends RequestDeviceVersion.
type VersionEvent struct {
	Result
	Version string
}

// StatusEvent ends RequestDeviceStatus.
type StatusEvent struct {
	Result
	Status *protocol.DeviceStatus
}

// WifiScanEvent ends RequestDeviceWifiScan.
type WifiScanEvent struct {
	Result
	Networks []protocol.WifiEntry
}

// ConfigureEvent ends Configure.
type ConfigureEvent struct {
	Result
	OpMode protocol.OpMode
}

// PostCustomDataEvent ends PostCustomData.
type PostCustomDataEvent struct {
	Result
	Data []byte
}

// CloseConnectionEvent ends RequestCloseConnection.
type CloseConnectionEvent struct{ Result }

// CustomDataEvent carries custom data pushed by the device.
type CustomDataEvent struct {
	Data []byte
}

// DeviceErrorEvent carries an error code reported by the device.
type DeviceErrorEvent struct {
	Code Code
}

// ErrorEvent reports an inbound framing failure (invalid packet, checksum,
// sequence). The message in progress was discarded.
type ErrorEvent struct{ Result }

func (NegotiateEvent) event()       {}
func (VersionEvent) event()         {}
func (StatusEvent) event()          {}
func (WifiScanEvent) event()        {}
func (ConfigureEvent) event()       {}
func (PostCustomDataEvent) event()  {}
func (CloseConnectionEvent) event() {}
func (CustomDataEvent) event()      {}
func (DeviceErrorEvent) event()     {}
func (ErrorEvent) event()           {}
