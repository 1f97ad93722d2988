package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// Code is a stable status code reported with every operation result.
// Engine failures are negative; positive values come from the device.
type Code int

const (
	CodeSuccess      Code = 0
	CodeWifiScanFail Code = 11

	CodeInvalidNotification Code = -1000
	CodeCatchException      Code = -1001
	CodeWriteFailed         Code = -1002
	CodeInvalidData         Code = -1003
	CodeChecksum            Code = -1004
	CodeSequence            Code = -1005
	CodeAckTimeout          Code = -1006
	CodeAckMismatch         Code = -1007

	CodeNegPostFailed  Code = -2000
	CodeNegDevKey      Code = -2001
	CodeNegSecurity    Code = -2002
	CodeNegSetSecurity Code = -2003

	CodeConfInvalidOpMode Code = -3000
	CodeConfSetOpMode     Code = -3001
	CodeConfPostSta       Code = -3002
	CodeConfPostSoftAP    Code = -3003

	CodeWriteTimeout    Code = -4000
	CodeGattFailure     Code = -4001
	CodeResponseTimeout Code = -4002
)

var codeNames = map[Code]string{
	CodeSuccess:             "success",
	CodeWifiScanFail:        "wifi scan failed",
	CodeInvalidNotification: "invalid notification",
	CodeCatchException:      "internal error",
	CodeWriteFailed:         "write failed",
	CodeInvalidData:         "invalid data",
	CodeChecksum:            "checksum mismatch",
	CodeSequence:            "sequence error",
	CodeAckTimeout:          "ack timeout",
	CodeAckMismatch:         "ack mismatch",
	CodeNegPostFailed:       "negotiation post failed",
	CodeNegDevKey:           "invalid device key",
	CodeNegSecurity:         "key agreement failed",
	CodeNegSetSecurity:      "set security mode failed",
	CodeConfInvalidOpMode:   "invalid op mode",
	CodeConfSetOpMode:       "set op mode failed",
	CodeConfPostSta:         "post sta config failed",
	CodeConfPostSoftAP:      "post softap config failed",
	CodeWriteTimeout:        "write timeout",
	CodeGattFailure:         "gatt failure",
	CodeResponseTimeout:     "response timeout",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries a Code together with the underlying cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ble: %s (%d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("ble: %s (%d): %v", e.Code, int(e.Code), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrClosed is returned by operations submitted after Close.
var ErrClosed = errors.New("ble: client closed")

// CodeOf extracts the Code from err. nil maps to CodeSuccess and errors
// without a code to CodeCatchException.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeCatchException
}

// wrapCode reports err under a step-level code while keeping the cause chain.
func wrapCode(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// receiveCode classifies an inbound framing error.
func receiveCode(err error) Code {
	switch {
	case errors.Is(err, protocol.ErrChecksum):
		return CodeChecksum
	case errors.Is(err, protocol.ErrSequence):
		return CodeSequence
	default:
		return CodeInvalidNotification
	}
}
