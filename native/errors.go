package native

import (
	"errors"
	"fmt"
)

// Code is a native result code.
type Code int32

// Native result codes.
const (
	// CodeOK means success.
	CodeOK Code = iota
	// CodeFail is an unspecified failure.
	CodeFail
	// CodeInvalidArg means a parameter or object state was rejected.
	CodeInvalidArg
	// CodeOutOfMemory means a resource allocation failed.
	CodeOutOfMemory
	// CodeUnsupported means the substrate has no equivalent operation.
	CodeUnsupported
	// CodeDeviceRemoved means the device is gone (driver update, unplug).
	CodeDeviceRemoved
	// CodeDeviceHung means the device stopped responding.
	CodeDeviceHung
	// CodeDeviceReset means the device was reset by the driver.
	CodeDeviceReset
	// CodeWasStillDrawing means a non-blocking operation would have blocked.
	CodeWasStillDrawing
	// CodeDriverInternal is a driver bug.
	CodeDriverInternal
)

var codeNames = [...]string{
	CodeOK:              "OK",
	CodeFail:            "Fail",
	CodeInvalidArg:      "InvalidArg",
	CodeOutOfMemory:     "OutOfMemory",
	CodeUnsupported:     "Unsupported",
	CodeDeviceRemoved:   "DeviceRemoved",
	CodeDeviceHung:      "DeviceHung",
	CodeDeviceReset:     "DeviceReset",
	CodeWasStillDrawing: "WasStillDrawing",
	CodeDriverInternal:  "DriverInternal",
}

// String returns the code name.
func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Error is a failed native operation.
type Error struct {
	// Op names the failed operation, e.g. "CreateBuffer".
	Op string
	// Code is the native result code.
	Code Code
	// Err carries detail, may be nil.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("native: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("native: %s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the detail error.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted detail message.
func Errorf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the native code from err.
// It returns CodeOK for nil and CodeFail for errors that carry no code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code
	}
	return CodeFail
}

// IsDeviceLost reports whether err means the device can no longer be used.
func IsDeviceLost(err error) bool {
	switch CodeOf(err) {
	case CodeDeviceRemoved, CodeDeviceHung, CodeDeviceReset:
		return true
	}
	return false
}
