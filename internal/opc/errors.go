package opc

import "errors"

// Sentinel errors for protocol operations.
var (
	// ErrClient wraps every failure reported by the low-level protocol client.
	// Callers test for it with errors.Is instead of matching client-specific types.
	ErrClient = errors.New("opc client error")

	// ErrInvalidAddress indicates a node address string that cannot be parsed.
	ErrInvalidAddress = errors.New("invalid node address")

	// ErrNotConnected indicates an operation that needs a live client while none is installed.
	ErrNotConnected = errors.New("not connected to opc server")

	// ErrConversionFailed indicates a value that cannot be converted to a node's type.
	ErrConversionFailed = errors.New("value conversion failed")
)
