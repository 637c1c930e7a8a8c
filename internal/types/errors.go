package types

import "errors"

// Sentinel errors for ProductionPilot operations.
var (
	// ErrParameterNotFound indicates no live parameter has the requested ID.
	ErrParameterNotFound = errors.New("parameter not found")

	// ErrNameRequired indicates a parameter without a name.
	ErrNameRequired = errors.New("parameter name is required")

	// ErrNameTooLong indicates a name longer than MaxNameLength.
	ErrNameTooLong = errors.New("parameter name too long")

	// ErrNodeAddressRequired indicates a parameter without a node address.
	ErrNodeAddressRequired = errors.New("parameter node address is required")

	// ErrInvalidIdentifier indicates an identifier outside [a-zA-Z0-9_.-].
	ErrInvalidIdentifier = errors.New("invalid parameter identifier")

	// ErrSamplingIntervalTooShort indicates an interval below MinSamplingInterval.
	ErrSamplingIntervalTooShort = errors.New("sampling interval below minimum")

	// ErrInvalidParameterID indicates a malformed parameter ID.
	ErrInvalidParameterID = errors.New("invalid parameter id")
)
