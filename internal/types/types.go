// Package types provides domain models shared across ProductionPilot components.
//
// Zero-dependency design: types.go and errors.go use only the standard library so
// the store, the reconciler and the CLI can share them without pulling in the
// protocol client. ID utilities in ids.go import uuid.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// ParameterID represents a UUIDv7 parameter identifier.
// String alias keeps IDs type-safe while scanning directly from TEXT columns.
type ParameterID string

// MeasurementID is the database-assigned identifier of a persisted measurement.
type MeasurementID int64

// Sampling interval bounds for a parameter.
const (
	// MinSamplingInterval is the finest rate a parameter may request.
	// Servers clamp anything below this to their own minimum anyway.
	MinSamplingInterval = 10 * time.Millisecond

	// DefaultSamplingInterval applies when a parameter is created without one.
	DefaultSamplingInterval = time.Second

	// MaxNameLength bounds parameter names.
	MaxNameLength = 255
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Parameter is a persisted request to record one node at one rate.
// NodeAddress is the raw address string; it is parsed by the recorder and may be
// invalid, in which case the parameter is never recorded.
type Parameter struct {
	ID               ParameterID
	Name             string
	Identifier       string // optional short machine-readable name
	Description      string
	NodeAddress      string
	SamplingInterval time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// String renders the parameter for log output.
func (p Parameter) String() string {
	if p.Identifier != "" {
		return fmt.Sprintf("parameter %s (%s)", p.Identifier, p.ID)
	}
	return fmt.Sprintf("parameter %q (%s)", p.Name, p.ID)
}

// SameBinding reports whether two versions of a parameter record the same node at
// the same rate. A recording only needs to be replaced when this is false.
func (p Parameter) SameBinding(other Parameter) bool {
	return p.NodeAddress == other.NodeAddress && p.SamplingInterval == other.SamplingInterval
}

// Validate checks the fields the directory is responsible for.
func (p Parameter) Validate() error {
	if p.Name == "" {
		return ErrNameRequired
	}
	if len(p.Name) > MaxNameLength {
		return fmt.Errorf("%w: %d characters", ErrNameTooLong, len(p.Name))
	}
	if p.NodeAddress == "" {
		return ErrNodeAddressRequired
	}
	if p.Identifier != "" && !identifierPattern.MatchString(p.Identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, p.Identifier)
	}
	if p.SamplingInterval < MinSamplingInterval {
		return fmt.Errorf("%w: %v", ErrSamplingIntervalTooShort, p.SamplingInterval)
	}
	return nil
}

// Measurement is one persisted value of a parameter.
// Exactly one of the Value* fields is set, or none for a null value.
// SourceTime and ServerTime are nil when the server did not supply them.
type Measurement struct {
	ID          MeasurementID
	ParameterID ParameterID
	SourceTime  *time.Time
	ServerTime  *time.Time
	ClientTime  time.Time
	StatusCode  uint32

	ValueString  *string
	ValueBoolean *bool
	ValueLong    *int64
	ValueDouble  *float64
}

// Value returns whichever value column is set, or nil.
func (m Measurement) Value() any {
	switch {
	case m.ValueDouble != nil:
		return *m.ValueDouble
	case m.ValueLong != nil:
		return *m.ValueLong
	case m.ValueBoolean != nil:
		return *m.ValueBoolean
	case m.ValueString != nil:
		return *m.ValueString
	}
	return nil
}
