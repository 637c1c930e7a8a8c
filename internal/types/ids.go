package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewParameterID generates a UUIDv7 parameter identifier.
// Time-ordered IDs keep parameter listings in creation order.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewParameterID() ParameterID {
	return ParameterID(uuid.Must(uuid.NewV7()).String())
}

// ParseParameterID validates and converts a string to ParameterID.
func ParseParameterID(s string) (ParameterID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParameterID, err)
	}
	return ParameterID(u.String()), nil
}

// ParameterIDTime extracts the creation timestamp embedded in a UUIDv7 ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func ParameterIDTime(id ParameterID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
