package opc

import "fmt"

// severity bits of a status code; 00 good, 01 uncertain, 10/11 bad
const severityMask = 0xC0000000

// StatusCode is a protocol status with its symbolic name and description.
type StatusCode struct {
	Code        uint32
	Name        string
	Description string
	Good        bool
}

// NewStatusCode builds a status code whose goodness follows the severity bits.
func NewStatusCode(code uint32, name, description string) StatusCode {
	return StatusCode{Code: code, Name: name, Description: description, Good: code&severityMask == 0}
}

// Well-known status codes.
var (
	StatusGood               = StatusCode{Code: 0x00000000, Name: "Good", Good: true}
	StatusBad                = StatusCode{Code: 0xC0000000, Name: "Bad"}
	StatusBadUnexpectedError = StatusCode{Code: 0x80010000, Name: "BadUnexpectedError"}
	StatusBadNoData          = StatusCode{
		Code:        0x809B0000,
		Name:        "BadNoData",
		Description: "No data exists for the requested time range or event filter.",
	}
)

// IsGood reports whether the status counts as good.
func (s StatusCode) IsGood() bool {
	return s.Good
}

// IsBad reports whether the code has bad severity.
func (s StatusCode) IsBad() bool {
	return s.Code&0x80000000 != 0
}

func (s StatusCode) String() string {
	switch {
	case s.Code == 0 && s.Name != "":
		return s.Name
	case s.Name != "" && s.Description != "":
		return fmt.Sprintf("%s (%s / 0x%08X)", s.Name, s.Description, s.Code)
	case s.Name != "":
		return fmt.Sprintf("%s (0x%08X)", s.Name, s.Code)
	case s.Description != "":
		return fmt.Sprintf("%s (0x%08X)", s.Description, s.Code)
	}
	return fmt.Sprintf("0x%08X", s.Code)
}
