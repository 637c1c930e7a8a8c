package opc

import (
	"strconv"
	"time"
)

// Kind is the closed set of value kinds the recorder stores.
type Kind uint8

const (
	KindNull Kind = iota
	KindDouble
	KindInteger
	KindBoolean
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindDouble:
		return "double"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	}
	return "null"
}

// Value holds one value of a single Kind. The zero Value is null.
type Value struct {
	kind Kind
	f    float64
	i    int64
	b    bool
	s    string
}

func DoubleValue(f float64) Value { return Value{kind: KindDouble, f: f} }
func IntegerValue(i int64) Value  { return Value{kind: KindInteger, i: i} }
func BooleanValue(b bool) Value   { return Value{kind: KindBoolean, b: b} }
func StringValue(s string) Value  { return Value{kind: KindString, s: s} }
func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsNull() bool      { return v.kind == KindNull }

// Double returns the value if it is a double.
func (v Value) Double() (float64, bool) { return v.f, v.kind == KindDouble }

// Integer returns the value if it is an integer.
func (v Value) Integer() (int64, bool) { return v.i, v.kind == KindInteger }

// Boolean returns the value if it is a boolean.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBoolean }

// Text returns the value if it is a string.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindString }

// Any returns the value as float64, int64, bool, string or nil.
func (v Value) Any() any {
	switch v.kind {
	case KindDouble:
		return v.f
	case KindInteger:
		return v.i
	case KindBoolean:
		return v.b
	case KindString:
		return v.s
	}
	return nil
}

// String renders the value; null renders as "null".
func (v Value) String() string {
	switch v.kind {
	case KindDouble:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.s
	}
	return "null"
}

// MeasuredValue is one value received for a node.
// SourceTime and ServerTime are zero when the server did not send them;
// ClientTime is assigned locally on arrival.
type MeasuredValue struct {
	Node       *Node
	Status     StatusCode
	Value      Value
	SourceTime time.Time
	ServerTime time.Time
	ClientTime time.Time
}
