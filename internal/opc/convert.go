package opc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

/*
 * Per-type value conversion.
 *
 * Each variable node type owns one pure conversion from a mapped value to the
 * kind that type stores:
 *   - double:  numeric; integers widen, numeric strings parse, booleans are rejected
 *   - integer: integral; doubles must be whole and in range, integer strings parse
 *   - boolean: strict; booleans only, avoiding "true" vs 1 ambiguity
 *   - string:  lenient; every kind renders to text
 *   - other:   preserves the mapped kind
 *
 * Null converts to null for every type. Undetermined nodes preserve the value;
 * objects and missing nodes hold no values and reject everything.
 */

// Convert converts v to the kind stored by nodes of type t.
// Returns ErrConversionFailed for impossible conversions.
func (t NodeType) Convert(v Value) (Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch t {
	case TypeDouble:
		return convertDouble(v)
	case TypeInteger:
		return convertInteger(v)
	case TypeBoolean:
		return convertBoolean(v)
	case TypeString:
		return StringValue(v.String()), nil
	case TypeOther, TypeUndetermined:
		return v, nil
	}
	return Value{}, fmt.Errorf("%w: %s nodes hold no value", ErrConversionFailed, t)
}

func convertDouble(v Value) (Value, error) {
	switch v.Kind() {
	case KindDouble:
		return v, nil
	case KindInteger:
		i, _ := v.Integer()
		return DoubleValue(float64(i)), nil
	case KindString:
		s, _ := v.Text()
		s = strings.TrimSpace(s)
		if s == "" {
			return Value{}, fmt.Errorf("%w: empty string to double", ErrConversionFailed)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q to double", ErrConversionFailed, s)
		}
		return DoubleValue(f), nil
	}
	return Value{}, fmt.Errorf("%w: %s to double", ErrConversionFailed, v.Kind())
}

func convertInteger(v Value) (Value, error) {
	switch v.Kind() {
	case KindInteger:
		return v, nil
	case KindDouble:
		f, _ := v.Double()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %v is not an integer", ErrConversionFailed, f)
		}
		return IntegerValue(int64(f)), nil
	case KindString:
		s, _ := v.Text()
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q to integer", ErrConversionFailed, s)
		}
		return IntegerValue(i), nil
	}
	return Value{}, fmt.Errorf("%w: %s to integer", ErrConversionFailed, v.Kind())
}

func convertBoolean(v Value) (Value, error) {
	if v.Kind() == KindBoolean {
		return v, nil
	}
	return Value{}, fmt.Errorf("%w: %s to boolean", ErrConversionFailed, v.Kind())
}
