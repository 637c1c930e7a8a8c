package opc

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Wire data types (ns=0 numeric IDs) mapped to variable node types.
// Anything absent maps to TypeOther.
var dataTypeMap = map[uint32]NodeType{
	uint32(ua.TypeIDBoolean): TypeBoolean,
	uint32(ua.TypeIDSByte):   TypeInteger,
	uint32(ua.TypeIDByte):    TypeInteger,
	uint32(ua.TypeIDInt16):   TypeInteger,
	uint32(ua.TypeIDUint16):  TypeInteger,
	uint32(ua.TypeIDInt32):   TypeInteger,
	uint32(ua.TypeIDUint32):  TypeInteger,
	uint32(ua.TypeIDInt64):   TypeInteger,
	uint32(ua.TypeIDUint64):  TypeInteger,
	uint32(ua.TypeIDFloat):   TypeDouble,
	uint32(ua.TypeIDDouble):  TypeDouble,
	uint32(ua.TypeIDString):  TypeString,
	290:                      TypeDouble, // Duration
	295:                      TypeString, // LocaleId
}

// MapDataType maps the DataType attribute of a variable node to a node type.
func MapDataType(dataType *ua.NodeID) NodeType {
	if dataType == nil || dataType.Namespace() != 0 {
		return TypeOther
	}
	if t, ok := dataTypeMap[dataType.IntID()]; ok {
		return t
	}
	return TypeOther
}

// MapStatus maps a wire status code. Codes missing from the protocol's table
// degrade to a bad "Unknown" status that keeps the numeric code.
func MapStatus(code ua.StatusCode) StatusCode {
	if code == ua.StatusOK {
		return StatusGood
	}
	desc, ok := ua.StatusCodes[code]
	if !ok {
		return StatusCode{Code: uint32(code), Name: "Unknown", Description: "unknown status code"}
	}
	return NewStatusCode(uint32(code), desc.Name, desc.Text)
}

// MapValue maps a wire variant to a value kind by a fixed priority of known
// primitive types; anything else is rendered as a string.
func MapValue(v *ua.Variant) Value {
	if v == nil {
		return Value{}
	}
	return mapRaw(v.Value())
}

func mapRaw(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Value{}
	case bool:
		return BooleanValue(x)
	case int8:
		return IntegerValue(int64(x))
	case uint8:
		return IntegerValue(int64(x))
	case int16:
		return IntegerValue(int64(x))
	case uint16:
		return IntegerValue(int64(x))
	case int32:
		return IntegerValue(int64(x))
	case uint32:
		return IntegerValue(int64(x))
	case int64:
		return IntegerValue(x)
	case uint64:
		if x > math.MaxInt64 {
			return StringValue(strconv.FormatUint(x, 10))
		}
		return IntegerValue(int64(x))
	case float32:
		// go through the shortest decimal form so 0.1f stays 0.1
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(x), 'g', -1, 32), 64)
		return DoubleValue(f)
	case float64:
		return DoubleValue(x)
	case string:
		return StringValue(x)
	case time.Time:
		return StringValue(x.UTC().Format(time.RFC3339Nano))
	case []byte:
		return StringValue(hex.EncodeToString(x))
	case *ua.NodeID:
		return StringValue(x.String())
	case *ua.LocalizedText:
		if x == nil {
			return Value{}
		}
		return StringValue(x.Text)
	case *ua.QualifiedName:
		if x == nil {
			return Value{}
		}
		return StringValue(x.Name)
	case ua.StatusCode:
		return StringValue(MapStatus(x).String())
	case fmt.Stringer:
		return StringValue(x.String())
	}
	return StringValue(fmt.Sprint(raw))
}

// MapMeasuredValue maps a wire data value received for node at clientTime.
// It returns nil when the data value carries no value. Values are converted to
// the node's type where a conversion exists; otherwise the mapped kind is kept.
func MapMeasuredValue(node *Node, dv *ua.DataValue, clientTime time.Time) *MeasuredValue {
	if dv == nil {
		return nil
	}
	value := MapValue(dv.Value)
	if value.IsNull() {
		return nil
	}
	if node != nil && node.Type().IsVariable() {
		if converted, err := node.Type().Convert(value); err == nil {
			value = converted
		}
	}
	return &MeasuredValue{
		Node:       node,
		Status:     MapStatus(dv.Status),
		Value:      value,
		SourceTime: dv.SourceTimestamp,
		ServerTime: dv.ServerTimestamp,
		ClientTime: clientTime,
	}
}
