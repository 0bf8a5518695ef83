// Copyright 2023 The sparkgate Authors
// This file is part of the sparkgate library.
//
// The sparkgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sparkgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sparkgate library. If not, see <http://www.gnu.org/licenses/>.

package coap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Device firmware encodes all multi-byte payload values little-endian,
// unlike the big-endian CoAP header fields.

// Variable type codes as they appear in describe payloads.
const (
	TypeBool   = 1
	TypeInt    = 2
	TypeString = 4
	TypeDouble = 9
)

// TypeName maps a describe payload type code to the name DecodeValue
// understands. Unknown codes decode as strings.
func TypeName(code int) string {
	switch code {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int32"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	}
	return "string"
}

// EncodeValue renders a typed value into its wire bytes.
func EncodeValue(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if x {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case int8:
		return []byte{byte(x)}, nil
	case uint8:
		return []byte{x}, nil
	case int16:
		return binary.LittleEndian.AppendUint16(nil, uint16(x)), nil
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, x), nil
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(x)), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, x), nil
	case int:
		return binary.LittleEndian.AppendUint32(nil, uint32(int32(x))), nil
	case float32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(x)), nil
	case float64:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(x)), nil
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	}
	return nil, fmt.Errorf("coap: cannot encode %T", v)
}

// DecodeValue interprets payload bytes as the named type. Unknown type
// names fall back to string, matching how variables with no cached
// introspection entry are served.
func DecodeValue(typ string, data []byte) (interface{}, error) {
	switch typ {
	case "bool":
		return len(data) > 0 && data[0] != 0, nil
	case "int8":
		if err := wantLen(typ, data, 1); err != nil {
			return nil, err
		}
		return int8(data[0]), nil
	case "uint8":
		if err := wantLen(typ, data, 1); err != nil {
			return nil, err
		}
		return data[0], nil
	case "int16":
		if err := wantLen(typ, data, 2); err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(data)), nil
	case "uint16":
		if err := wantLen(typ, data, 2); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(data), nil
	case "int", "int32":
		if err := wantLen(typ, data, 4); err != nil {
			return nil, err
		}
		return int32(binary.LittleEndian.Uint32(data)), nil
	case "uint32":
		if err := wantLen(typ, data, 4); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint32(data), nil
	case "float":
		if err := wantLen(typ, data, 4); err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case "double":
		if err := wantLen(typ, data, 8); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case "buffer":
		return data, nil
	default: // string and anything unrecognized
		return string(data), nil
	}
}

func wantLen(typ string, data []byte, n int) error {
	if len(data) < n {
		return fmt.Errorf("coap: %s payload needs %d bytes, have %d", typ, n, len(data))
	}
	return nil
}

// HelloPayload carries the identity a device announces in its Hello frame.
// All three fields are optional on the wire; absent ones stay zero.
type HelloPayload struct {
	ProductID       uint16
	FirmwareVersion uint16
	PlatformID      uint16
}

func (h *HelloPayload) Marshal() []byte {
	b := make([]byte, 0, 6)
	b = binary.LittleEndian.AppendUint16(b, h.ProductID)
	b = binary.LittleEndian.AppendUint16(b, h.FirmwareVersion)
	b = binary.LittleEndian.AppendUint16(b, h.PlatformID)
	return b
}

// UnmarshalHello tolerates short payloads; old firmware omits trailing
// fields.
func UnmarshalHello(data []byte) HelloPayload {
	var h HelloPayload
	if len(data) >= 2 {
		h.ProductID = binary.LittleEndian.Uint16(data)
	}
	if len(data) >= 4 {
		h.FirmwareVersion = binary.LittleEndian.Uint16(data[2:])
	}
	if len(data) >= 6 {
		h.PlatformID = binary.LittleEndian.Uint16(data[4:])
	}
	return h
}
