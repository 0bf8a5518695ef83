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

// Package common contains small types shared across the gateway.
package common

import (
	"encoding/hex"
	"fmt"
)

// DeviceIDLength is the byte length of a device identifier.
const DeviceIDLength = 12

// DeviceID is the opaque identifier burned into every device. It renders
// as bare lowercase hex; there is no 0x prefix on this wire or in logs.
type DeviceID [DeviceIDLength]byte

// BytesToDeviceID sets b to a DeviceID, left-truncating or zero-padding
// from the left if b is not exactly 12 bytes.
func BytesToDeviceID(b []byte) DeviceID {
	var id DeviceID
	id.SetBytes(b)
	return id
}

// HexToDeviceID parses s as a device id. It returns an error for anything
// that is not exactly 24 hex characters.
func HexToDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid device id %q: %v", s, err)
	}
	if len(b) != DeviceIDLength {
		return id, fmt.Errorf("invalid device id %q: have %d bytes, want %d", s, len(b), DeviceIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// IsHexDeviceID reports whether s parses as a device id.
func IsHexDeviceID(s string) bool {
	_, err := HexToDeviceID(s)
	return err == nil
}

// SetBytes sets the id to the value of b. If b is larger than 12 bytes,
// b is cropped from the left.
func (id *DeviceID) SetBytes(b []byte) {
	if len(b) > len(id) {
		b = b[len(b)-DeviceIDLength:]
	}
	copy(id[DeviceIDLength-len(b):], b)
}

// Bytes returns the id as a byte slice.
func (id DeviceID) Bytes() []byte { return id[:] }

// Hex returns the id as 24 lowercase hex characters.
func (id DeviceID) Hex() string { return hex.EncodeToString(id[:]) }

// String implements fmt.Stringer.
func (id DeviceID) String() string { return id.Hex() }

// IsZero reports whether the id is all zeros.
func (id DeviceID) IsZero() bool { return id == DeviceID{} }

// Format implements fmt.Formatter, forwarding hex verbs to the underlying
// bytes and rendering everything else through Hex.
func (id DeviceID) Format(s fmt.State, c rune) {
	switch c {
	case 'x', 'X':
		fmt.Fprintf(s, "%"+string(c), id[:])
	case 'v', 's', 'q':
		val := id.Hex()
		if c == 'q' {
			val = `"` + val + `"`
		}
		fmt.Fprint(s, val)
	default:
		fmt.Fprintf(s, "%%!%c(deviceid=%s)", c, id.Hex())
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := HexToDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
