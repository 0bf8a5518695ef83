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

package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// NonceSize is the length of the handshake nonce and of the session key.
const NonceSize = 40

// HMACSHA1 computes the handshake envelope digest of data under key.
func HMACSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// CRC32 is the chunk receipt checksum (IEEE polynomial, as computed by the
// device bootloader).
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Nonce returns 40 bytes of secure randomness.
func Nonce() ([]byte, error) {
	buf := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RandUint16 returns a secure random 16-bit value, used to seed message
// counters.
func RandUint16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
