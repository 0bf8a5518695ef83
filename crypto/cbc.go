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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	ErrBadPadding = errors.New("crypto: bad message padding")
	ErrShortFrame = errors.New("crypto: ciphertext is not a whole number of blocks")
)

// Encryptor is one direction of an AES-128-CBC message stream. Unlike
// cipher.BlockMode, which chains blocks within one call, the stream chains
// across messages: the last ciphertext block of message n becomes the IV of
// message n+1. The device firmware does the same on its side, so the IVs
// stay in lockstep without ever being retransmitted.
type Encryptor struct {
	block cipher.Block
	iv    []byte
}

// Decryptor is the inbound counterpart of Encryptor.
type Decryptor struct {
	block cipher.Block
	iv    []byte
}

// NewEncryptor builds the outbound half of a session from the 16-byte AES
// key and the 16-byte initial IV negotiated by the handshake.
func NewEncryptor(key, iv []byte) (*Encryptor, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return &Encryptor{block: block, iv: append([]byte(nil), iv...)}, nil
}

// NewDecryptor builds the inbound half of a session.
func NewDecryptor(key, iv []byte) (*Decryptor, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return &Decryptor{block: block, iv: append([]byte(nil), iv...)}, nil
}

// NewCBCPair builds both directions of a session starting from the same IV.
// The two streams chain independently from the first message on.
func NewCBCPair(key, iv []byte) (*Encryptor, *Decryptor, error) {
	enc, err := NewEncryptor(key, iv)
	if err != nil {
		return nil, nil, err
	}
	dec, err := NewDecryptor(key, iv)
	if err != nil {
		return nil, nil, err
	}
	return enc, dec, nil
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.New("crypto: IV must be one AES block")
	}
	return aes.NewCipher(key)
}

// Encrypt pads plain with PKCS#7 and encrypts it as one CBC message,
// advancing the stream IV.
func (e *Encryptor) Encrypt(plain []byte) []byte {
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(e.block, e.iv)
	mode.CryptBlocks(out, padded)
	copy(e.iv, out[len(out)-aes.BlockSize:])
	return out
}

// Decrypt decrypts one CBC message and strips the padding, advancing the
// stream IV. The IV advances even when the padding turns out bad; a padding
// failure is terminal for the session anyway.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrShortFrame
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(d.block, d.iv)
	mode.CryptBlocks(out, ciphertext)
	copy(d.iv, ciphertext[len(ciphertext)-aes.BlockSize:])
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
