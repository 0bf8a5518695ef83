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
	"testing"
)

var (
	testKey = []byte("0123456789abcdef")
	testIV  = []byte("fedcba9876543210")
)

func newTestPair(t *testing.T) (*Encryptor, *Decryptor) {
	t.Helper()
	enc, dec, err := NewCBCPair(testKey, testIV)
	if err != nil {
		t.Fatalf("NewCBCPair: %v", err)
	}
	return enc, dec
}

func TestCBCRoundTrip(t *testing.T) {
	enc, dec := newTestPair(t)
	for _, size := range []int{0, 1, 15, 16, 17, 63, 64, 512, 1000} {
		plain := bytes.Repeat([]byte{0x5a}, size)
		got, err := dec.Decrypt(enc.Encrypt(plain))
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

// The IV must chain across messages: decrypting a second message with a
// fresh pair (same initial IV) has to fail, while the original pair keeps
// working.
func TestCBCChaining(t *testing.T) {
	enc, dec := newTestPair(t)
	_, fresh, err := NewCBCPair(testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}

	first := enc.Encrypt([]byte("message one"))
	if _, err := dec.Decrypt(first); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := fresh.Decrypt(first); err != nil {
		t.Fatalf("fresh decryptor should handle the first message: %v", err)
	}

	second := enc.Encrypt([]byte("message two"))
	got, err := dec.Decrypt(second)
	if err != nil {
		t.Fatalf("second message on chained stream: %v", err)
	}
	if string(got) != "message two" {
		t.Fatalf("got %q", got)
	}
	// fresh decryptor is now one message behind; wrong IV garbles the
	// first block, which shows up as bad padding or garbage.
	if out, err := fresh.Decrypt(second); err == nil && string(out) == "message two" {
		t.Fatal("unchained decryptor should not track the stream")
	}
}

func TestCBCBadInput(t *testing.T) {
	_, dec := newTestPair(t)
	if _, err := dec.Decrypt(nil); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("empty ciphertext: got %v, want ErrShortFrame", err)
	}
	if _, err := dec.Decrypt(make([]byte, 20)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("ragged ciphertext: got %v, want ErrShortFrame", err)
	}
	// Craft a ciphertext whose plaintext ends in 0x00, which is never
	// valid PKCS#7.
	blk, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	junk := make([]byte, 16)
	cipher.NewCBCEncrypter(blk, testIV).CryptBlocks(junk, make([]byte, 16))
	if _, err := dec.Decrypt(junk); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("junk ciphertext: got %v, want ErrBadPadding", err)
	}
}

func TestPKCS7(t *testing.T) {
	for _, tt := range []struct {
		in   []byte
		want int // padded length
	}{
		{[]byte{}, 16},
		{make([]byte, 5), 16},
		{make([]byte, 16), 32},
		{make([]byte, 31), 32},
	} {
		padded := pkcs7Pad(tt.in, 16)
		if len(padded) != tt.want {
			t.Fatalf("pad(%d): length %d, want %d", len(tt.in), len(padded), tt.want)
		}
		out, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("unpad(%d): %v", len(tt.in), err)
		}
		if !bytes.Equal(out, tt.in) {
			t.Fatalf("unpad(%d): mismatch", len(tt.in))
		}
	}
	if _, err := pkcs7Unpad(bytes.Repeat([]byte{17}, 16), 16); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("oversize pad byte: got %v", err)
	}
	if _, err := pkcs7Unpad([]byte{1, 2, 3}, 16); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("ragged input: got %v", err)
	}
}
