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
	"path/filepath"
	"testing"
)

func TestOAEPRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	nonce, err := Nonce()
	if err != nil {
		t.Fatal(err)
	}
	block, err := Encrypt(&key.PublicKey, nonce)
	if err != nil {
		t.Fatal(err)
	}
	if len(block) != RSAKeySize {
		t.Fatalf("ciphertext is %d bytes, want %d", len(block), RSAKeySize)
	}
	plain, err := Decrypt(key, block)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, nonce) {
		t.Fatal("round trip mismatch")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("session key envelope")
	sig, err := Sign(key, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != RSAKeySize {
		t.Fatalf("signature is %d bytes, want %d", len(sig), RSAKeySize)
	}
	if err := Verify(&key.PublicKey, data, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	sig[0] ^= 0xff
	if err := Verify(&key.PublicKey, data, sig); err == nil {
		t.Fatal("tampered signature verified")
	}
}

func TestPublicKeyCodec(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	der, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ParsePublicKey(der)
	if err != nil {
		t.Fatal(err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 || pub.E != key.PublicKey.E {
		t.Fatal("decoded key differs")
	}
}

func TestPrivateKeyFile(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "server_key.pem")
	if err := SavePrivateKey(path, key); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.D.Cmp(key.D) != 0 {
		t.Fatal("loaded key differs")
	}
}
