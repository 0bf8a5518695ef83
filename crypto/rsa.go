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

// Package crypto holds the primitives of the device wire protocol: RSA-1024
// OAEP envelopes, the chained AES-128-CBC message streams, the handshake
// digests and the chunk checksum.
//
// The choices here are dictated by the device firmware and cannot be
// upgraded server-side: OAEP and signatures use SHA-1, keys are 1024 bits.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// RSAKeySize is the modulus size of both the server and device keys. Every
// RSA block on the wire is exactly this many bytes.
const RSAKeySize = 128

var (
	ErrKeySize    = errors.New("crypto: key is not RSA-1024")
	ErrNoPEMBlock = errors.New("crypto: no PEM block found")
)

// GenerateKey creates a new RSA-1024 key. Only used for provisioning and
// tests; production server keys are loaded from disk.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeySize*8)
}

// Encrypt seals plain into a single OAEP-SHA1 block under pub.
func Encrypt(pub *rsa.PublicKey, plain []byte) ([]byte, error) {
	if pub.Size() != RSAKeySize {
		return nil, ErrKeySize
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plain, nil)
}

// Decrypt opens a single OAEP-SHA1 block with priv.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
}

// Sign produces a PKCS#1 v1.5 signature over the SHA-1 hash of data.
func Sign(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha1.Sum(data)
	return rsa.SignPKCS1v15(rand.Reader, priv, 0, digest[:])
}

// Verify checks a signature produced by Sign.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha1.Sum(data)
	return rsa.VerifyPKCS1v15(pub, 0, digest[:], sig)
}

// ParsePublicKey decodes a device public key from DER, accepting both PKIX
// and PKCS#1 encodings. Provisioning tools have historically produced
// either.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("crypto: public key is not RSA")
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: cannot parse public key: %w", err)
	}
	return pub, nil
}

// MarshalPublicKey encodes pub as PKIX DER, the store format of devdb.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// EncodePublicKeyPEM renders pub as a PKIX PEM block, the format the
// provisioning tools exchange.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecodePublicKeyPEM parses the first PUBLIC KEY block in pemData.
func DecodePublicKeyPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	return ParsePublicKey(block.Bytes)
}

// LoadPrivateKey reads an unencrypted PEM private key file, accepting PKCS#1
// and PKCS#8 encodings.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: cannot parse private key %s: %w", path, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypto: private key is not RSA")
	}
	return rsaKey, nil
}

// SavePrivateKey writes priv to path as a PKCS#1 PEM block with 0600
// permissions.
func SavePrivateKey(path string, priv *rsa.PrivateKey) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}
