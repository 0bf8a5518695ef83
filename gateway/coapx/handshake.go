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

package coapx

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"io"
	"net"

	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
)

// The handshake exchanges three fixed-length messages over the raw socket,
// then hands the socket to the cipher streams:
//
//	1. server -> device: 40 random bytes (nonce), in the clear
//	2. device -> server: RSA(server_pub, nonce || device_id), 128 bytes
//	3. server -> device: RSA(device_pub, secrets) || SIGN(server_priv,
//	   HMAC-SHA1(secrets, ciphertext)), 256 bytes
//
// The echoed nonce proves freshness, the device id selects the public key
// the server encrypts to, and the signed digest proves the credentials
// came from the server the device trusts. The first encrypted frame after
// step 3 is the device's Hello; that exchange belongs to the session, not
// the transport.

const (
	identityLen    = crypto.NonceSize + common.DeviceIDLength
	credentialsLen = 2 * crypto.RSAKeySize
)

var (
	errNonceMismatch = errors.New("echoed nonce does not match")
	errBadIdentity   = errors.New("identity block has wrong length")
	errBadSecrets    = errors.New("credentials block has wrong length")
	errBadSignature  = errors.New("credentials signature does not verify")
)

// KeyStore resolves a device id to the RSA public key recorded for it at
// provisioning time. Unknown devices must return an error.
type KeyStore interface {
	DevicePublicKey(id common.DeviceID) (*rsa.PublicKey, error)
}

// Receive runs the server side of the handshake on a fresh socket and
// returns the encrypted transport plus the authenticated device id.
// The caller is expected to have armed a deadline on fd; Receive performs
// no I/O after it returns. On error the socket is left open for the caller
// to close.
func Receive(fd net.Conn, serverKey *rsa.PrivateKey, keys KeyStore) (*Conn, common.DeviceID, error) {
	var id common.DeviceID

	nonce, err := crypto.Nonce()
	if err != nil {
		return nil, id, &HandshakeError{"nonce", err}
	}
	if _, err := fd.Write(nonce); err != nil {
		return nil, id, &HandshakeError{"nonce", err}
	}

	block := make([]byte, crypto.RSAKeySize)
	if _, err := io.ReadFull(fd, block); err != nil {
		return nil, id, &HandshakeError{"identity", err}
	}
	identity, err := crypto.Decrypt(serverKey, block)
	if err != nil {
		return nil, id, &HandshakeError{"identity", err}
	}
	if len(identity) != identityLen {
		return nil, id, &HandshakeError{"identity", errBadIdentity}
	}
	if !bytes.Equal(identity[:crypto.NonceSize], nonce) {
		return nil, id, &HandshakeError{"identity", errNonceMismatch}
	}
	id = common.BytesToDeviceID(identity[crypto.NonceSize:])

	devicePub, err := keys.DevicePublicKey(id)
	if err != nil {
		return nil, id, &HandshakeError{"identity", err}
	}

	secrets, err := MakeSecrets()
	if err != nil {
		return nil, id, &HandshakeError{"credentials", err}
	}
	ciphertext, err := crypto.Encrypt(devicePub, secrets.Bytes())
	if err != nil {
		return nil, id, &HandshakeError{"credentials", err}
	}
	signature, err := crypto.Sign(serverKey, crypto.HMACSHA1(secrets.Bytes(), ciphertext))
	if err != nil {
		return nil, id, &HandshakeError{"credentials", err}
	}
	if _, err := fd.Write(append(ciphertext, signature...)); err != nil {
		return nil, id, &HandshakeError{"credentials", err}
	}

	conn, err := NewConn(fd, secrets)
	if err != nil {
		return nil, id, &HandshakeError{"credentials", err}
	}
	return conn, id, nil
}

// Initiate runs the device side of the handshake. Real devices carry the
// server public key and their own private key in flash; the simulator and
// the tests pass them in.
func Initiate(fd net.Conn, id common.DeviceID, deviceKey *rsa.PrivateKey, serverPub *rsa.PublicKey) (*Conn, error) {
	nonce := make([]byte, crypto.NonceSize)
	if _, err := io.ReadFull(fd, nonce); err != nil {
		return nil, &HandshakeError{"nonce", err}
	}

	identity, err := crypto.Encrypt(serverPub, append(nonce, id.Bytes()...))
	if err != nil {
		return nil, &HandshakeError{"identity", err}
	}
	if _, err := fd.Write(identity); err != nil {
		return nil, &HandshakeError{"identity", err}
	}

	credentials := make([]byte, credentialsLen)
	if _, err := io.ReadFull(fd, credentials); err != nil {
		return nil, &HandshakeError{"credentials", err}
	}
	ciphertext, signature := credentials[:crypto.RSAKeySize], credentials[crypto.RSAKeySize:]
	material, err := crypto.Decrypt(deviceKey, ciphertext)
	if err != nil {
		return nil, &HandshakeError{"credentials", err}
	}
	if len(material) != SecretsSize {
		return nil, &HandshakeError{"credentials", errBadSecrets}
	}
	if err := crypto.Verify(serverPub, crypto.HMACSHA1(material, ciphertext), signature); err != nil {
		return nil, &HandshakeError{"credentials", errBadSignature}
	}
	secrets, err := SecretsFromBytes(material)
	if err != nil {
		return nil, &HandshakeError{"credentials", err}
	}
	return NewConn(fd, secrets)
}
