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

// Package coapx implements the encrypted device transport.
//
// A transport connection carries CoAP frames inside AES-128-CBC. Each frame
// is encrypted as one CBC message and written with a 2-byte big-endian
// length prefix; the prefix travels in the clear. The cipher state is
// negotiated by a four-step RSA handshake run over the raw socket, after
// which both sides hold the same 40 bytes of key material.
//
// This package only moves opaque frames. Parsing them is the job of
// package coap, and everything above that belongs to the session.
package coapx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sparkgate/sparkgate/crypto"
)

// SecretsSize is the byte length of the negotiated key material.
const SecretsSize = 40

// maxFrameSize is what fits under the 2-byte length prefix after padding.
const maxFrameSize = 65535 - 16

var (
	errEmptyFrame    = errors.New("empty frame")
	errFrameTooLarge = errors.New("frame exceeds 16-bit length prefix")

	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("coapx: connection closed")
)

// HandshakeError is a failure of the four-step key exchange. The socket is
// useless afterwards and must be closed.
type HandshakeError struct {
	Phase string // "nonce", "identity", "credentials"
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("coapx: handshake %s: %v", e.Phase, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// CryptoError marks inbound ciphertext that failed to decrypt or frame.
// Once the streams have slipped there is no resynchronizing; the session
// must disconnect.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("coapx: %v", e.Err) }

func (e *CryptoError) Unwrap() error { return e.Err }

// Secrets holds the 40 bytes of key material produced by the handshake:
// the AES key, the initial IV shared by both directions, and a salt kept
// for key rotation. The two cipher streams chain their IVs independently
// from the first message on.
type Secrets struct {
	raw [SecretsSize]byte
}

// MakeSecrets draws fresh key material from the system entropy source.
func MakeSecrets() (Secrets, error) {
	var s Secrets
	b, err := crypto.Nonce()
	if err != nil {
		return s, err
	}
	copy(s.raw[:], b)
	return s, nil
}

// SecretsFromBytes wraps existing key material, typically decrypted from
// the credentials block of the handshake.
func SecretsFromBytes(b []byte) (Secrets, error) {
	var s Secrets
	if len(b) != SecretsSize {
		return s, fmt.Errorf("coapx: key material is %d bytes, want %d", len(b), SecretsSize)
	}
	copy(s.raw[:], b)
	return s, nil
}

// Bytes returns the raw key material.
func (s *Secrets) Bytes() []byte { return s.raw[:] }

// Key is the 16-byte AES key.
func (s *Secrets) Key() []byte { return s.raw[0:16] }

// IVSend is the initial IV of the outbound stream.
func (s *Secrets) IVSend() []byte { return s.raw[16:32] }

// IVRecv is the initial IV of the inbound stream. Both directions start
// from the same block and diverge with their first ciphertext.
func (s *Secrets) IVRecv() []byte { return s.raw[16:32] }

// Salt is the trailing 8 bytes, unused by the transport itself.
func (s *Secrets) Salt() []byte { return s.raw[32:40] }

// Conn is an encrypted device transport connection. It is safe for one
// concurrent reader and one concurrent writer; the mutexes keep whole
// frames intact, they do not order writers.
type Conn struct {
	fd  net.Conn
	rmu sync.Mutex // serializes reads, protects dec
	wmu sync.Mutex // serializes writes, protects enc
	enc *crypto.Encryptor
	dec *crypto.Decryptor

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an already-handshaked socket with the cipher streams
// derived from secrets. Receive and Initiate call this; tests may too.
func NewConn(fd net.Conn, secrets Secrets) (*Conn, error) {
	enc, err := crypto.NewEncryptor(secrets.Key(), secrets.IVSend())
	if err != nil {
		return nil, err
	}
	dec, err := crypto.NewDecryptor(secrets.Key(), secrets.IVRecv())
	if err != nil {
		return nil, err
	}
	return &Conn{fd: fd, enc: enc, dec: dec, closed: make(chan struct{})}, nil
}

// ReadFrame reads one length prefix, decrypts the ciphertext behind it and
// returns the plaintext frame. I/O failures come back as-is; cipher
// failures come back wrapped in CryptoError.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.isClosed() {
		return nil, ErrClosed
	}
	var prefix [2]byte
	if _, err := io.ReadFull(c.fd, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	if n == 0 {
		return nil, &CryptoError{errEmptyFrame}
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(c.fd, ciphertext); err != nil {
		return nil, err
	}
	plain, err := c.dec.Decrypt(ciphertext)
	if err != nil {
		return nil, &CryptoError{err}
	}
	return plain, nil
}

// WriteFrame encrypts frame and writes it as one length-prefixed unit.
func (c *Conn) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if len(frame) > maxFrameSize {
		return errFrameTooLarge
	}
	ciphertext := c.enc.Encrypt(frame)
	out := make([]byte, 2+len(ciphertext))
	binary.BigEndian.PutUint16(out, uint16(len(ciphertext)))
	copy(out[2:], ciphertext)
	_, err := c.fd.Write(out)
	return err
}

// Close tears down the socket. It is idempotent; the first error sticks.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.fd.Close()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.fd.RemoteAddr() }

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.fd.LocalAddr() }

// SetReadDeadline sets the deadline for future ReadFrame calls.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.fd.SetReadDeadline(t) }

// SetWriteDeadline sets the deadline for future WriteFrame calls.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.fd.SetWriteDeadline(t) }

// SetDeadline sets both read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error { return c.fd.SetDeadline(t) }
