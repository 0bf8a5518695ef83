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
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
)

var testDeviceID = common.BytesToDeviceID([]byte{
	0x53, 0xff, 0x6f, 0x06, 0x50, 0x67, 0x54, 0x48, 0x40, 0x55, 0x11, 0x87,
})

type testKeys map[common.DeviceID]*rsa.PublicKey

func (t testKeys) DevicePublicKey(id common.DeviceID) (*rsa.PublicKey, error) {
	pub, ok := t[id]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", id)
	}
	return pub, nil
}

type handshakeResult struct {
	conn *Conn
	id   common.DeviceID
	err  error
}

func runHandshake(t *testing.T, keys testKeys, deviceKey *rsa.PrivateKey, serverPub *rsa.PublicKey) (server, device *Conn, serverErr, deviceErr error) {
	t.Helper()
	serverKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if serverPub == nil {
		serverPub = &serverKey.PublicKey
	}
	p0, p1 := net.Pipe()
	p0.SetDeadline(time.Now().Add(5 * time.Second))
	p1.SetDeadline(time.Now().Add(5 * time.Second))

	ch := make(chan handshakeResult, 1)
	go func() {
		conn, id, err := Receive(p0, serverKey, keys)
		if err != nil {
			p0.Close() // unblock the device side promptly
		}
		ch <- handshakeResult{conn, id, err}
	}()
	device, deviceErr = Initiate(p1, testDeviceID, deviceKey, serverPub)
	res := <-ch
	if res.err == nil && res.id != testDeviceID {
		t.Fatalf("authenticated id %s, want %s", res.id, testDeviceID)
	}
	if res.err != nil {
		p1.Close()
	}
	if res.conn != nil {
		res.conn.SetDeadline(time.Time{})
	}
	if device != nil {
		device.SetDeadline(time.Time{})
	}
	return res.conn, device, res.err, deviceErr
}

func newTestPair(t *testing.T) (server, device *Conn) {
	t.Helper()
	deviceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeys{testDeviceID: &deviceKey.PublicKey}
	server, device, serverErr, deviceErr := runHandshake(t, keys, deviceKey, nil)
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	if deviceErr != nil {
		t.Fatalf("device handshake: %v", deviceErr)
	}
	t.Cleanup(func() { server.Close(); device.Close() })
	return server, device
}

func TestHandshake(t *testing.T) {
	server, device := newTestPair(t)

	// Several frames in each direction so the IV chains get exercised.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 4; i++ {
			frame, err := device.ReadFrame()
			if err != nil {
				done <- err
				return
			}
			if err := device.WriteFrame(append(frame, byte(i))); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for i := 0; i < 4; i++ {
		out := bytes.Repeat([]byte{byte(i + 1)}, 100*i+1)
		if err := server.WriteFrame(out); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		in, err := server.ReadFrame()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(in, append(out, byte(i))) {
			t.Fatalf("frame %d mangled: %x", i, in)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("device side: %v", err)
	}
}

func TestHandshakeUnknownDevice(t *testing.T) {
	deviceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	// Empty key store: the identity decrypts but resolves to nothing.
	_, _, serverErr, _ := runHandshake(t, testKeys{}, deviceKey, nil)
	var hsErr *HandshakeError
	if !errors.As(serverErr, &hsErr) || hsErr.Phase != "identity" {
		t.Fatalf("server error %v, want identity handshake error", serverErr)
	}
}

func TestHandshakeWrongServerKey(t *testing.T) {
	deviceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeys{testDeviceID: &deviceKey.PublicKey}
	// The device encrypts its identity to a key the server does not hold.
	_, _, serverErr, _ := runHandshake(t, keys, deviceKey, &otherKey.PublicKey)
	var hsErr *HandshakeError
	if !errors.As(serverErr, &hsErr) || hsErr.Phase != "identity" {
		t.Fatalf("server error %v, want identity handshake error", serverErr)
	}
}

func TestFrameErrors(t *testing.T) {
	secrets, err := MakeSecrets()
	if err != nil {
		t.Fatal(err)
	}
	p0, p1 := net.Pipe()
	defer p0.Close()
	conn, err := NewConn(p1, secrets)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Zero-length prefix is never valid ciphertext.
	go p0.Write([]byte{0, 0})
	var cryptoErr *CryptoError
	if _, err := conn.ReadFrame(); !errors.As(err, &cryptoErr) {
		t.Fatalf("zero frame: %v, want CryptoError", err)
	}

	// Ciphertext that is not a whole number of blocks.
	go func() {
		hdr := []byte{0, 5}
		p0.Write(append(hdr, 1, 2, 3, 4, 5))
	}()
	if _, err := conn.ReadFrame(); !errors.As(err, &cryptoErr) {
		t.Fatalf("ragged frame: %v, want CryptoError", err)
	}

	if err := conn.WriteFrame(make([]byte, maxFrameSize+1)); err != errFrameTooLarge {
		t.Fatalf("oversize frame: %v, want %v", err, errFrameTooLarge)
	}
}

func TestFramePrefix(t *testing.T) {
	secrets, err := MakeSecrets()
	if err != nil {
		t.Fatal(err)
	}
	p0, p1 := net.Pipe()
	defer p0.Close()
	conn, err := NewConn(p1, secrets)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	go conn.WriteFrame([]byte("abc"))

	hdr := make([]byte, 2)
	if _, err := p0.Read(hdr); err != nil {
		t.Fatal(err)
	}
	n := binary.BigEndian.Uint16(hdr)
	if n != 16 { // 3 bytes pad to one AES block
		t.Fatalf("prefix %d, want 16", n)
	}
	body := make([]byte, n)
	if _, err := p0.Read(body); err != nil {
		t.Fatal(err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	server, device := newTestPair(t)
	if err := server.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := server.WriteFrame([]byte("x")); err != ErrClosed {
		t.Fatalf("write after close: %v, want %v", err, ErrClosed)
	}
	if _, err := server.ReadFrame(); err != ErrClosed {
		t.Fatalf("read after close: %v, want %v", err, ErrClosed)
	}
	device.Close()
}

func TestSecretsLayout(t *testing.T) {
	raw := make([]byte, SecretsSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	s, err := SecretsFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s.Key(), raw[0:16]) {
		t.Fatal("key slice wrong")
	}
	if !bytes.Equal(s.IVSend(), raw[16:32]) || !bytes.Equal(s.IVRecv(), raw[16:32]) {
		t.Fatal("iv slices wrong")
	}
	if !bytes.Equal(s.Salt(), raw[32:40]) {
		t.Fatal("salt slice wrong")
	}
	if _, err := SecretsFromBytes(raw[:39]); err == nil {
		t.Fatal("expected error for short material")
	}
}
