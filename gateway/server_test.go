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

package gateway

import (
	"crypto/rsa"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sparkgate/sparkgate/api"
	"github.com/sparkgate/sparkgate/coap"
	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
	"github.com/sparkgate/sparkgate/devdb"
	"github.com/sparkgate/sparkgate/gateway/coapx"
)

type serverRig struct {
	srv       *Server
	store     *devdb.LevelStore
	serverKey *rsa.PrivateKey
	deviceKey *rsa.PrivateKey
}

// newServerRig starts a listening server with testDeviceID provisioned.
func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	store, err := devdb.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	deviceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetDevicePublicKey(testDeviceID, &deviceKey.PublicKey); err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(Config{
		Key:            serverKey,
		Store:          store,
		ListenAddr:     "127.0.0.1:0",
		Log:            testLogger(),
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		srv.Stop()
		store.Close()
	})
	return &serverRig{srv: srv, store: store, serverKey: serverKey, deviceKey: deviceKey}
}

// dial connects a scripted device through the real handshake and Hello
// exchange.
func (rig *serverRig) dial(t *testing.T) *scriptDevice {
	t.Helper()
	fd, err := net.Dial("tcp", rig.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	fd.SetDeadline(time.Now().Add(waitTimeout))
	conn, err := coapx.Initiate(fd, testDeviceID, rig.deviceKey, &rig.serverKey.PublicKey)
	if err != nil {
		fd.Close()
		t.Fatalf("device handshake: %v", err)
	}
	conn.SetDeadline(time.Time{})
	dev := &scriptDevice{conn: conn, msgid: 0x4000}
	t.Cleanup(func() { conn.Close() })

	hello := coap.New(coap.Hello, dev.nextID())
	hello.Payload = (&coap.HelloPayload{ProductID: 6, FirmwareVersion: 42, PlatformID: 10}).Marshal()
	dev.send(t, hello)
	dev.expect(t, coap.Hello)
	return dev
}

func (rig *serverRig) waitSession(t *testing.T) *Session {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s := rig.srv.Session(testDeviceID); s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never registered")
	return nil
}

type cmdResult struct {
	res interface{}
	err error
}

func runCommand(rig *serverRig, cmd api.Command) chan cmdResult {
	ch := make(chan cmdResult, 1)
	go func() {
		res, err := rig.srv.HandleCommand(cmd)
		ch <- cmdResult{res, err}
	}()
	return ch
}

func TestServerLifecycle(t *testing.T) {
	rig := newServerRig(t)
	dev := rig.dial(t)
	s := rig.waitSession(t)

	if n := rig.srv.Count(); n != 1 {
		t.Fatalf("%d sessions, want 1", n)
	}
	if got := rig.srv.Sessions(); len(got) != 1 || got[0] != s {
		t.Fatalf("session list %v", got)
	}

	// ping answers straight from session state.
	res, err := rig.srv.HandleCommand(api.Command{Device: testDeviceID, Action: "ping"})
	if err != nil {
		t.Fatalf("ping command: %v", err)
	}
	if m := res.(map[string]interface{}); m["online"] != true {
		t.Errorf("ping result %v", m)
	}

	// describe goes to the device.
	resCh := runCommand(rig, api.Command{Device: testDeviceID, Action: "describe"})
	req := dev.expect(t, coap.Describe)
	ack := coap.Reply(coap.DescribeReturn, req)
	ack.Payload = []byte(`{"v":{"t":2},"f":["go"]}`)
	dev.send(t, ack)
	r := <-resCh
	if r.err != nil {
		t.Fatalf("describe command: %v", r.err)
	}
	desc := r.res.(*DeviceDescription)
	if desc.Variables["t"] != "int32" || len(desc.Functions) != 1 {
		t.Errorf("describe result %+v", desc)
	}

	// getVar decodes with the now-cached type.
	resCh = runCommand(rig, api.Command{Device: testDeviceID, Action: "getVar", Name: "t"})
	req = dev.expect(t, coap.VariableRequest)
	ack = coap.Reply(coap.VariableValue, req)
	ack.Payload = []byte{0x07, 0x00, 0x00, 0x00}
	dev.send(t, ack)
	r = <-resCh
	if r.err != nil {
		t.Fatalf("getVar command: %v", r.err)
	}
	if m := r.res.(map[string]interface{}); m["cmd"] != "VarReturn" || m["result"] != int32(7) {
		t.Errorf("getVar result %v", m)
	}

	// callFunction forwards the argument string.
	resCh = runCommand(rig, api.Command{Device: testDeviceID, Action: "callFunction", Name: "go", Args: "now"})
	req = dev.expect(t, coap.FunctionCall)
	if q := req.URIQuery(); len(q) != 1 || q[0] != "now" {
		t.Fatalf("function query %v", q)
	}
	ack = coap.Reply(coap.FunctionReturn, req)
	ack.Payload = []byte{0x01, 0x00, 0x00, 0x00}
	dev.send(t, ack)
	r = <-resCh
	if r.err != nil {
		t.Fatalf("callFunction command: %v", r.err)
	}
	if m := r.res.(map[string]interface{}); m["result"] != int32(1) {
		t.Errorf("callFunction result %v", m)
	}

	// signal is fire and forget.
	resCh = runCommand(rig, api.Command{Device: testDeviceID, Action: "signal", Args: "true"})
	sig := dev.expect(t, coap.SignalStart)
	if len(sig.Payload) != 1 || sig.Payload[0] != 1 {
		t.Errorf("signal payload %x", sig.Payload)
	}
	if r := <-resCh; r.err != nil {
		t.Fatalf("signal command: %v", r.err)
	}

	if _, err := rig.srv.HandleCommand(api.Command{Device: testDeviceID, Action: "selfdestruct"}); err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Errorf("unknown action error %v", err)
	}
}

func TestServerNotConnected(t *testing.T) {
	rig := newServerRig(t)

	other := common.BytesToDeviceID([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	if _, err := rig.srv.HandleCommand(api.Command{Device: other, Action: "ping"}); err != ErrNotConnected {
		t.Fatalf("command for absent device: %v, want ErrNotConnected", err)
	}
}

func TestServerSupersede(t *testing.T) {
	rig := newServerRig(t)

	rig.dial(t)
	first := rig.waitSession(t)

	// The same device reconnecting replaces its old session.
	dev2 := rig.dial(t)
	waitDone(t, first, ReasonSuperseded)

	deadline := time.Now().Add(waitTimeout)
	for {
		if s := rig.srv.Session(testDeviceID); s != nil && s != first {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replacement session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := rig.srv.Count(); n != 1 {
		t.Fatalf("%d sessions after supersede, want 1", n)
	}

	// The replacement is live.
	ping := &coap.Message{Type: coap.Confirmable, Code: coap.CodeEmpty, ID: 0x0505}
	dev2.send(t, ping)
	dev2.expectAck(t, 0x0505, coap.CodeEmpty)
}

func TestServerUnknownDevice(t *testing.T) {
	store, err := devdb.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	serverKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	deviceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(Config{
		Key:        serverKey,
		Store:      store, // nothing provisioned
		ListenAddr: "127.0.0.1:0",
		Log:        testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	fd, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()
	fd.SetDeadline(time.Now().Add(waitTimeout))
	if _, err := coapx.Initiate(fd, testDeviceID, deviceKey, &serverKey.PublicKey); err == nil {
		t.Fatal("handshake with unprovisioned device succeeded")
	}
	if n := srv.Count(); n != 0 {
		t.Fatalf("%d sessions, want 0", n)
	}
}

func TestServerStop(t *testing.T) {
	rig := newServerRig(t)
	rig.dial(t)
	s := rig.waitSession(t)

	rig.srv.Stop()
	waitDone(t, s, ReasonStopped)
	if n := rig.srv.Count(); n != 0 {
		t.Fatalf("%d sessions after stop", n)
	}
	if _, err := net.DialTimeout("tcp", rig.srv.Addr().String(), 250*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after stop")
	}
	// Second stop is a no-op.
	rig.srv.Stop()
}