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

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/common"
)

// backendStub upgrades incoming connections, performs the login exchange
// and exposes the raw socket to the test.
type backendStub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newBackendStub(t *testing.T) *backendStub {
	t.Helper()
	stub := &backendStub{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		var hello envelope
		if err := conn.ReadJSON(&hello); err != nil {
			t.Errorf("reading login: %v", err)
			conn.Close()
			return
		}
		if topic, _ := hello.topic(); topic != "hello" {
			t.Errorf("login topic = %q, want hello", topic)
		}
		if err := conn.WriteJSON(envelope{"emit": {"ready"}}); err != nil {
			t.Errorf("acking login: %v", err)
			conn.Close()
			return
		}
		select {
		case stub.conns <- conn:
		default:
			conn.Close() // late reconnect during teardown
		}
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *backendStub) host() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *backendStub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never connected")
		return nil
	}
}

type commandRecorder struct {
	ch chan Command
}

func (r *commandRecorder) HandleCommand(cmd Command) (interface{}, error) {
	r.ch <- cmd
	return int32(1), nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestBridgeEmits(t *testing.T) {
	stub := newBackendStub(t)
	bridge := NewBridge(stub.host(), "gw-test", "sekrit", nil, nil, testLogger())
	bridge.Start()
	defer bridge.Close()

	conn := stub.accept(t)
	defer conn.Close()

	id, err := common.HexToDeviceID("0102030405060708090a0b0c")
	if err != nil {
		t.Fatalf("HexToDeviceID: %v", err)
	}
	if err := bridge.LinkDevice(id, "claim-42", 6); err != nil {
		t.Fatalf("LinkDevice: %v", err)
	}
	var env envelope
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading link emit: %v", err)
	}
	topic, payload := env.topic()
	if topic != "link" {
		t.Fatalf("topic = %q, want link", topic)
	}
	fields, ok := payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if got := fields["deviceId"]; got != "0102030405060708090a0b0c" {
		t.Errorf("deviceId = %v", got)
	}
	if got := fields["claimCode"]; got != "claim-42" {
		t.Errorf("claimCode = %v", got)
	}
	if got := fields["productId"]; got != float64(6) {
		t.Errorf("productId = %v", got)
	}

	if err := bridge.PublishEvent(id, "temperature", []byte("21.5")); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading event emit: %v", err)
	}
	if topic, _ := env.topic(); topic != "event" {
		t.Fatalf("topic = %q, want event", topic)
	}
}

func TestBridgeCommands(t *testing.T) {
	stub := newBackendStub(t)
	rec := &commandRecorder{ch: make(chan Command, 1)}
	bridge := NewBridge(stub.host(), "gw-test", "sekrit", rec, nil, testLogger())
	bridge.Start()
	defer bridge.Close()

	conn := stub.accept(t)
	defer conn.Close()

	down := envelope{"emit": {"command", map[string]interface{}{
		"id":       7,
		"deviceId": "0102030405060708090a0b0c",
		"action":   "callFunction",
		"name":     "led",
		"args":     "on,5",
	}}}
	if err := conn.WriteJSON(down); err != nil {
		t.Fatalf("pushing command: %v", err)
	}
	select {
	case cmd := <-rec.ch:
		if cmd.Action != "callFunction" || cmd.Name != "led" || cmd.Args != "on,5" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
		wantID, err := common.HexToDeviceID("0102030405060708090a0b0c")
		if err != nil {
			t.Fatalf("HexToDeviceID: %v", err)
		}
		if cmd.Device != wantID {
			t.Fatalf("device = %v", cmd.Device)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command never dispatched")
	}

	// The handler's return value comes back as a result emit.
	var env envelope
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading result emit: %v", err)
	}
	topic, payload := env.topic()
	if topic != "result" {
		t.Fatalf("topic = %q, want result", topic)
	}
	fields := payload.(map[string]interface{})
	if fields["id"] != float64(7) || fields["ok"] != true || fields["result"] != float64(1) {
		t.Fatalf("result payload = %v", fields)
	}
}

func TestBridgeBacklog(t *testing.T) {
	// No server: sends queue up until the buffer is full, then error.
	bridge := NewBridge("127.0.0.1:1", "gw-test", "", nil, nil, testLogger())
	id := common.DeviceID{1}
	for i := 0; i < sendBacklog; i++ {
		if err := bridge.PublishEvent(id, "e", nil); err != nil {
			t.Fatalf("send %d rejected early: %v", i, err)
		}
	}
	if err := bridge.PublishEvent(id, "e", nil); err != ErrBacklogged {
		t.Fatalf("overflow error = %v, want ErrBacklogged", err)
	}
}
