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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/common"
)

const (
	// fullReportInterval is how often the bridge pushes gateway stats
	// upstream while connected.
	fullReportInterval = 15 * time.Second

	// reconnectDelay spaces out redial attempts after a failure.
	reconnectDelay = 10 * time.Second

	// sendBacklog bounds outbound messages buffered while the socket is
	// slow. Beyond it, telemetry is dropped rather than blocking sessions.
	sendBacklog = 256
)

// ErrBacklogged is returned when the outbound buffer is full or the bridge
// is stopped. Callers treat it as dropped telemetry.
var ErrBacklogged = errors.New("api: bridge backlogged")

// Command is a request the backend pushes down to the gateway. ID
// correlates the eventual result emit with the request.
type Command struct {
	ID     uint64          `json:"id"`
	Device common.DeviceID `json:"deviceId"`
	Action string          `json:"action"` // "describe", "getVar", "callFunction", "flash", ...
	Name   string          `json:"name,omitempty"`
	Args   string          `json:"args,omitempty"`
	Data   []byte          `json:"data,omitempty"`
}

// CommandHandler executes backend commands. The bridge runs each command
// on its own goroutine, so handlers may block (a flash takes a while); the
// returned value is serialized into the result emit.
type CommandHandler interface {
	HandleCommand(cmd Command) (interface{}, error)
}

// HandlerFunc adapts a plain function to the CommandHandler interface.
type HandlerFunc func(cmd Command) (interface{}, error)

func (f HandlerFunc) HandleCommand(cmd Command) (interface{}, error) { return f(cmd) }

// Bridge implements Client over a websocket to the backend, reconnecting
// forever until stopped. Messages ride in socket.io style envelopes:
//
//	{"emit": ["<topic>", <payload>]}
type Bridge struct {
	host    string // backend address, without scheme
	name    string // gateway name announced at login
	secret  string
	handler CommandHandler
	peers   func() int // connected device count for stats reports, may be nil
	log     *logrus.Entry

	sendCh chan envelope
	quit   chan struct{}
	wg     sync.WaitGroup
}

type envelope map[string][]interface{}

func emit(topic string, payload interface{}) envelope {
	return envelope{"emit": {topic, payload}}
}

// NewBridge creates a bridge to host ("host:port" or a ws:// / wss:// URL).
// handler may be nil if the backend never pushes commands.
func NewBridge(host, name, secret string, handler CommandHandler, peers func() int, log *logrus.Entry) *Bridge {
	return &Bridge{
		host:    host,
		name:    name,
		secret:  secret,
		handler: handler,
		peers:   peers,
		log:     log,
		sendCh:  make(chan envelope, sendBacklog),
		quit:    make(chan struct{}),
	}
}

// Start launches the connection loop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Close implements Client, stopping the loop and dropping the backlog.
func (b *Bridge) Close() error {
	close(b.quit)
	b.wg.Wait()
	return nil
}

func (b *Bridge) LinkDevice(id common.DeviceID, claimCode string, productID uint16) error {
	return b.send(emit("link", map[string]interface{}{
		"deviceId":  id,
		"claimCode": claimCode,
		"productId": productID,
	}))
}

func (b *Bridge) SafeMode(id common.DeviceID, payload []byte) error {
	return b.send(emit("safemode", map[string]interface{}{
		"deviceId": id,
		"payload":  payload,
	}))
}

func (b *Bridge) PublishEvent(id common.DeviceID, name string, data []byte) error {
	return b.send(emit("event", map[string]interface{}{
		"deviceId": id,
		"name":     name,
		"data":     data,
	}))
}

func (b *Bridge) send(env envelope) error {
	select {
	case b.sendCh <- env:
		return nil
	case <-b.quit:
		return ErrBacklogged
	default:
		return ErrBacklogged
	}
}

// loop keeps dialing the backend, logging in and pumping messages until
// the connection breaks, then starts over.
func (b *Bridge) loop() {
	defer b.wg.Done()
	for {
		conn, err := b.dial()
		if err != nil {
			b.log.WithError(err).Warn("backend unreachable")
			if !b.sleep(reconnectDelay) {
				return
			}
			continue
		}
		if err := b.login(conn); err != nil {
			b.log.WithError(err).Warn("backend login failed")
			conn.Close()
			if !b.sleep(reconnectDelay) {
				return
			}
			continue
		}
		b.log.Info("backend connected")

		if err := b.pump(conn); err != nil {
			b.log.WithError(err).Warn("backend connection lost")
		}
		conn.Close()
		select {
		case <-b.quit:
			return
		default:
		}
	}
}

func (b *Bridge) dial() (*connWrapper, error) {
	url := b.host
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newConnWrapper(conn), nil
}

// login announces the gateway and waits for the backend's ready ack.
func (b *Bridge) login(conn *connWrapper) error {
	auth := emit("hello", map[string]interface{}{
		"id":     b.name,
		"secret": b.secret,
	})
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}
	var ack envelope
	if err := conn.ReadJSON(&ack); err != nil {
		return err
	}
	if topic, _ := ack.topic(); topic != "ready" {
		return errors.New("unauthorized")
	}
	return nil
}

// pump drains the send backlog and periodic stats into the socket while a
// reader goroutine dispatches inbound commands. It returns when either
// direction fails or the bridge stops.
func (b *Bridge) pump(conn *connWrapper) error {
	readErr := make(chan error, 1)
	go b.readLoop(conn, readErr)

	report := time.NewTicker(fullReportInterval)
	defer report.Stop()

	for {
		select {
		case <-b.quit:
			conn.WriteJSON(emit("goodbye", map[string]string{"id": b.name}))
			return nil
		case err := <-readErr:
			return err
		case env := <-b.sendCh:
			if err := conn.WriteJSON(env); err != nil {
				return err
			}
		case <-report.C:
			if err := conn.WriteJSON(b.statsReport()); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) statsReport() envelope {
	devices := 0
	if b.peers != nil {
		devices = b.peers()
	}
	return emit("stats", map[string]interface{}{
		"id":      b.name,
		"devices": devices,
	})
}

// readLoop decodes inbound envelopes and hands commands to the handler.
// Unknown topics are logged and skipped.
func (b *Bridge) readLoop(conn *connWrapper, errCh chan<- error) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			errCh <- err
			return
		}
		topic, payload := env.topic()
		switch topic {
		case "command":
			if b.handler == nil {
				continue
			}
			var cmd Command
			if err := remarshal(payload, &cmd); err != nil {
				b.log.WithError(err).Warn("ignoring malformed backend command")
				continue
			}
			go b.runCommand(cmd)
		case "pong", "ready":
			// keepalive noise
		default:
			b.log.WithField("topic", topic).Debug("ignoring unknown backend message")
		}
	}
}

// runCommand executes one backend command and emits its result envelope.
func (b *Bridge) runCommand(cmd Command) {
	result, err := b.handler.HandleCommand(cmd)
	reply := map[string]interface{}{"id": cmd.ID, "ok": err == nil}
	if err != nil {
		reply["error"] = err.Error()
	} else if result != nil {
		reply["result"] = result
	}
	if err := b.send(emit("result", reply)); err != nil {
		b.log.WithField("cmd", cmd.Action).Warn("dropping command result")
	}
}

func (env envelope) topic() (string, interface{}) {
	parts := env["emit"]
	if len(parts) == 0 {
		return "", nil
	}
	topic, ok := parts[0].(string)
	if !ok {
		return "", nil
	}
	if len(parts) < 2 {
		return topic, nil
	}
	return topic, parts[1]
}

// connWrapper serializes websocket access. gorilla/websocket allows one
// concurrent reader and one concurrent writer; the pump and the read loop
// each stay on their own side, the locks keep it honest.
type connWrapper struct {
	conn  *websocket.Conn
	rlock sync.Mutex
	wlock sync.Mutex
}

func newConnWrapper(conn *websocket.Conn) *connWrapper {
	return &connWrapper{conn: conn}
}

func (w *connWrapper) WriteJSON(v interface{}) error {
	w.wlock.Lock()
	defer w.wlock.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *connWrapper) ReadJSON(v interface{}) error {
	w.rlock.Lock()
	defer w.rlock.Unlock()
	return w.conn.ReadJSON(v)
}

func (w *connWrapper) Close() error {
	return w.conn.Close()
}

func (b *Bridge) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-b.quit:
		return false
	}
}

func remarshal(payload interface{}, dst interface{}) error {
	if payload == nil {
		return fmt.Errorf("empty payload")
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(blob, dst)
}
