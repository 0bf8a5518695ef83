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
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/coap"
	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
	"github.com/sparkgate/sparkgate/devdb"
	"github.com/sparkgate/sparkgate/event"
	"github.com/sparkgate/sparkgate/gateway/coapx"
)

const (
	raiseHandTimeout = 30 * time.Second

	// eventNameMax caps an event name after the e/ or E/ prefix.
	eventNameMax = 63

	// internalPrefix marks events the gateway consumes instead of
	// republishing.
	internalPrefix = "spark/"

	opBacklog       = 16
	frameBacklog    = 8
	deliveryBacklog = 32
)

// State tracks a session through its lifecycle.
type State uint8

const (
	StateHandshaking State = iota
	StateReady
	StateFlashing
	StateDisconnected
)

func (st State) String() string {
	switch st {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFlashing:
		return "flashing"
	case StateDisconnected:
		return "disconnected"
	}
	return "invalid"
}

// reply carries a device answer, or the error that preempted it, to the
// goroutine awaiting a token.
type reply struct {
	msg *coap.Message
	err error
}

type pendingReply struct {
	ch chan reply
}

// Session is the per-device actor. It owns the encrypted connection and
// every piece of protocol state: counters, the outstanding-token table,
// cached introspection and the exclusive-ownership slot. All of that state
// is confined to the run loop; concurrent callers enter through channels.
type Session struct {
	id    common.DeviceID
	conn  *coapx.Conn
	cfg   Config
	log   *logrus.Entry
	hello coap.HelloPayload

	// ownerID scopes user-filtered subscriptions. Injected from the
	// attribute store at setup, empty when the device is unclaimed.
	ownerID string

	// Actor-confined state. Only the run loop touches these.
	sendCounter uint32
	recvCounter uint32
	sendToken   uint8
	pending     map[uint8]*pendingReply
	desc        *Description
	owner       *Flasher
	subs        []event.Subscription

	connectedAt time.Time
	lastHeard   atomic.Int64 // unix nanos
	lastPing    atomic.Int64

	state  atomic.Uint32
	reason DisconnectReason // valid once closed is closed

	frames     chan *coap.Message
	ops        chan func()
	deliveries chan event.Record
	readErrCh  chan error
	fatalCh    chan DisconnectReason
	disc       chan DisconnectReason
	closed     chan struct{}
}

// NewSession completes the Hello exchange on an authenticated connection
// and returns the session, ready for Run. cfg.Store must be set; owner is
// the claiming user's id, empty for unclaimed devices.
func NewSession(conn *coapx.Conn, id common.DeviceID, owner string, cfg Config) (*Session, error) {
	cfg = cfg.sanitized()
	if cfg.Store == nil {
		return nil, errors.New("gateway: session needs a device store")
	}
	s := &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		log:        cfg.Log.WithField("id", id),
		ownerID:    owner,
		pending:    make(map[uint8]*pendingReply),
		frames:     make(chan *coap.Message, frameBacklog),
		ops:        make(chan func(), opBacklog),
		deliveries: make(chan event.Record, deliveryBacklog),
		readErrCh:  make(chan error, 1),
		fatalCh:    make(chan DisconnectReason, 1),
		disc:       make(chan DisconnectReason),
		closed:     make(chan struct{}),
	}
	s.state.Store(uint32(StateHandshaking))
	if err := s.completeHello(); err != nil {
		return nil, err
	}
	s.state.Store(uint32(StateReady))
	return s, nil
}

// completeHello reads the device's Hello, seeds both counters and answers
// with the gateway's own Hello. The device Hello's message id becomes the
// initial receive counter; the send counter starts at a random point.
func (s *Session) completeHello() error {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	frame, err := s.conn.ReadFrame()
	if err != nil {
		return err
	}
	s.conn.SetReadDeadline(time.Time{})
	msg, err := coap.Unmarshal(frame)
	if err != nil {
		return protocolErrorf("bad hello frame: %v", err)
	}
	if kind := coap.KindOf(msg); kind != coap.Hello {
		return protocolErrorf("expected Hello, got %s", kind)
	}
	s.hello = coap.UnmarshalHello(msg.Payload)
	s.recvCounter = uint32(msg.ID) % s.cfg.CounterMax

	seed, err := crypto.RandUint16()
	if err != nil {
		return err
	}
	s.sendCounter = uint32(seed) % s.cfg.CounterMax

	now := time.Now()
	s.connectedAt = now
	s.lastHeard.Store(now.UnixNano())
	s.lastPing.Store(now.UnixNano())
	return s.write(coap.New(coap.Hello, s.nextSendCounter()))
}

// Run drives the session until it disconnects. It blocks; the server calls
// it on a dedicated goroutine.
func (s *Session) Run() {
	s.log.WithFields(logrus.Fields{
		"addr":     s.conn.RemoteAddr(),
		"product":  s.hello.ProductID,
		"firmware": s.hello.FirmwareVersion,
	}).Info("device online")
	s.cfg.Broker.Publish(event.Record{
		Name:     "spark/status",
		Data:     []byte("online"),
		DeviceID: s.id,
		UserID:   s.ownerID,
	})

	go s.readLoop()
	for {
		select {
		case msg := <-s.frames:
			s.handleFrame(msg)
		case op := <-s.ops:
			op()
		case rec := <-s.deliveries:
			s.sendEvent(rec)
		case err := <-s.readErrCh:
			s.teardown(reasonForError(err), err)
			return
		case reason := <-s.fatalCh:
			s.teardown(reason, nil)
			return
		case reason := <-s.disc:
			s.teardown(reason, nil)
			return
		}
	}
}

func reasonForError(err error) DisconnectReason {
	var ce *coapx.CryptoError
	var pe *ProtocolError
	switch {
	case errors.As(err, &ce):
		return ReasonCryptoError
	case errors.As(err, &pe):
		return ReasonBadMessage
	default:
		return ReasonIOError
	}
}

// teardown runs exactly once, on the run goroutine. Order matters: waiters
// are cut loose before the socket dies so they see ErrDisconnected rather
// than trailing I/O errors.
func (s *Session) teardown(reason DisconnectReason, cause error) {
	s.reason = reason
	s.state.Store(uint32(StateDisconnected))
	close(s.closed)
	for tok, p := range s.pending {
		delete(s.pending, tok)
		p.ch <- reply{err: ErrDisconnected}
	}
	s.owner = nil
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.conn.Close()
	s.cfg.Broker.Publish(event.Record{
		Name:     "spark/status",
		Data:     []byte("offline"),
		DeviceID: s.id,
		UserID:   s.ownerID,
	})
	disconnectsTotal.WithLabelValues(reason.String()).Inc()
	lg := s.log.WithField("reason", reason.String())
	if cause != nil {
		lg = lg.WithError(cause)
	}
	lg.Info("device offline")
}

func (s *Session) readLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout))
		frame, err := s.conn.ReadFrame()
		if err == nil {
			var msg *coap.Message
			if msg, err = coap.Unmarshal(frame); err != nil {
				err = protocolErrorf("unparseable frame: %v", err)
			} else {
				s.lastHeard.Store(time.Now().UnixNano())
				select {
				case s.frames <- msg:
					continue
				case <-s.closed:
					return
				}
			}
		}
		select {
		case s.readErrCh <- err:
		case <-s.closed:
		}
		return
	}
}

// Disconnect asks the session to tear down. It returns immediately and is a
// no-op once the session has ended.
func (s *Session) Disconnect(reason DisconnectReason) {
	select {
	case s.disc <- reason:
	case <-s.closed:
	}
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Reason reports why the session ended. Valid after Done is closed.
func (s *Session) Reason() DisconnectReason { return s.reason }

// Alive reports whether the session is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *Session) ID() common.DeviceID  { return s.id }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Session) ProductID() uint16    { return s.hello.ProductID }
func (s *Session) Firmware() uint16     { return s.hello.FirmwareVersion }
func (s *Session) PlatformID() uint16   { return s.hello.PlatformID }
func (s *Session) Owner() string        { return s.ownerID }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// LastHeard is the arrival time of the most recent frame.
func (s *Session) LastHeard() time.Time {
	return time.Unix(0, s.lastHeard.Load())
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// fatal schedules a teardown from inside the run loop without unwinding the
// current handler.
func (s *Session) fatal(reason DisconnectReason) {
	select {
	case s.fatalCh <- reason:
	default:
	}
}

// post queues work for the run loop. It reports false once the session is
// torn down; the op never runs then.
func (s *Session) post(op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.closed:
		return false
	}
}

// call runs op on the run loop and waits for it to finish.
func (s *Session) call(op func()) error {
	done := make(chan struct{})
	if !s.post(func() { op(); close(done) }) {
		return ErrDisconnected
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		return ErrDisconnected
	}
}

// Counter and token bookkeeping. Run-loop only.

func (s *Session) nextSendCounter() uint16 {
	s.sendCounter = (s.sendCounter + 1) % s.cfg.CounterMax
	return uint16(s.sendCounter)
}

func (s *Session) nextRecvCounter() uint16 {
	s.recvCounter = (s.recvCounter + 1) % s.cfg.CounterMax
	return uint16(s.recvCounter)
}

// nextToken returns the next token value not currently awaiting a reply.
func (s *Session) nextToken() (uint8, bool) {
	for i := 0; i < 256; i++ {
		s.sendToken++
		if _, busy := s.pending[s.sendToken]; !busy {
			return s.sendToken, true
		}
	}
	return 0, false
}

func (s *Session) write(msg *coap.Message) error {
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		return err
	}
	messagesTotal.WithLabelValues("out").Inc()
	if s.cfg.VerboseDeviceLogs {
		s.log.WithFields(logrus.Fields{
			"msgid": msg.ID,
			"code":  msg.Code.String(),
			"uri":   msg.URIPath(),
		}).Trace("frame out")
	}
	return nil
}

// send writes a frame and treats failure as fatal. Replies and event
// deliveries use it; requests surface the error to their caller instead.
func (s *Session) send(msg *coap.Message) {
	if err := s.write(msg); err != nil {
		s.log.WithError(err).Debug("write failed")
		s.fatal(ReasonIOError)
	}
}

// postReply queues a reply frame onto the run loop from outside it.
func (s *Session) postReply(msg *coap.Message) {
	s.post(func() { s.send(msg) })
}

// Inbound routing.

func (s *Session) handleFrame(msg *coap.Message) {
	messagesTotal.WithLabelValues("in").Inc()
	if s.cfg.VerboseDeviceLogs {
		s.log.WithFields(logrus.Fields{
			"msgid": msg.ID,
			"code":  msg.Code.String(),
			"uri":   msg.URIPath(),
		}).Trace("frame in")
	}
	if msg.IsAck() {
		s.handleReply(msg)
		return
	}
	kind := coap.KindOf(msg)
	if kind == coap.Ping {
		// Empty confirmable frames are keepalives: echo the id, skip the
		// counter.
		s.lastPing.Store(time.Now().UnixNano())
		s.send(coap.Reply(coap.PingAck, msg))
		return
	}
	if want := s.nextRecvCounter(); msg.ID != want {
		s.log.WithFields(logrus.Fields{"got": msg.ID, "want": want}).Warn("message counter mismatch")
		s.fatal(ReasonBadCounter)
		return
	}
	switch kind {
	case coap.PublicEvent:
		s.handleEvent(msg, true)
	case coap.PrivateEvent:
		s.handleEvent(msg, false)
	case coap.Subscribe:
		s.handleSubscribe(msg)
	case coap.GetTime:
		s.handleGetTime(msg)
	case coap.Hello:
		// A Hello inside a live session means the device restarted its
		// protocol without restarting the connection.
		s.log.Warn("unexpected re-hello")
		s.fatal(ReasonBadMessage)
	case coap.UpdateBegin, coap.UpdateDone, coap.Chunk:
		// OTA is gateway-driven; refuse the device's attempt to push.
		s.send(coap.Reply(coap.UpdateAbort, msg))
	case coap.Ignored:
		s.log.WithField("uri", msg.URIPath()).Warn("unroutable message")
		s.fatal(ReasonBadMessage)
	default:
		s.log.WithField("kind", kind.String()).Debug("dropping unexpected message")
	}
}

// handleReply resolves an acknowledgement against the outstanding-token
// table. Unmatched acks count as liveness, nothing more.
func (s *Session) handleReply(msg *coap.Message) {
	if len(msg.Token) == 1 {
		if p, ok := s.pending[msg.Token[0]]; ok {
			delete(s.pending, msg.Token[0])
			p.ch <- reply{msg: msg}
			return
		}
	}
	s.lastPing.Store(time.Now().UnixNano())
}

func (s *Session) handleEvent(msg *coap.Message, public bool) {
	name := eventName(msg.URIPath())
	if strings.HasPrefix(name, internalPrefix) {
		s.handleInternalEvent(name, msg)
		return
	}
	ttl := uint32(event.DefaultTTL)
	if v, ok := msg.MaxAge(); ok {
		ttl = v
	}
	var data []byte
	if len(msg.Payload) > 0 {
		data = msg.Payload
	}
	rec := event.Record{
		Name:        name,
		Data:        data,
		TTL:         ttl,
		Public:      public,
		PublishedAt: time.Now(),
		DeviceID:    s.id,
		UserID:      s.ownerID,
	}
	if !s.cfg.Broker.Publish(rec) {
		eventsTotal.WithLabelValues("refused").Inc()
		s.send(coap.Reply(coap.EventSlowdown, msg))
		return
	}
	if public {
		eventsTotal.WithLabelValues("public").Inc()
	} else {
		eventsTotal.WithLabelValues("private").Inc()
	}
	if msg.Confirmable() {
		s.send(coap.Reply(coap.EventAck, msg))
	}
}

// handleInternalEvent consumes spark/-prefixed events. They are never
// republished; confirmable ones are still acknowledged.
func (s *Session) handleInternalEvent(name string, msg *coap.Message) {
	eventsTotal.WithLabelValues("internal").Inc()
	data := msg.Payload
	switch name {
	case "spark/device/claim/code":
		s.recordClaimCode(string(data))
	case "spark/device/system/version":
		if _, err := s.cfg.Store.SetAttribute(s.id, devdb.AttrSystemVersion, string(data)); err != nil {
			s.log.WithError(err).Error("recording system version")
		}
	case "spark/device/safemode":
		s.log.Warn("device entered safe mode")
		go s.reportSafeMode(data)
	default:
		s.log.WithField("event", name).Debug("internal event dropped")
	}
	if msg.Confirmable() {
		s.send(coap.Reply(coap.EventAck, msg))
	}
}

// recordClaimCode persists a new claim code and tells the backend to link
// the device to its user.
func (s *Session) recordClaimCode(code string) {
	if code == "" {
		return
	}
	prev := ""
	if attrs, err := s.cfg.Store.Attributes(s.id); err == nil {
		prev = attrs.ClaimCode
	} else if !errors.Is(err, devdb.ErrNotFound) {
		s.log.WithError(err).Error("loading attributes")
		return
	}
	if code == prev {
		return
	}
	if _, err := s.cfg.Store.SetAttribute(s.id, devdb.AttrClaimCode, code); err != nil {
		s.log.WithError(err).Error("recording claim code")
		return
	}
	if err := s.cfg.API.LinkDevice(s.id, code, s.hello.ProductID); err != nil {
		s.log.WithError(err).Warn("linking device")
	}
}

// reportSafeMode runs off the actor: it describes the device and forwards
// the result upstream.
func (s *Session) reportSafeMode(raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	payload := raw
	if desc, err := s.Describe(ctx); err == nil {
		if blob, err := json.Marshal(desc); err == nil {
			payload = blob
		}
	}
	if err := s.cfg.API.SafeMode(s.id, payload); err != nil {
		s.log.WithError(err).Warn("safe mode report")
	}
}

func (s *Session) handleSubscribe(msg *coap.Message) {
	name := eventName(msg.URIPath())
	if name == "" {
		s.send(coap.Reply(coap.SubscribeFail, msg))
		return
	}
	filter := event.Filter{Prefix: name}
	if msg.HasQuery("u") {
		filter.UserID = s.ownerID
	}
	if len(msg.Payload) == common.DeviceIDLength {
		filter.Device = common.BytesToDeviceID(msg.Payload)
	}
	s.send(coap.Reply(coap.SubscribeAck, msg))
	sub := s.cfg.Broker.Subscribe(filter, deliveryBacklog)
	s.subs = append(s.subs, sub)
	go s.forwardEvents(sub)
	s.log.WithField("prefix", name).Debug("device subscribed")
}

// forwardEvents moves one subscription's records into the run loop.
func (s *Session) forwardEvents(sub event.Subscription) {
	for {
		select {
		case rec, ok := <-sub.Chan():
			if !ok {
				return
			}
			select {
			case s.deliveries <- rec:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}

// sendEvent delivers a subscribed event down to the device. Deliveries are
// dropped while the flasher owns the stream.
func (s *Session) sendEvent(rec event.Record) {
	if s.owner != nil {
		s.log.WithField("event", rec.Name).Debug("dropping delivery during flash")
		return
	}
	name := rec.Name
	if s.ownerID != "" {
		name = strings.TrimPrefix(name, s.ownerID+"/")
	}
	kind := coap.PrivateEvent
	if rec.Public {
		kind = coap.PublicEvent
	}
	msg := coap.New(kind, s.nextSendCounter(), name)
	msg.SetMaxAge(rec.TTL)
	if !rec.PublishedAt.IsZero() {
		msg.SetTimestamp(uint32(rec.PublishedAt.Unix()))
	}
	if len(rec.Data) > 0 {
		msg.Payload = rec.Data
	}
	s.send(msg)
}

func (s *Session) handleGetTime(msg *coap.Message) {
	out := coap.Reply(coap.GetTimeReturn, msg)
	out.Payload, _ = coap.EncodeValue(uint32(time.Now().UTC().Unix()))
	s.send(out)
}

// eventName extracts the event name from a /e/... or /E/... path, capped at
// 63 bytes.
func eventName(path string) string {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	} else {
		p = ""
	}
	if len(p) > eventNameMax {
		p = p[:eventNameMax]
	}
	return p
}

// Outbound requests.

// transact sends a request built on the run loop and waits for the reply
// matched by its token. as marks the flasher when it is the writer; other
// callers pass nil and are rejected while the session is owned.
func (s *Session) transact(ctx context.Context, as *Flasher, op string, timeout time.Duration, build func(id uint16) *coap.Message) (*coap.Message, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	var (
		tok  uint8
		ch   chan reply
		oerr error
	)
	err := s.call(func() {
		if s.owner != nil && s.owner != as {
			oerr = &OwnershipError{Op: op}
			return
		}
		t, free := s.nextToken()
		if !free {
			oerr = protocolErrorf("no free tokens")
			return
		}
		msg := build(s.nextSendCounter())
		msg.Token = []byte{t}
		if werr := s.write(msg); werr != nil {
			s.fatal(ReasonIOError)
			oerr = werr
			return
		}
		p := &pendingReply{ch: make(chan reply, 1)}
		tok, ch = t, p.ch
		s.pending[t] = p
	})
	if err != nil {
		return nil, err
	}
	if oerr != nil {
		return nil, oerr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, nil
	case <-timer.C:
		s.cancelToken(tok, ch)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.cancelToken(tok, ch)
		return nil, ctx.Err()
	}
}

// cancelToken releases a token whose waiter gave up.
func (s *Session) cancelToken(tok uint8, ch chan reply) {
	s.post(func() {
		if p, ok := s.pending[tok]; ok && p.ch == ch {
			delete(s.pending, tok)
		}
	})
}

// sendRequest sends a counter-stamped request that expects no tokened
// reply.
func (s *Session) sendRequest(as *Flasher, op string, build func(id uint16) *coap.Message) error {
	var oerr error
	err := s.call(func() {
		if s.owner != nil && s.owner != as {
			oerr = &OwnershipError{Op: op}
			return
		}
		if werr := s.write(build(s.nextSendCounter())); werr != nil {
			s.fatal(ReasonIOError)
			oerr = werr
		}
	})
	if err != nil {
		return err
	}
	return oerr
}

// Backend command surface. Every method may be called concurrently; each
// enters the run loop through transact or call.

// Describe returns the introspection summary, fetching it from the device
// on first use.
func (s *Session) Describe(ctx context.Context) (*DeviceDescription, error) {
	d, err := s.description(ctx, nil)
	if err != nil {
		return nil, err
	}
	return summarize(s.id.Hex(), s.hello, d), nil
}

// description returns cached introspection or runs a Describe exchange.
func (s *Session) description(ctx context.Context, as *Flasher) (*Description, error) {
	var cached *Description
	if err := s.call(func() { cached = s.desc }); err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	msg, err := s.transact(ctx, as, "describe", 0, func(id uint16) *coap.Message {
		return coap.New(coap.Describe, id)
	})
	if err != nil {
		return nil, err
	}
	if msg.Code.Class() >= 4 {
		return nil, introspectionErrorf("device refused describe: %s", msg.Code)
	}
	d, err := parseDescription(msg.Payload)
	if err != nil {
		return nil, err
	}
	s.call(func() { s.desc = d })
	return d, nil
}

// GetVariable reads a device variable. The value is decoded per the cached
// introspection type, defaulting to string; the raw payload is returned
// alongside.
func (s *Session) GetVariable(ctx context.Context, name string) (interface{}, []byte, error) {
	return s.variableRequest(ctx, name, nil)
}

// SetVariable writes a device variable and returns the device's echo. The
// wire shape is the same VariableRequest the reads use, with the encoded
// value as payload.
func (s *Session) SetVariable(ctx context.Context, name string, value interface{}) (interface{}, []byte, error) {
	payload, err := coap.EncodeValue(value)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		payload = []byte{}
	}
	return s.variableRequest(ctx, name, payload)
}

func (s *Session) variableRequest(ctx context.Context, name string, payload []byte) (interface{}, []byte, error) {
	typ := "string"
	var cached *Description
	if err := s.call(func() { cached = s.desc }); err != nil {
		return nil, nil, err
	}
	if cached != nil {
		typ = cached.VariableType(name)
	}
	msg, err := s.transact(ctx, nil, "variable", 0, func(id uint16) *coap.Message {
		m := coap.New(coap.VariableRequest, id, name)
		if payload != nil {
			m.Payload = payload
		}
		return m
	})
	if err != nil {
		return nil, nil, err
	}
	if msg.Code.Class() >= 4 {
		return nil, msg.Payload, introspectionErrorf("variable %s: device replied %s", name, msg.Code)
	}
	value, err := coap.DecodeValue(typ, msg.Payload)
	if err != nil {
		return nil, msg.Payload, err
	}
	return value, msg.Payload, nil
}

// CallFunction invokes a device function and returns its int32 result. The
// argument string is comma-separated; it is checked and encoded against the
// function's introspected signature.
func (s *Session) CallFunction(ctx context.Context, name, args string) (int32, error) {
	d, err := s.description(ctx, nil)
	if err != nil {
		return 0, err
	}
	fn := d.Function(name)
	if fn == nil {
		return 0, introspectionErrorf("Unknown Function: %s", name)
	}
	queries, err := encodeFunctionArgs(fn, args)
	if err != nil {
		return 0, err
	}
	msg, err := s.transact(ctx, nil, "call function", 0, func(id uint16) *coap.Message {
		m := coap.New(coap.FunctionCall, id, name)
		m.SetURIQuery(queries...)
		return m
	})
	if err != nil {
		return 0, err
	}
	if msg.Code.Class() >= 4 {
		return 0, introspectionErrorf("function %s: device replied %s", name, msg.Code)
	}
	value, err := coap.DecodeValue("int32", msg.Payload)
	if err != nil {
		return 0, err
	}
	return value.(int32), nil
}

// RaiseHand asks the device to visually identify itself. A device that does
// not answer within 30 seconds yields (false, nil).
func (s *Session) RaiseHand(ctx context.Context, signal bool) (bool, error) {
	flag := "v=0"
	if signal {
		flag = "v=1"
	}
	_, err := s.transact(ctx, nil, "raise hand", raiseHandTimeout, func(id uint16) *coap.Message {
		m := coap.New(coap.RaiseYourHand, id)
		m.SetURIQuery(flag)
		return m
	})
	if errors.Is(err, ErrTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SignalStart toggles the device's shouting-rainbows signal. Fire and
// forget; the ack comes back as liveness.
func (s *Session) SignalStart(ctx context.Context, on bool) error {
	b := byte(0)
	if on {
		b = 1
	}
	return s.sendRequest(nil, "signal", func(id uint16) *coap.Message {
		m := coap.New(coap.SignalStart, id)
		m.Payload = []byte{b}
		return m
	})
}

// Ping reports the device's last keepalive and whether the session is
// still up. It never touches the wire, so it works during a flash.
func (s *Session) Ping() (time.Time, bool) {
	return time.Unix(0, s.lastPing.Load()), s.Alive()
}

// Flash drives an over-the-air update with the given image. It blocks
// until the transfer finishes and holds exclusive ownership of the
// outbound stream throughout.
func (s *Session) Flash(ctx context.Context, image []byte) error {
	f, err := newFlasher(s, image)
	if err != nil {
		s.finishFlash(err)
		return err
	}
	if err := s.takeOwnership(f); err != nil {
		return err
	}
	err = f.run(ctx)
	s.releaseOwnership(f)
	s.finishFlash(err)
	return err
}

// FlashKnown flashes a named image from the firmware store.
func (s *Session) FlashKnown(ctx context.Context, app string) error {
	if s.cfg.Firmware == nil {
		err := flashErrorf("no firmware store configured")
		s.finishFlash(err)
		return err
	}
	image, err := s.cfg.Firmware.Binary(app)
	if err != nil {
		ferr := flashErrorf("app %s: %v", app, err)
		s.finishFlash(ferr)
		return ferr
	}
	return s.Flash(ctx, image)
}

// finishFlash emits the flash outcome: an internal status event and an
// update event for the backend.
func (s *Session) finishFlash(cause error) {
	status, message := "success", "Update done"
	if cause != nil {
		status, message = "failed", "Update failed"
	}
	flashesTotal.WithLabelValues(status).Inc()
	s.cfg.Broker.Publish(event.Record{
		Name:     "spark/flash/status",
		Data:     []byte(status),
		DeviceID: s.id,
		UserID:   s.ownerID,
	})
	if err := s.cfg.API.PublishEvent(s.id, "Update", []byte(message)); err != nil {
		s.log.WithError(err).Debug("update event not delivered")
	}
	lg := s.log.WithField("status", status)
	if cause != nil {
		lg = lg.WithError(cause)
	}
	lg.Info("firmware update finished")
}

// takeOwnership hands the outbound stream to the flasher. It fails when
// another flash is already running.
func (s *Session) takeOwnership(f *Flasher) error {
	var oerr error
	err := s.call(func() {
		if s.owner != nil {
			oerr = &OwnershipError{Op: "flash"}
			return
		}
		s.owner = f
		s.state.Store(uint32(StateFlashing))
	})
	if err != nil {
		return err
	}
	return oerr
}

// releaseOwnership returns the stream; a no-op unless f is the owner.
func (s *Session) releaseOwnership(f *Flasher) {
	s.call(func() {
		if s.owner == f {
			s.owner = nil
			s.state.Store(uint32(StateReady))
		}
	})
}

