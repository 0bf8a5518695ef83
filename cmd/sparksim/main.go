// Copyright 2023 The sparkgate Authors
// This file is part of sparkgate.
//
// sparkgate is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// sparkgate is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with sparkgate. If not, see <http://www.gnu.org/licenses/>.

// sparksim emulates a single device against a running gateway: it
// handshakes, answers describe, variable and function requests, accepts
// OTA updates and publishes events. Handy for smoke tests without
// hardware on the desk.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/sparkgate/sparkgate/coap"
	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
	"github.com/sparkgate/sparkgate/gateway/coapx"
)

// The simulator reports itself as a Photon-ish device.
const describeJSON = `{"v":{"temperature":9,"uptime":2,"greeting":4},` +
	`"f":["led",{"name":"calibrate","args":[["target","int32"]],"returns":"int32"}]}`

var (
	gatewayFlag = &cli.StringFlag{
		Name:  "gateway",
		Usage: "Gateway address",
		Value: "127.0.0.1:5683",
	}
	idFlag = &cli.StringFlag{
		Name:  "id",
		Usage: "Device id, 24 hex characters (random if omitted)",
	}
	keyFileFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "Device private key PEM (created if missing)",
		Value: "device_key.pem",
	}
	serverKeyFlag = &cli.StringFlag{
		Name:  "server-key",
		Usage: "Server public key PEM",
		Value: "gateway_pub.pem",
	}
	productFlag = &cli.UintFlag{
		Name:  "product",
		Usage: "Product id announced in the hello",
		Value: 6,
	}
	firmwareFlag = &cli.UintFlag{
		Name:  "fw",
		Usage: "Firmware version announced in the hello",
		Value: 65,
	}
	platformFlag = &cli.UintFlag{
		Name:  "platform",
		Usage: "Platform id announced in the hello",
		Value: 6,
	}
	publishFlag = &cli.StringFlag{
		Name:  "publish",
		Usage: "Event to publish periodically, as name=data",
		Value: "temperature=21.5",
	}
	publicFlag = &cli.BoolFlag{
		Name:  "public",
		Usage: "Publish into the public stream instead of the private one",
	}
	intervalFlag = &cli.DurationFlag{
		Name:  "interval",
		Usage: "Event publish interval (0 disables publishing)",
		Value: 30 * time.Second,
	}
	pingFlag = &cli.DurationFlag{
		Name:  "ping",
		Usage: "Keepalive ping interval",
		Value: 15 * time.Second,
	}
	otaOutFlag = &cli.StringFlag{
		Name:  "ota-out",
		Usage: "File OTA images are written to",
		Value: "received_firmware.bin",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging level: trace, debug, info, warn or error",
		Value: "debug",
	}
)

var app = cli.NewApp()

func init() {
	app.Name = "sparksim"
	app.Usage = "a simulated sparkgate device"
	app.Copyright = "Copyright 2023 The sparkgate Authors"
	app.Flags = []cli.Flag{
		gatewayFlag,
		idFlag,
		keyFileFlag,
		serverKeyFlag,
		productFlag,
		firmwareFlag,
		platformFlag,
		publishFlag,
		publicFlag,
		intervalFlag,
		pingFlag,
		otaOutFlag,
		verbosityFlag,
	}
	app.Action = runDevice
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// device is the simulated firmware state. Everything is owned by the main
// loop; the reader goroutine only moves frames into the frames channel.
type device struct {
	id      common.DeviceID
	conn    *coapx.Conn
	log     *logrus.Entry
	counter uint16 // id of the last request we sent
	started time.Time

	greeting string
	shouting bool // signal mode, devices shout rainbows
	ota      *otaTransfer

	timeToken byte
	otaOut    string
}

type otaTransfer struct {
	size      int
	chunkSize int
	data      []byte
}

func runDevice(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid verbosity %q", ctx.String(verbosityFlag.Name))
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	id, err := deviceID(ctx.String(idFlag.Name))
	if err != nil {
		return err
	}
	log := logrus.WithField("device", id)

	key, err := deviceKey(ctx.String(keyFileFlag.Name), log)
	if err != nil {
		return err
	}
	serverPEM, err := os.ReadFile(ctx.String(serverKeyFlag.Name))
	if err != nil {
		return fmt.Errorf("cannot read server key: %v", err)
	}
	serverPub, err := crypto.DecodePublicKeyPEM(serverPEM)
	if err != nil {
		return err
	}

	fd, err := net.Dial("tcp", ctx.String(gatewayFlag.Name))
	if err != nil {
		return err
	}
	defer fd.Close()
	conn, err := coapx.Initiate(fd, id, key, serverPub)
	if err != nil {
		return fmt.Errorf("handshake: %v (is the device provisioned?)", err)
	}
	log.WithField("gateway", fd.RemoteAddr()).Info("handshake complete")

	d := &device{
		id:       id,
		conn:     conn,
		log:      log,
		started:  time.Now(),
		greeting: "hello world",
		otaOut:   ctx.String(otaOutFlag.Name),
	}
	if err := d.sayHello(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.loop(sigCtx, loopConfig{
		publish:  ctx.String(publishFlag.Name),
		public:   ctx.Bool(publicFlag.Name),
		interval: ctx.Duration(intervalFlag.Name),
		ping:     ctx.Duration(pingFlag.Name),
	})
}

func deviceID(hexID string) (common.DeviceID, error) {
	if hexID != "" {
		return common.HexToDeviceID(hexID)
	}
	var raw [common.DeviceIDLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return common.DeviceID{}, err
	}
	id := common.BytesToDeviceID(raw[:])
	fmt.Printf("using random device id %s\n", id)
	return id, nil
}

// deviceKey loads the device key, minting one on first use and dropping
// the public half next to it for provisioning.
func deviceKey(path string, log *logrus.Entry) (*rsa.PrivateKey, error) {
	key, err := crypto.LoadPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SavePrivateKey(path, key); err != nil {
		return nil, err
	}
	pub, err := crypto.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	pubPath := strings.TrimSuffix(path, ".pem") + "_pub.pem"
	if err := os.WriteFile(pubPath, pub, 0644); err != nil {
		return nil, err
	}
	log.WithField("path", pubPath).Warn("generated a new device key, provision the public half with 'sparkgated provision'")
	return key, nil
}

// sayHello announces the device and waits for the gateway's hello. The
// hello's message id seeds the request counter on both ends.
func (d *device) sayHello(ctx *cli.Context) error {
	seed, err := crypto.RandUint16()
	if err != nil {
		return err
	}
	d.counter = seed

	hello := coap.New(coap.Hello, d.counter)
	payload := coap.HelloPayload{
		ProductID:       uint16(ctx.Uint(productFlag.Name)),
		FirmwareVersion: uint16(ctx.Uint(firmwareFlag.Name)),
		PlatformID:      uint16(ctx.Uint(platformFlag.Name)),
	}
	hello.Payload = payload.Marshal()
	if err := d.send(hello); err != nil {
		return err
	}

	d.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frame, err := d.conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("no hello from gateway: %v", err)
	}
	msg, err := coap.Unmarshal(frame)
	if err != nil {
		return err
	}
	if coap.KindOf(msg) != coap.Hello {
		return fmt.Errorf("expected a hello, got %s", coap.KindOf(msg))
	}
	d.log.Info("session established")
	return nil
}

type loopConfig struct {
	publish  string
	public   bool
	interval time.Duration
	ping     time.Duration
}

func (d *device) loop(ctx context.Context, cfg loopConfig) error {
	frames := make(chan *coap.Message, 4)
	readErr := make(chan error, 1)
	go d.readLoop(frames, readErr)

	pinger := time.NewTicker(cfg.ping)
	defer pinger.Stop()
	var publish <-chan time.Time
	if cfg.interval > 0 && cfg.publish != "" {
		ticker := time.NewTicker(cfg.interval)
		defer ticker.Stop()
		publish = ticker.C
	}

	// Ask for the time once at startup, like freshly booted firmware.
	if err := d.sendGetTime(); err != nil {
		return err
	}

	for {
		select {
		case msg := <-frames:
			if err := d.handle(msg); err != nil {
				return err
			}
		case <-pinger.C:
			if err := d.send(coap.New(coap.Ping, d.nextID())); err != nil {
				return err
			}
		case <-publish:
			if err := d.publishEvent(cfg.publish, cfg.public); err != nil {
				return err
			}
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway connection lost: %v", err)
		case <-ctx.Done():
			d.log.Info("shutting down")
			return d.conn.Close()
		}
	}
}

func (d *device) readLoop(frames chan<- *coap.Message, readErr chan<- error) {
	for {
		frame, err := d.conn.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		msg, err := coap.Unmarshal(frame)
		if err != nil {
			readErr <- err
			return
		}
		frames <- msg
	}
}

// nextID returns the message id for the next device-originated request.
// The gateway checks these are strictly sequential from the hello.
func (d *device) nextID() uint16 {
	d.counter++
	return d.counter
}

func (d *device) send(msg *coap.Message) error {
	frame, err := msg.Marshal()
	if err != nil {
		return err
	}
	return d.conn.WriteFrame(frame)
}

func (d *device) sendGetTime() error {
	d.timeToken = 0x01
	req := coap.New(coap.GetTime, d.nextID())
	req.Token = []byte{d.timeToken}
	return d.send(req)
}

func (d *device) publishEvent(spec string, public bool) error {
	name, data, _ := strings.Cut(spec, "=")
	kind := coap.PrivateEvent
	if public {
		kind = coap.PublicEvent
	}
	ev := coap.New(kind, d.nextID(), name)
	ev.Payload = []byte(data)
	ev.SetMaxAge(60)
	d.log.WithField("event", name).Debug("publishing")
	return d.send(ev)
}

func (d *device) handle(msg *coap.Message) error {
	if msg.IsAck() {
		d.handleAck(msg)
		return nil
	}
	switch kind := coap.KindOf(msg); kind {
	case coap.Ping:
		return d.send(coap.Reply(coap.PingAck, msg))

	case coap.Describe:
		out := coap.Reply(coap.DescribeReturn, msg)
		out.Payload = []byte(describeJSON)
		d.log.Debug("described ourselves")
		return d.send(out)

	case coap.VariableRequest:
		return d.handleVariable(msg)

	case coap.FunctionCall:
		return d.handleFunction(msg)

	case coap.UpdateBegin:
		return d.handleUpdateBegin(msg)

	case coap.Chunk:
		return d.handleChunk(msg)

	case coap.UpdateDone:
		return d.handleUpdateDone(msg)

	case coap.RaiseYourHand:
		d.log.Info("raising hand")
		return d.send(coap.Reply(coap.RaiseYourHandReturn, msg))

	case coap.SignalStart:
		d.shouting = len(msg.Payload) > 0 && msg.Payload[0] != 0
		d.log.WithField("on", d.shouting).Info("signal")
		return d.ackEmpty(msg)

	case coap.Event, coap.PublicEvent, coap.PrivateEvent:
		// Subscribed events forwarded by the gateway.
		d.log.WithFields(logrus.Fields{
			"path": msg.URIPath(),
			"data": string(msg.Payload),
		}).Info("event received")
		if msg.Confirmable() {
			return d.ackEmpty(msg)
		}
		return nil

	default:
		d.log.WithField("kind", kind).Debug("ignoring frame")
		return nil
	}
}

func (d *device) handleAck(msg *coap.Message) {
	switch {
	case len(msg.Token) == 1 && msg.Token[0] == d.timeToken && len(msg.Payload) >= 4:
		secs := binary.LittleEndian.Uint32(msg.Payload)
		d.log.WithField("time", time.Unix(int64(secs), 0).UTC()).Info("gateway time")
		d.timeToken = 0
	case msg.Code == coap.ServiceUnavailable:
		d.log.Warn("gateway asked us to slow down")
	case msg.Code == coap.BadRequest && d.ota != nil:
		d.log.Warn("update aborted by gateway")
		d.ota = nil
	default:
		d.log.WithField("msgid", msg.ID).Trace("ack")
	}
}

func (d *device) handleVariable(req *coap.Message) error {
	name := strings.TrimPrefix(req.URIPath(), "/v/")
	if len(req.Payload) > 0 && name == "greeting" {
		d.greeting = string(req.Payload)
	}
	var value interface{}
	switch name {
	case "temperature":
		value = 20.0 + float64(int(time.Since(d.started).Seconds())%8)*0.25
	case "uptime":
		value = int32(time.Since(d.started).Seconds())
	case "greeting":
		value = d.greeting
	default:
		value = ""
	}
	out := coap.Reply(coap.VariableValue, req)
	payload, err := coap.EncodeValue(value)
	if err != nil {
		return err
	}
	out.Payload = payload
	d.log.WithField("var", name).Debug("serving variable")
	return d.send(out)
}

func (d *device) handleFunction(req *coap.Message) error {
	name := strings.TrimPrefix(req.URIPath(), "/f/")
	args := req.URIQuery()
	d.log.WithFields(logrus.Fields{"fn": name, "args": args}).Info("function called")

	result := int32(1)
	if name == "calibrate" && len(args) > 0 {
		result = int32(len(args[0]))
	}
	out := coap.Reply(coap.FunctionReturn, req)
	payload, err := coap.EncodeValue(result)
	if err != nil {
		return err
	}
	out.Payload = payload
	return d.send(out)
}

func (d *device) handleUpdateBegin(req *coap.Message) error {
	if len(req.Payload) < 6 {
		return d.ackEmpty(req)
	}
	d.ota = &otaTransfer{
		size:      int(binary.LittleEndian.Uint32(req.Payload[0:4])),
		chunkSize: int(binary.LittleEndian.Uint16(req.Payload[4:6])),
	}
	d.log.WithFields(logrus.Fields{
		"size":  d.ota.size,
		"chunk": d.ota.chunkSize,
	}).Info("firmware update starting")
	return d.send(coap.Reply(coap.UpdateReady, req))
}

func (d *device) handleChunk(req *coap.Message) error {
	ack := coap.Reply(coap.ChunkReceived, req)
	ack.Payload = binary.LittleEndian.AppendUint32(nil, crypto.CRC32(req.Payload))
	if d.ota != nil {
		d.ota.data = append(d.ota.data, req.Payload...)
	}
	return d.send(ack)
}

func (d *device) handleUpdateDone(req *coap.Message) error {
	if err := d.ackEmpty(req); err != nil {
		return err
	}
	if d.ota == nil {
		return nil
	}
	image := d.ota.data
	if len(image) > d.ota.size {
		image = image[:d.ota.size]
	}
	d.ota = nil
	if err := os.WriteFile(d.otaOut, image, 0644); err != nil {
		return err
	}
	// Real firmware reboots here; the simulator just keeps going.
	d.log.WithFields(logrus.Fields{
		"size": len(image),
		"path": d.otaOut,
	}).Info("firmware update complete, skipping the reboot")
	return nil
}

func (d *device) ackEmpty(req *coap.Message) error {
	return d.send(&coap.Message{Type: coap.Acknowledgement, Code: coap.CodeEmpty, ID: req.ID})
}
