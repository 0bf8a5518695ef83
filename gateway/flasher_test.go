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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sparkgate/sparkgate/coap"
	"github.com/sparkgate/sparkgate/crypto"
	"github.com/sparkgate/sparkgate/event"
)

func TestSplitChunks(t *testing.T) {
	image := make([]byte, 150)
	for i := range image {
		image[i] = byte(i + 1)
	}
	chunks := splitChunks(image, 64)
	if len(chunks) != 3 {
		t.Fatalf("%d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 64 {
			t.Errorf("chunk %d is %d bytes", i, len(c))
		}
	}
	joined := bytes.Join(chunks, nil)
	if !bytes.Equal(joined[:150], image) {
		t.Error("chunks do not reassemble the image")
	}
	for _, b := range joined[150:] {
		if b != 0 {
			t.Error("padding is not zeroed")
			break
		}
	}

	if n := len(splitChunks(make([]byte, 128), 64)); n != 2 {
		t.Errorf("exact multiple split into %d chunks, want 2", n)
	}
}

// ackChunk acknowledges a chunk with the given CRC.
func ackChunk(t *testing.T, rig *testRig, chunk *coap.Message, crc uint32) {
	t.Helper()
	ack := coap.Reply(coap.ChunkReceived, chunk)
	ack.Payload = binary.LittleEndian.AppendUint32(nil, crc)
	rig.dev.send(t, ack)
}

func TestFlashSuccess(t *testing.T) {
	rig := newTestRig(t, "", Config{ChunkSize: 64})
	sub := rig.broker.Subscribe(event.Filter{Prefix: "spark/flash"}, 8)
	defer sub.Unsubscribe()

	image := make([]byte, 150)
	for i := range image {
		image[i] = byte(i * 7)
	}
	resCh := make(chan error, 1)
	go func() { resCh <- rig.s.Flash(context.Background(), image) }()

	begin := rig.dev.expect(t, coap.UpdateBegin)
	if len(begin.Token) != 1 {
		t.Fatalf("update begin token %x", begin.Token)
	}
	if len(begin.Payload) != 6 {
		t.Fatalf("update begin payload %x", begin.Payload)
	}
	if size := binary.LittleEndian.Uint32(begin.Payload[0:4]); size != 150 {
		t.Errorf("announced size %d, want 150", size)
	}
	if chunk := binary.LittleEndian.Uint16(begin.Payload[4:6]); chunk != 64 {
		t.Errorf("announced chunk size %d, want 64", chunk)
	}
	rig.dev.send(t, coap.Reply(coap.UpdateReady, begin))

	var got []byte
	for i := 0; i < 3; i++ {
		chunk := rig.dev.expect(t, coap.Chunk)
		if len(chunk.Payload) != 64 {
			t.Fatalf("chunk %d is %d bytes", i, len(chunk.Payload))
		}
		got = append(got, chunk.Payload...)
		ackChunk(t, rig, chunk, crypto.CRC32(chunk.Payload))
	}
	rig.dev.expect(t, coap.UpdateDone)

	if err := <-resCh; err != nil {
		t.Fatalf("flash: %v", err)
	}
	if !bytes.Equal(got[:150], image) {
		t.Error("transferred image does not match")
	}
	if rig.s.State() != StateReady {
		t.Errorf("state %s after flash, want ready", rig.s.State())
	}

	want := []string{
		"spark/flash/progress=1/3",
		"spark/flash/progress=2/3",
		"spark/flash/progress=3/3",
		"spark/flash/status=success",
	}
	for _, w := range want {
		select {
		case rec := <-sub.Chan():
			if got := rec.Name + "=" + string(rec.Data); got != w {
				t.Errorf("flash record %q, want %q", got, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("missing flash record %q", w)
		}
	}
	if evs := rig.backend.snapshot("events"); len(evs) != 1 || evs[0] != "Update=Update done" {
		t.Errorf("backend events %v", evs)
	}
}

func TestFlashDefaultChunking(t *testing.T) {
	rig := newTestRig(t, "", Config{})
	sub := rig.broker.Subscribe(event.Filter{Prefix: "spark/flash/status"}, 4)
	defer sub.Unsubscribe()

	// 1500 bytes at the stock 512-byte chunk size: three chunks, the last
	// one padded. The second chunk's first receipt claims a bad CRC and
	// must be retransmitted byte for byte.
	image := make([]byte, 1500)
	for i := range image {
		image[i] = byte(i % 251)
	}
	resCh := make(chan error, 1)
	go func() { resCh <- rig.s.Flash(context.Background(), image) }()

	begin := rig.dev.expect(t, coap.UpdateBegin)
	if size := binary.LittleEndian.Uint32(begin.Payload[0:4]); size != 1500 {
		t.Errorf("announced size %d, want 1500", size)
	}
	if chunk := binary.LittleEndian.Uint16(begin.Payload[4:6]); chunk != 512 {
		t.Errorf("announced chunk size %d, want 512", chunk)
	}
	rig.dev.send(t, coap.Reply(coap.UpdateReady, begin))

	var got []byte
	for i := 0; i < 3; i++ {
		chunk := rig.dev.expect(t, coap.Chunk)
		if len(chunk.Payload) != 512 {
			t.Fatalf("chunk %d is %d bytes", i, len(chunk.Payload))
		}
		if i == 1 {
			ackChunk(t, rig, chunk, crypto.CRC32(chunk.Payload)+1)
			again := rig.dev.expect(t, coap.Chunk)
			if !bytes.Equal(again.Payload, chunk.Payload) {
				t.Fatal("retransmitted chunk differs from the original")
			}
			chunk = again
		}
		got = append(got, chunk.Payload...)
		ackChunk(t, rig, chunk, crypto.CRC32(chunk.Payload))
	}
	rig.dev.expect(t, coap.UpdateDone)

	if err := <-resCh; err != nil {
		t.Fatalf("flash: %v", err)
	}
	if !bytes.Equal(got[:1500], image) {
		t.Error("transferred image does not match")
	}
	select {
	case rec := <-sub.Chan():
		if string(rec.Data) != "success" {
			t.Errorf("status record %q", rec.Data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no status record")
	}
	if evs := rig.backend.snapshot("events"); len(evs) != 1 || evs[0] != "Update=Update done" {
		t.Errorf("backend events %v", evs)
	}
}

func TestFlashRetransmit(t *testing.T) {
	rig := newTestRig(t, "", Config{ChunkSize: 64})

	image := make([]byte, 100) // 2 chunks
	for i := range image {
		image[i] = byte(i)
	}
	resCh := make(chan error, 1)
	go func() { resCh <- rig.s.Flash(context.Background(), image) }()

	begin := rig.dev.expect(t, coap.UpdateBegin)
	rig.dev.send(t, coap.Reply(coap.UpdateReady, begin))

	// Claim a bad CRC once; the gateway must resend the same chunk.
	first := rig.dev.expect(t, coap.Chunk)
	ackChunk(t, rig, first, crypto.CRC32(first.Payload)+1)

	again := rig.dev.expect(t, coap.Chunk)
	if !bytes.Equal(again.Payload, first.Payload) {
		t.Fatal("retransmitted chunk differs from the original")
	}
	ackChunk(t, rig, again, crypto.CRC32(again.Payload))

	second := rig.dev.expect(t, coap.Chunk)
	ackChunk(t, rig, second, crypto.CRC32(second.Payload))
	rig.dev.expect(t, coap.UpdateDone)

	if err := <-resCh; err != nil {
		t.Fatalf("flash with one retransmit: %v", err)
	}
}

func TestFlashChunkExhausted(t *testing.T) {
	rig := newTestRig(t, "", Config{ChunkSize: 64, FlashRetries: 1})
	sub := rig.broker.Subscribe(event.Filter{Prefix: "spark/flash/status"}, 4)
	defer sub.Unsubscribe()

	resCh := make(chan error, 1)
	go func() { resCh <- rig.s.Flash(context.Background(), make([]byte, 64)) }()

	begin := rig.dev.expect(t, coap.UpdateBegin)
	rig.dev.send(t, coap.Reply(coap.UpdateReady, begin))

	// 1 + FlashRetries sends, all rejected.
	var last *coap.Message
	for i := 0; i < 2; i++ {
		last = rig.dev.expect(t, coap.Chunk)
		ackChunk(t, rig, last, crypto.CRC32(last.Payload)+1)
	}
	abort := rig.dev.read(t)
	if abort.Type != coap.Acknowledgement || abort.Code != coap.BadRequest || abort.ID != last.ID {
		t.Fatalf("expected abort of id %d, got %s id=%d", last.ID, abort.Code, abort.ID)
	}

	err := <-resCh
	var ferr *FlashError
	if !errors.As(err, &ferr) || !strings.Contains(err.Error(), "not acknowledged") {
		t.Fatalf("flash error %v", err)
	}
	if !rig.s.Alive() {
		t.Error("failed flash killed the session")
	}
	if rig.s.State() != StateReady {
		t.Errorf("state %s after failed flash", rig.s.State())
	}

	select {
	case rec := <-sub.Chan():
		if string(rec.Data) != "failed" {
			t.Errorf("status record %q", rec.Data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no status record")
	}
	if evs := rig.backend.snapshot("events"); len(evs) != 1 || evs[0] != "Update=Update failed" {
		t.Errorf("backend events %v", evs)
	}
}

func TestFlashRefused(t *testing.T) {
	rig := newTestRig(t, "", Config{ChunkSize: 64})

	resCh := make(chan error, 1)
	go func() { resCh <- rig.s.Flash(context.Background(), make([]byte, 10)) }()

	begin := rig.dev.expect(t, coap.UpdateBegin)
	nack := &coap.Message{Type: coap.Acknowledgement, Code: coap.BadRequest, ID: begin.ID, Token: begin.Token}
	rig.dev.send(t, nack)

	err := <-resCh
	var ferr *FlashError
	if !errors.As(err, &ferr) || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("flash error %v", err)
	}
}

func TestFlashValidation(t *testing.T) {
	rig := newTestRig(t, "", Config{MaxBinarySize: 100})

	err := rig.s.Flash(context.Background(), nil)
	var ferr *FlashError
	if !errors.As(err, &ferr) || err.Error() != "flash: empty image" {
		t.Fatalf("empty image error %v", err)
	}
	err = rig.s.Flash(context.Background(), make([]byte, 101))
	if !errors.As(err, &ferr) || !strings.Contains(err.Error(), "limit 100") {
		t.Fatalf("oversize image error %v", err)
	}
	// Both failures report upstream.
	if evs := rig.backend.snapshot("events"); len(evs) != 2 {
		t.Errorf("backend events %v", evs)
	}
}

func TestFlashExclusive(t *testing.T) {
	rig := newTestRig(t, "", Config{ChunkSize: 64})

	resCh := make(chan error, 1)
	go func() { resCh <- rig.s.Flash(context.Background(), make([]byte, 64)) }()
	begin := rig.dev.expect(t, coap.UpdateBegin)

	// A second flash while the first is mid-handshake is turned away
	// without touching the wire.
	err := rig.s.Flash(context.Background(), make([]byte, 10))
	var ownErr *OwnershipError
	if !errors.As(err, &ownErr) {
		t.Fatalf("second flash: %v, want OwnershipError", err)
	}

	rig.dev.send(t, coap.Reply(coap.UpdateReady, begin))
	chunk := rig.dev.expect(t, coap.Chunk)
	ackChunk(t, rig, chunk, crypto.CRC32(chunk.Payload))
	rig.dev.expect(t, coap.UpdateDone)
	if err := <-resCh; err != nil {
		t.Fatalf("first flash: %v", err)
	}
}
