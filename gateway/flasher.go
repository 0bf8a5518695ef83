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
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/coap"
	"github.com/sparkgate/sparkgate/crypto"
	"github.com/sparkgate/sparkgate/event"
)

// FlashState tracks an over-the-air update.
type FlashState uint32

const (
	FlashPreparing FlashState = iota
	FlashBeginSent
	FlashReady
	FlashSendingChunks
	FlashDone
	FlashFailed
)

func (st FlashState) String() string {
	switch st {
	case FlashPreparing:
		return "preparing"
	case FlashBeginSent:
		return "begin sent"
	case FlashReady:
		return "ready"
	case FlashSendingChunks:
		return "sending chunks"
	case FlashDone:
		return "done"
	case FlashFailed:
		return "failed"
	}
	return "invalid"
}

// Flasher pushes one firmware image to one device. It owns the session's
// outbound stream for its whole run; everything else queueing writes is
// turned away until the transfer ends.
type Flasher struct {
	session *Session
	log     *logrus.Entry

	size    int // unpadded image size, what the device will keep
	chunks  [][]byte
	retries int

	state atomic.Uint32
}

// newFlasher validates the image and cuts it into fixed-size chunks. The
// last chunk is zero-padded so every chunk CRC covers the full chunk size.
func newFlasher(s *Session, image []byte) (*Flasher, error) {
	if len(image) == 0 {
		return nil, flashErrorf("empty image")
	}
	if len(image) > s.cfg.MaxBinarySize {
		return nil, flashErrorf("image is %d bytes, limit %d", len(image), s.cfg.MaxBinarySize)
	}
	return &Flasher{
		session: s,
		log:     s.log,
		size:    len(image),
		chunks:  splitChunks(image, s.cfg.ChunkSize),
		retries: s.cfg.FlashRetries,
	}, nil
}

func splitChunks(image []byte, size int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(image); off += size {
		end := off + size
		if end <= len(image) {
			chunks = append(chunks, image[off:end])
			continue
		}
		last := make([]byte, size)
		copy(last, image[off:])
		chunks = append(chunks, last)
	}
	return chunks
}

func (f *Flasher) State() FlashState {
	return FlashState(f.state.Load())
}

func (f *Flasher) setState(st FlashState) {
	f.state.Store(uint32(st))
}

// updateBeginPayload announces the transfer: unpadded image size, then the
// chunk size, both little endian.
func (f *Flasher) updateBeginPayload() []byte {
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(f.size))
	binary.LittleEndian.PutUint16(payload[4:6], uint16(len(f.chunks[0])))
	return payload
}

// run performs the transfer: UpdateBegin, every chunk in order, UpdateDone.
// The caller has already made f the session's exclusive writer.
func (f *Flasher) run(ctx context.Context) error {
	f.setState(FlashBeginSent)
	ready, err := f.session.transact(ctx, f, "update begin", 0, func(id uint16) *coap.Message {
		m := coap.New(coap.UpdateBegin, id)
		m.Payload = f.updateBeginPayload()
		return m
	})
	if err != nil {
		f.setState(FlashFailed)
		return err
	}
	if ready.Code.Class() >= 4 {
		f.setState(FlashFailed)
		return flashErrorf("device refused update: %s", ready.Code)
	}
	f.setState(FlashReady)
	f.log.WithFields(logrus.Fields{
		"size":   f.size,
		"chunks": len(f.chunks),
	}).Info("firmware update started")

	f.setState(FlashSendingChunks)
	for i, chunk := range f.chunks {
		if err := f.sendChunk(ctx, i, chunk); err != nil {
			f.setState(FlashFailed)
			return err
		}
		f.progress(i + 1)
	}

	// The device reboots into the new image on UpdateDone; its ack is
	// welcome but not awaited.
	if err := f.session.sendRequest(f, "update done", func(id uint16) *coap.Message {
		return coap.New(coap.UpdateDone, id)
	}); err != nil {
		f.setState(FlashFailed)
		return err
	}
	f.setState(FlashDone)
	return nil
}

// sendChunk transmits one chunk until the device acknowledges it with the
// right CRC. Mismatches and ack timeouts spend retries; transport failures
// end the flash at once.
func (f *Flasher) sendChunk(ctx context.Context, index int, chunk []byte) error {
	want := crypto.CRC32(chunk)
	var lastAck *coap.Message
	for attempt := 0; attempt <= f.retries; attempt++ {
		ack, err := f.session.transact(ctx, f, "chunk", 0, func(id uint16) *coap.Message {
			m := coap.New(coap.Chunk, id)
			m.Payload = chunk
			return m
		})
		if errors.Is(err, ErrTimeout) {
			f.log.WithFields(logrus.Fields{"chunk": index, "attempt": attempt + 1}).Debug("chunk ack timed out")
			continue
		}
		if err != nil {
			return err
		}
		if ack.Code.Class() < 4 && len(ack.Payload) >= 4 && binary.LittleEndian.Uint32(ack.Payload) == want {
			return nil
		}
		lastAck = ack
		f.log.WithFields(logrus.Fields{"chunk": index, "attempt": attempt + 1}).Debug("chunk crc mismatch")
	}
	if lastAck != nil {
		f.session.postReply(coap.Reply(coap.UpdateAbort, lastAck))
	}
	return flashErrorf("chunk %d/%d not acknowledged after %d attempts", index+1, len(f.chunks), f.retries+1)
}

// progress publishes transfer progress as an internal event, so dashboards
// subscribed to spark/flash/# can watch updates move.
func (f *Flasher) progress(sent int) {
	f.session.cfg.Broker.Publish(event.Record{
		Name:     "spark/flash/progress",
		Data:     []byte(fmt.Sprintf("%d/%d", sent, len(f.chunks))),
		DeviceID: f.session.id,
		UserID:   f.session.ownerID,
	})
}
