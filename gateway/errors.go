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
	"errors"
	"fmt"
)

// DisconnectReason records why a session was torn down. I/O, crypto and
// protocol faults are fatal and always carry one of these; command-level
// failures (introspection, flashing, ownership) never disconnect.
type DisconnectReason uint8

const (
	ReasonUnknown DisconnectReason = iota
	ReasonRequested
	ReasonIOError
	ReasonCryptoError
	ReasonBadCounter
	ReasonBadMessage
	ReasonSuperseded
	ReasonStopped
)

var reasonToString = []string{
	ReasonUnknown:     "unknown",
	ReasonRequested:   "disconnect requested",
	ReasonIOError:     "read/write error",
	ReasonCryptoError: "cipher stream error",
	ReasonBadCounter:  "bad message counter",
	ReasonBadMessage:  "unroutable message",
	ReasonSuperseded:  "superseded by new connection",
	ReasonStopped:     "server stopped",
}

func (r DisconnectReason) String() string {
	if int(r) >= len(reasonToString) {
		return fmt.Sprintf("unknown reason %d", uint8(r))
	}
	return reasonToString[r]
}

var (
	// ErrDisconnected is returned by commands on a session that is torn
	// down, and delivered to every pending waiter at teardown.
	ErrDisconnected = errors.New("session disconnected")

	// ErrTimeout is returned when the device does not answer a request
	// within its window. The token is released.
	ErrTimeout = errors.New("response timeout")

	// ErrNotConnected is returned by the server for commands addressed to
	// a device without a live session.
	ErrNotConnected = errors.New("device not connected")
)

// ProtocolError is a fatal wire-level violation: a frame that cannot be
// routed, an unexpected re-Hello, a counter mismatch.
type ProtocolError struct {
	msg string
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string { return "protocol: " + e.msg }

// IntrospectionError reports a command against device state the gateway
// does not have: no description yet, or an unknown variable or function.
// It is returned to the caller and does not affect the session.
type IntrospectionError struct {
	msg string
}

func introspectionErrorf(format string, args ...interface{}) *IntrospectionError {
	return &IntrospectionError{msg: fmt.Sprintf(format, args...)}
}

func (e *IntrospectionError) Error() string { return e.msg }

// FlashError reports a failed or rejected firmware update.
type FlashError struct {
	msg string
}

func flashErrorf(format string, args ...interface{}) *FlashError {
	return &FlashError{msg: fmt.Sprintf(format, args...)}
}

func (e *FlashError) Error() string { return "flash: " + e.msg }

// OwnershipError is returned synchronously to any writer other than the
// current exclusive owner of the session.
type OwnershipError struct {
	Op string
}

func (e *OwnershipError) Error() string {
	return e.Op + ": locked during flashing"
}
