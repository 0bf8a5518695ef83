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

// Package coap implements the CoAP 1.0 frame codec spoken by spark cores,
// the table of message kinds exchanged on that wire and the little-endian
// typed payload encodings.
//
// Frames travel inside the encrypted transport of package coapx; this
// package never touches the network.
package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Version is the only CoAP protocol version on this wire.
const Version = 1

// MaxTokenLength is the CoAP limit on token bytes.
const MaxTokenLength = 8

// Type is the CoAP message type.
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Code is the CoAP request method or response code, packed as class.detail.
type Code uint8

const (
	CodeEmpty Code = 0x00
	GET       Code = 0x01
	POST      Code = 0x02
	PUT       Code = 0x03
	DELETE    Code = 0x04

	Changed            Code = 0x44 // 2.04
	Content            Code = 0x45 // 2.05
	BadRequest         Code = 0x80 // 4.00
	NotFound           Code = 0x84 // 4.04
	InternalError      Code = 0xa0 // 5.00
	ServiceUnavailable Code = 0xa3 // 5.03
)

// Class returns the CoAP code class (0 request, 2 success, 4/5 error).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

func (c Code) String() string {
	if c == CodeEmpty {
		return "0.00"
	}
	switch c {
	case GET:
		return "GET"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	}
	return fmt.Sprintf("%d.%02d", c.Class(), uint8(c)&0x1f)
}

// Option numbers used on this wire. Timestamp is from the private-use range;
// it carries the publish time of routed events.
const (
	OptURIPath       uint16 = 11
	OptContentFormat uint16 = 12
	OptMaxAge        uint16 = 14
	OptURIQuery      uint16 = 15
	OptTimestamp     uint16 = 65000
)

// Option is a single CoAP option instance. Repeatable options (Uri-Path,
// Uri-Query) appear as multiple instances with the same number.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is one CoAP frame.
type Message struct {
	Type    Type
	Code    Code
	ID      uint16
	Token   []byte
	Options []Option
	Payload []byte
}

var (
	ErrTruncated  = errors.New("coap: truncated frame")
	ErrBadVersion = errors.New("coap: bad protocol version")
	ErrBadToken   = errors.New("coap: token longer than 8 bytes")
	ErrBadOption  = errors.New("coap: malformed option")
)

// IsEmpty reports whether the frame is an empty message (code 0.00, no
// token, options or payload). Devices use these as keepalive pings.
func (m *Message) IsEmpty() bool {
	return m.Code == CodeEmpty && len(m.Token) == 0 && len(m.Options) == 0 && len(m.Payload) == 0
}

// IsAck reports whether the frame acknowledges an earlier request rather
// than opening a new exchange.
func (m *Message) IsAck() bool {
	return m.Type == Acknowledgement || m.Code.Class() >= 2
}

// Confirmable reports whether the sender expects an acknowledgement.
func (m *Message) Confirmable() bool { return m.Type == Confirmable }

// AddOption appends an option instance.
func (m *Message) AddOption(number uint16, value []byte) {
	m.Options = append(m.Options, Option{Number: number, Value: value})
}

// Option returns the first instance of the given option, or nil.
func (m *Message) Option(number uint16) []byte {
	for _, o := range m.Options {
		if o.Number == number {
			return o.Value
		}
	}
	return nil
}

// SetURIPath splits path on "/" and stores one Uri-Path option per segment.
func (m *Message) SetURIPath(path string) {
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg != "" {
			m.AddOption(OptURIPath, []byte(seg))
		}
	}
}

// URIPath joins the Uri-Path options with "/" and a leading slash, the form
// the session's routing rules match on.
func (m *Message) URIPath() string {
	var b strings.Builder
	for _, o := range m.Options {
		if o.Number == OptURIPath {
			b.WriteByte('/')
			b.Write(o.Value)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// SetURIQuery appends one Uri-Query option per element.
func (m *Message) SetURIQuery(parts ...string) {
	for _, p := range parts {
		m.AddOption(OptURIQuery, []byte(p))
	}
}

// URIQuery returns all Uri-Query option values.
func (m *Message) URIQuery() []string {
	var q []string
	for _, o := range m.Options {
		if o.Number == OptURIQuery {
			q = append(q, string(o.Value))
		}
	}
	return q
}

// HasQuery reports whether a Uri-Query element equals flag or starts with
// "flag=".
func (m *Message) HasQuery(flag string) bool {
	for _, q := range m.URIQuery() {
		if q == flag || strings.HasPrefix(q, flag+"=") {
			return true
		}
	}
	return false
}

// SetMaxAge stores seconds as a minimally-encoded Max-Age option.
func (m *Message) SetMaxAge(seconds uint32) {
	m.AddOption(OptMaxAge, encodeUint(seconds))
}

// MaxAge returns the Max-Age option value and whether it was present.
func (m *Message) MaxAge() (uint32, bool) {
	v := m.Option(OptMaxAge)
	if v == nil {
		return 0, false
	}
	return decodeUint(v), true
}

// SetTimestamp stores a unix timestamp in the private Timestamp option.
func (m *Message) SetTimestamp(unix uint32) {
	m.AddOption(OptTimestamp, encodeUint(unix))
}

// Timestamp returns the Timestamp option and whether it was present.
func (m *Message) Timestamp() (uint32, bool) {
	v := m.Option(OptTimestamp)
	if v == nil {
		return 0, false
	}
	return decodeUint(v), true
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

// Marshal encodes the frame. Options are sorted by number as CoAP requires;
// instances with equal numbers keep their insertion order.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrBadToken
	}
	buf := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+8*len(m.Options))
	buf = append(buf, Version<<6|uint8(m.Type)<<4|uint8(len(m.Token)))
	buf = append(buf, uint8(m.Code))
	buf = binary.BigEndian.AppendUint16(buf, m.ID)
	buf = append(buf, m.Token...)

	opts := make([]Option, len(m.Options))
	copy(opts, m.Options)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	prev := uint16(0)
	for _, o := range opts {
		buf = appendOption(buf, o.Number-prev, o.Value)
		prev = o.Number
	}
	if len(m.Payload) > 0 {
		buf = append(buf, 0xff)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func appendOption(buf []byte, delta uint16, value []byte) []byte {
	dn, dext := optNibble(delta)
	ln, lext := optNibble(uint16(len(value)))
	buf = append(buf, dn<<4|ln)
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return append(buf, value...)
}

func optNibble(v uint16) (uint8, []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, v-269)
		return 14, ext
	}
}

// Unmarshal decodes one frame.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	if data[0]>>6 != Version {
		return nil, ErrBadVersion
	}
	m := &Message{
		Type: Type(data[0] >> 4 & 0x3),
		Code: Code(data[1]),
		ID:   binary.BigEndian.Uint16(data[2:4]),
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		return nil, ErrBadToken
	}
	p := 4
	if len(data) < p+tkl {
		return nil, ErrTruncated
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[p:p+tkl]...)
		p += tkl
	}

	number := uint16(0)
	for p < len(data) {
		if data[p] == 0xff {
			p++
			if p == len(data) {
				return nil, ErrTruncated // marker with no payload
			}
			m.Payload = append([]byte(nil), data[p:]...)
			return m, nil
		}
		dn, ln := data[p]>>4, data[p]&0x0f
		p++
		delta, n, err := optExt(dn, data[p:])
		if err != nil {
			return nil, err
		}
		p += n
		length, n, err := optExt(ln, data[p:])
		if err != nil {
			return nil, err
		}
		p += n
		if len(data) < p+int(length) {
			return nil, ErrTruncated
		}
		number += delta
		m.Options = append(m.Options, Option{Number: number, Value: append([]byte(nil), data[p:p+int(length)]...)})
		p += int(length)
	}
	return m, nil
}

func optExt(nibble uint8, rest []byte) (uint16, int, error) {
	switch nibble {
	case 13:
		if len(rest) < 1 {
			return 0, 0, ErrTruncated
		}
		return uint16(rest[0]) + 13, 1, nil
	case 14:
		if len(rest) < 2 {
			return 0, 0, ErrTruncated
		}
		return binary.BigEndian.Uint16(rest) + 269, 2, nil
	case 15:
		return 0, 0, ErrBadOption
	default:
		return uint16(nibble), 0, nil
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%v %v id=%d uri=%s token=%x (%d bytes)",
		m.Type, m.Code, m.ID, m.URIPath(), m.Token, len(m.Payload))
}
