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

package coap

import "strings"

// Kind names a message in the device protocol. Every frame on the wire is
// either one of these or junk; junk classifies as Ignored and the session
// drops the connection.
type Kind uint8

const (
	Invalid Kind = iota

	Hello
	Describe
	DescribeReturn
	VariableRequest
	VariableValue
	FunctionCall
	FunctionReturn
	UpdateBegin
	UpdateReady
	UpdateAbort
	UpdateDone
	Chunk
	ChunkReceived
	Event
	PublicEvent
	PrivateEvent
	Subscribe
	SubscribeAck
	SubscribeFail
	GetTime
	GetTimeReturn
	RaiseYourHand
	RaiseYourHandReturn
	KeyChange
	EventAck
	EventSlowdown
	SignalStart
	Ping
	PingAck
	Ignored

	kindCount
)

// URI path heads. Events use e/<name> (private) and E/<name> (public);
// a GET on either is a subscription, a POST is a publish.
const (
	pathHello     = "h"
	pathDescribe  = "d"
	pathVariable  = "v"
	pathFunction  = "f"
	pathPrivate   = "e"
	pathPublic    = "E"
	pathSignal    = "s"
	pathRaiseHand = "s/raise"
	pathTime      = "t"
	pathUpdate    = "u"
	pathKey       = "k"
	pathChunk     = "c"
)

// kindSpec is one row of the message table: how a kind looks on the wire
// when built fresh, whether it correlates by token, and which kind answers
// it.
type kindSpec struct {
	name     string
	code     Code
	typ      Type
	uri      string // static path; templated kinds get their tail appended by the caller
	token    bool
	response Kind
}

var kindSpecs = [kindCount]kindSpec{
	Hello:               {name: "Hello", code: POST, typ: Confirmable, uri: pathHello, response: Hello},
	Describe:            {name: "Describe", code: GET, typ: Confirmable, uri: pathDescribe, token: true, response: DescribeReturn},
	DescribeReturn:      {name: "DescribeReturn", code: Content, typ: Acknowledgement, token: true},
	VariableRequest:     {name: "VariableRequest", code: GET, typ: Confirmable, uri: pathVariable, token: true, response: VariableValue},
	VariableValue:       {name: "VariableValue", code: Content, typ: Acknowledgement, token: true},
	FunctionCall:        {name: "FunctionCall", code: POST, typ: Confirmable, uri: pathFunction, token: true, response: FunctionReturn},
	FunctionReturn:      {name: "FunctionReturn", code: Changed, typ: Acknowledgement, token: true},
	UpdateBegin:         {name: "UpdateBegin", code: POST, typ: Confirmable, uri: pathUpdate, token: true, response: UpdateReady},
	UpdateReady:         {name: "UpdateReady", code: Changed, typ: Acknowledgement, token: true},
	UpdateAbort:         {name: "UpdateAbort", code: BadRequest, typ: Acknowledgement},
	UpdateDone:          {name: "UpdateDone", code: PUT, typ: Confirmable, uri: pathUpdate, token: true},
	Chunk:               {name: "Chunk", code: POST, typ: Confirmable, uri: pathChunk, token: true, response: ChunkReceived},
	ChunkReceived:       {name: "ChunkReceived", code: Changed, typ: Acknowledgement, token: true},
	Event:               {name: "Event", code: POST, typ: NonConfirmable, uri: pathPrivate},
	PublicEvent:         {name: "PublicEvent", code: POST, typ: Confirmable, uri: pathPublic},
	PrivateEvent:        {name: "PrivateEvent", code: POST, typ: Confirmable, uri: pathPrivate},
	Subscribe:           {name: "Subscribe", code: GET, typ: Confirmable, uri: pathPrivate, token: true, response: SubscribeAck},
	SubscribeAck:        {name: "SubscribeAck", code: Changed, typ: Acknowledgement, token: true},
	SubscribeFail:       {name: "SubscribeFail", code: BadRequest, typ: Acknowledgement, token: true},
	GetTime:             {name: "GetTime", code: GET, typ: Confirmable, uri: pathTime, token: true, response: GetTimeReturn},
	GetTimeReturn:       {name: "GetTimeReturn", code: Content, typ: Acknowledgement, token: true},
	RaiseYourHand:       {name: "RaiseYourHand", code: PUT, typ: Confirmable, uri: pathRaiseHand, token: true, response: RaiseYourHandReturn},
	RaiseYourHandReturn: {name: "RaiseYourHandReturn", code: Changed, typ: Acknowledgement, token: true},
	KeyChange:           {name: "KeyChange", code: PUT, typ: Confirmable, uri: pathKey, token: true},
	EventAck:            {name: "EventAck", code: CodeEmpty, typ: Acknowledgement},
	EventSlowdown:       {name: "EventSlowdown", code: ServiceUnavailable, typ: Acknowledgement},
	SignalStart:         {name: "SignalStart", code: PUT, typ: Confirmable, uri: pathSignal},
	Ping:                {name: "Ping", code: CodeEmpty, typ: Confirmable, response: PingAck},
	PingAck:             {name: "PingAck", code: CodeEmpty, typ: Acknowledgement},
	Ignored:             {name: "Ignored"},
}

func (k Kind) String() string {
	if k < kindCount && kindSpecs[k].name != "" {
		return kindSpecs[k].name
	}
	return "Invalid"
}

// ResponseKind returns the kind expected to answer a request, or Invalid
// when the request defines no reply.
func ResponseKind(k Kind) Kind {
	if k < kindCount {
		return kindSpecs[k].response
	}
	return Invalid
}

// NeedsToken reports whether a kind correlates with its reply by token.
func NeedsToken(k Kind) bool {
	return k < kindCount && kindSpecs[k].token
}

// New builds a fresh frame of the given kind with the table's code, type
// and static URI. Templated kinds (VariableRequest, FunctionCall, events)
// take their path tail from extra.
func New(k Kind, id uint16, extra ...string) *Message {
	spec := kindSpecs[k]
	m := &Message{Type: spec.typ, Code: spec.code, ID: id}
	path := spec.uri
	for _, e := range extra {
		path += "/" + e
	}
	if path != "" {
		m.SetURIPath(path)
	}
	return m
}

// Reply builds an acknowledgement of the given kind for a received request,
// carrying the request's message id and token.
func Reply(k Kind, req *Message) *Message {
	spec := kindSpecs[k]
	m := &Message{Type: spec.typ, Code: spec.code, ID: req.ID}
	if spec.token && len(req.Token) > 0 {
		m.Token = append([]byte(nil), req.Token...)
	}
	return m
}

// KindOf classifies an inbound frame that opens an exchange. Acknowledgement
// frames are not classified here; the session resolves those against its
// outstanding-token table.
func KindOf(m *Message) Kind {
	if m.IsEmpty() {
		if m.Type == Acknowledgement {
			return PingAck
		}
		return Ping
	}
	path := strings.TrimPrefix(m.URIPath(), "/")
	head := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		head = path[:i]
	}
	switch head {
	case pathHello:
		if m.Code == POST {
			return Hello
		}
	case pathDescribe:
		if m.Code == GET {
			return Describe
		}
	case pathVariable:
		if m.Code == GET {
			return VariableRequest
		}
	case pathFunction:
		if m.Code == POST {
			return FunctionCall
		}
	case pathPrivate:
		switch m.Code {
		case POST:
			return PrivateEvent
		case GET:
			return Subscribe
		}
	case pathPublic:
		switch m.Code {
		case POST:
			return PublicEvent
		case GET:
			return Subscribe
		}
	case pathTime:
		if m.Code == GET {
			return GetTime
		}
	case pathSignal:
		if m.Code == PUT {
			if path == pathRaiseHand {
				return RaiseYourHand
			}
			return SignalStart
		}
	case pathUpdate:
		switch m.Code {
		case POST:
			return UpdateBegin
		case PUT:
			return UpdateDone
		}
	case pathKey:
		if m.Code == PUT {
			return KeyChange
		}
	case pathChunk:
		if m.Code == POST {
			return Chunk
		}
	}
	return Ignored
}
