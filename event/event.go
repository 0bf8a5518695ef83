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

// Package event implements the gateway's event bus. Devices publish named
// records; subscriptions select records by name prefix, owning user, or
// publishing device and receive them on a buffered channel.
package event

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sparkgate/sparkgate/common"
)

// DefaultTTL is applied to records published without an explicit TTL.
const DefaultTTL = 60

// Record is one application event moving through the broker.
type Record struct {
	Name        string
	Data        []byte // nil means the event carried no payload
	TTL         uint32 // seconds
	Public      bool
	PublishedAt time.Time
	DeviceID    common.DeviceID
	UserID      string
}

// Filter selects which records a subscription receives. Zero fields match
// everything: an empty prefix matches every name, an empty user matches
// every user, a zero device id matches every device.
type Filter struct {
	Prefix string
	UserID string
	Device common.DeviceID
}

// Matches reports whether rec passes the filter.
func (f *Filter) Matches(rec *Record) bool {
	if f.Prefix != "" && !strings.HasPrefix(rec.Name, f.Prefix) {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if !f.Device.IsZero() && rec.DeviceID != f.Device {
		return false
	}
	return true
}

// Subscription is a live registration with the broker. The channel is
// closed when it is unsubscribed or the broker is stopped.
type Subscription interface {
	Chan() <-chan Record
	Unsubscribe()
	// Dropped counts records discarded because the channel was full.
	Dropped() uint64
}

// A Broker dispatches published records to matching subscriptions. Any
// operation called after the broker is stopped is a no-op; Publish reports
// rejection.
type Broker struct {
	mutex   sync.RWMutex
	subs    []*brokerSub
	limiter *rate.Limiter
	stopped bool
}

// NewBroker creates a running broker. eventsPerSec bounds the accepted
// publish rate across all devices; zero means unlimited.
func NewBroker(eventsPerSec float64, burst int) *Broker {
	b := &Broker{}
	if eventsPerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(eventsPerSec), burst)
	}
	return b
}

// Subscribe registers a filter with the given channel buffer. Delivery
// never blocks the publisher: records that do not fit are dropped and
// counted on the subscription.
func (b *Broker) Subscribe(filter Filter, buffer int) Subscription {
	sub := newBrokerSub(b, filter, buffer)
	b.mutex.Lock()
	if b.stopped {
		b.mutex.Unlock()
		close(sub.postC)
		return sub
	}
	b.subs = append(b.subs, sub)
	b.mutex.Unlock()
	return sub
}

// Publish offers a record to every matching subscription. It reports
// whether the broker accepted the record; false tells the session to send
// the device a slowdown.
func (b *Broker) Publish(rec Record) bool {
	if rec.TTL == 0 {
		rec.TTL = DefaultTTL
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now()
	}
	b.mutex.RLock()
	if b.stopped {
		b.mutex.RUnlock()
		return false
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.mutex.RUnlock()
		return false
	}
	subs := b.subs
	b.mutex.RUnlock()

	for _, sub := range subs {
		if sub.filter.Matches(&rec) {
			sub.deliver(rec)
		}
	}
	return true
}

// Stop closes the broker. All subscription channels are closed and future
// publishes are rejected.
func (b *Broker) Stop() {
	b.mutex.Lock()
	for _, sub := range b.subs {
		sub.closewait()
	}
	b.subs = nil
	b.stopped = true
	b.mutex.Unlock()
}

func (b *Broker) del(s *brokerSub) {
	b.mutex.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mutex.Unlock()
}

type brokerSub struct {
	broker    *Broker
	filter    Filter
	mutex     sync.RWMutex
	closeOnce sync.Once
	closing   chan struct{}
	dropped   atomic.Uint64

	// these two are the same channel. they are stored separately so
	// postC can be set to nil without affecting the return value of
	// Chan.
	readC <-chan Record
	postC chan<- Record
}

func newBrokerSub(b *Broker, filter Filter, buffer int) *brokerSub {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan Record, buffer)
	return &brokerSub{
		broker:  b,
		filter:  filter,
		readC:   c,
		postC:   c,
		closing: make(chan struct{}),
	}
}

func (s *brokerSub) Chan() <-chan Record {
	return s.readC
}

func (s *brokerSub) Unsubscribe() {
	s.broker.del(s)
	s.closewait()
}

func (s *brokerSub) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *brokerSub) closewait() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mutex.Lock()
		close(s.postC)
		s.postC = nil
		s.mutex.Unlock()
	})
}

func (s *brokerSub) deliver(rec Record) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.postC == nil {
		return
	}
	select {
	case s.postC <- rec:
	case <-s.closing:
	default:
		s.dropped.Add(1)
	}
}
