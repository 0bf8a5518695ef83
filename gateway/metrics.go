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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sparkgate_sessions_active",
		Help: "Connected device sessions.",
	})
	handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkgate_handshakes_total",
		Help: "Handshake attempts by result.",
	}, []string{"result"})
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkgate_messages_total",
		Help: "Protocol frames by direction.",
	}, []string{"dir"})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkgate_events_total",
		Help: "Device events by scope.",
	}, []string{"scope"})
	flashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkgate_flashes_total",
		Help: "Firmware updates by result.",
	}, []string{"result"})
	disconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkgate_disconnects_total",
		Help: "Session teardowns by reason.",
	}, []string{"reason"})
)
