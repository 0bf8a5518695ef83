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

// Package api connects the gateway to its backend. The session core only
// ever sees the Client interface; Bridge implements it over a websocket
// and Nop swallows everything for gateways running standalone.
package api

import (
	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/common"
)

// Client is the narrow surface the device sessions call on the backend.
// Implementations must be safe for concurrent use and must not block;
// all calls are telemetry, failure is never fatal to a session.
type Client interface {
	// LinkDevice reports a fresh claim code so the backend can bind the
	// device to the claiming account.
	LinkDevice(id common.DeviceID, claimCode string, productID uint16) error
	// SafeMode forwards a device's safe-mode describe payload.
	SafeMode(id common.DeviceID, payload []byte) error
	// PublishEvent mirrors an internal event (flash status, update done)
	// up to the backend.
	PublishEvent(id common.DeviceID, name string, data []byte) error
	Close() error
}

// Nop is the Client used when no backend is configured. It logs at debug
// level and succeeds.
type Nop struct {
	Log *logrus.Entry
}

func (n Nop) LinkDevice(id common.DeviceID, claimCode string, productID uint16) error {
	if n.Log != nil {
		n.Log.WithFields(logrus.Fields{
			"device":  id,
			"claim":   claimCode,
			"product": productID,
		}).Debug("dropping link request, no backend")
	}
	return nil
}

func (n Nop) SafeMode(id common.DeviceID, payload []byte) error {
	if n.Log != nil {
		n.Log.WithField("device", id).Debug("dropping safe-mode report, no backend")
	}
	return nil
}

func (n Nop) PublishEvent(id common.DeviceID, name string, data []byte) error {
	if n.Log != nil {
		n.Log.WithFields(logrus.Fields{"device": id, "event": name}).Debug("dropping event, no backend")
	}
	return nil
}

func (n Nop) Close() error { return nil }
