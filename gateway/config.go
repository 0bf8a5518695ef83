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
	"crypto/rsa"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/api"
	"github.com/sparkgate/sparkgate/devdb"
	"github.com/sparkgate/sparkgate/event"
	"github.com/sparkgate/sparkgate/firmware"
)

// Config holds the gateway's tuning knobs and its collaborators. Zero-value
// knobs fall back to DefaultConfig; Key and Store have no defaults and are
// required.
type Config struct {
	// Key identifies the server to devices during the handshake.
	Key *rsa.PrivateKey `toml:"-"`

	// ListenAddr is the TCP address devices connect to.
	ListenAddr string

	// CounterMax is the wrap modulus for the 16-bit message counters.
	CounterMax uint32

	// KeepAlive is the TCP keepalive probe period on device sockets.
	KeepAlive time.Duration

	// SocketTimeout disconnects a device that stays silent this long.
	SocketTimeout time.Duration

	// HandshakeTimeout bounds the handshake and Hello exchange.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds a request awaiting a device reply.
	RequestTimeout time.Duration

	// MaxBinarySize rejects firmware images larger than this.
	MaxBinarySize int

	// ChunkSize is the OTA transfer unit.
	ChunkSize int

	// FlashRetries is how many times a chunk is retransmitted on a CRC
	// mismatch before the flash fails.
	FlashRetries int

	// Environment selects firmware image variants (<app>_<env>.bin).
	Environment string

	// LogAPIMessages logs every backend command at Info.
	LogAPIMessages bool

	// VerboseDeviceLogs traces every frame on the device wire.
	VerboseDeviceLogs bool

	Store    devdb.Store     `toml:"-"`
	Firmware *firmware.Store `toml:"-"`
	Broker   *event.Broker   `toml:"-"`
	API      api.Client      `toml:"-"`
	Log      *logrus.Entry   `toml:"-"`
}

// DefaultConfig carries the protocol's stock timings and limits.
var DefaultConfig = Config{
	ListenAddr:       ":5683",
	CounterMax:       1 << 16,
	KeepAlive:        15 * time.Second,
	SocketTimeout:    31 * time.Second,
	HandshakeTimeout: 30 * time.Second,
	RequestTimeout:   30 * time.Second,
	MaxBinarySize:    108000,
	ChunkSize:        512,
	FlashRetries:     3,
	Environment:      "prod",
}

// sanitized returns a copy with zero knobs replaced by defaults and optional
// collaborators replaced by working stand-ins.
func (cfg Config) sanitized() Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig.ListenAddr
	}
	if cfg.CounterMax == 0 {
		cfg.CounterMax = DefaultConfig.CounterMax
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultConfig.KeepAlive
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = DefaultConfig.SocketTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultConfig.HandshakeTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.MaxBinarySize == 0 {
		cfg.MaxBinarySize = DefaultConfig.MaxBinarySize
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultConfig.ChunkSize
	}
	if cfg.FlashRetries == 0 {
		cfg.FlashRetries = DefaultConfig.FlashRetries
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultConfig.Environment
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Broker == nil {
		cfg.Broker = event.NewBroker(0, 0)
	}
	if cfg.API == nil {
		cfg.API = api.Nop{Log: cfg.Log}
	}
	return cfg
}
