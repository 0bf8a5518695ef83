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

// Package gateway runs the device-facing half of the cloud: it listens for
// TCP connections from devices, authenticates them with the RSA handshake,
// and speaks the encrypted CoAP dialect over the resulting session.
//
// One Session actor runs per connected device. The Server owns the
// listener and the id-keyed session registry; everything above it (the
// backend bridge, the CLI) addresses devices through the registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sparkgate/sparkgate/api"
	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/devdb"
	"github.com/sparkgate/sparkgate/gateway/coapx"
)

// Server accepts device connections and keeps the session registry.
type Server struct {
	cfg Config
	log *logrus.Entry

	listener net.Listener
	quit     chan struct{}

	mu       sync.RWMutex
	sessions map[common.DeviceID]*Session
	stopping bool

	loopWG   sync.WaitGroup
	stopOnce sync.Once
}

// NewServer wires a server from the config. The config must carry the
// gateway's RSA key and a device store; everything else has defaults.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.sanitized()
	if cfg.Key == nil {
		return nil, errors.New("gateway: server needs a private key")
	}
	if cfg.Store == nil {
		return nil, errors.New("gateway: server needs a device store")
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Log,
		quit:     make(chan struct{}),
		sessions: make(map[common.DeviceID]*Session),
	}, nil
}

// Start opens the listener and begins accepting devices. It does not
// block.
func (srv *Server) Start() error {
	listener, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv.listener = listener
	srv.log.WithField("addr", listener.Addr()).Info("gateway listening")
	srv.loopWG.Add(1)
	go srv.listenLoop()
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts it
// down.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	srv.Stop()
	return nil
}

// Stop closes the listener, disconnects every device and waits for all
// session goroutines to drain.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.quit)
		if srv.listener != nil {
			srv.listener.Close()
		}
		// The stopping flag and the snapshot share one critical section,
		// so a handshake finishing mid-stop either lands in the snapshot
		// or sees the flag in register. Nothing slips through.
		srv.mu.Lock()
		srv.stopping = true
		all := make([]*Session, 0, len(srv.sessions))
		for _, s := range srv.sessions {
			all = append(all, s)
		}
		srv.mu.Unlock()
		for _, s := range all {
			s.Disconnect(ReasonStopped)
		}
		srv.loopWG.Wait()
		srv.log.Info("gateway stopped")
	})
}

// Addr returns the listener address, nil before Start.
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

func (srv *Server) listenLoop() {
	defer srv.loopWG.Done()
	for {
		fd, err := srv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-srv.quit:
				return
			default:
			}
			srv.log.WithError(err).Warn("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		srv.loopWG.Add(1)
		go srv.setupConn(fd)
	}
}

// setupConn authenticates one inbound socket and, when that works, runs
// the resulting session to completion.
func (srv *Server) setupConn(fd net.Conn) {
	defer srv.loopWG.Done()
	if tc, ok := fd.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(srv.cfg.KeepAlive)
	}
	fd.SetDeadline(time.Now().Add(srv.cfg.HandshakeTimeout))
	conn, id, err := coapx.Receive(fd, srv.cfg.Key, srv.cfg.Store)
	if err != nil {
		handshakesTotal.WithLabelValues("failure").Inc()
		srv.log.WithError(err).WithField("addr", fd.RemoteAddr()).Debug("handshake failed")
		fd.Close()
		return
	}
	handshakesTotal.WithLabelValues("success").Inc()
	fd.SetDeadline(time.Time{})

	owner := ""
	if attrs, err := srv.cfg.Store.Attributes(id); err == nil {
		owner = attrs.Get(devdb.AttrOwner)
	}
	session, err := NewSession(conn, id, owner, srv.cfg)
	if err != nil {
		srv.log.WithError(err).WithField("id", id).Debug("session setup failed")
		conn.Close()
		return
	}
	if stopping := srv.register(session); stopping {
		// Disconnect delivers once Run picks it up below.
		go session.Disconnect(ReasonStopped)
	}
	session.Run()
	srv.unregister(session)
}

// register installs a session, superseding any live session with the same
// device id. A device that reconnects wins over its stale predecessor.
func (srv *Server) register(s *Session) (stopping bool) {
	srv.mu.Lock()
	old := srv.sessions[s.ID()]
	srv.sessions[s.ID()] = s
	stopping = srv.stopping
	srv.mu.Unlock()
	if old != nil {
		old.Disconnect(ReasonSuperseded)
	}
	sessionsActive.Inc()
	return stopping
}

func (srv *Server) unregister(s *Session) {
	srv.mu.Lock()
	if srv.sessions[s.ID()] == s {
		delete(srv.sessions, s.ID())
	}
	srv.mu.Unlock()
	sessionsActive.Dec()
}

// Session returns the live session for a device, or nil.
func (srv *Server) Session(id common.DeviceID) *Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.sessions[id]
}

// Sessions snapshots all live sessions.
func (srv *Server) Sessions() []*Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	all := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		all = append(all, s)
	}
	return all
}

// Count returns the number of connected devices.
func (srv *Server) Count() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// HandleCommand dispatches a backend command to the addressed device. It
// implements api.CommandHandler; the bridge calls it on its own goroutine,
// so blocking on the device here is fine.
func (srv *Server) HandleCommand(cmd api.Command) (interface{}, error) {
	s := srv.Session(cmd.Device)
	if s == nil {
		return nil, ErrNotConnected
	}
	if srv.cfg.LogAPIMessages {
		srv.log.WithFields(logrus.Fields{
			"id":     cmd.ID,
			"device": cmd.Device,
			"action": cmd.Action,
			"name":   cmd.Name,
		}).Info("api command")
	}
	ctx := context.Background()
	switch cmd.Action {
	case "describe":
		return s.Describe(ctx)
	case "getVar":
		value, _, err := s.GetVariable(ctx, cmd.Name)
		if err != nil {
			return nil, err
		}
		return varReturn(cmd.Name, value), nil
	case "setVar":
		var arg interface{} = cmd.Args
		if len(cmd.Data) > 0 {
			arg = cmd.Data
		}
		value, _, err := s.SetVariable(ctx, cmd.Name, arg)
		if err != nil {
			return nil, err
		}
		return varReturn(cmd.Name, value), nil
	case "callFunction":
		ret, err := s.CallFunction(ctx, cmd.Name, cmd.Args)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"cmd": "FnReturn", "name": cmd.Name, "result": ret}, nil
	case "flash":
		var err error
		if len(cmd.Data) > 0 {
			err = s.Flash(ctx, cmd.Data)
		} else {
			err = s.FlashKnown(ctx, cmd.Name)
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "done"}, nil
	case "raiseHand":
		return s.RaiseHand(ctx, boolArg(cmd.Args))
	case "signal":
		return nil, s.SignalStart(ctx, boolArg(cmd.Args))
	case "ping":
		last, online := s.Ping()
		return map[string]interface{}{"online": online, "lastPing": last.UTC()}, nil
	}
	return nil, fmt.Errorf("api: unknown action %q", cmd.Action)
}

func varReturn(name string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"cmd": "VarReturn", "name": name, "result": value}
}

func boolArg(s string) bool {
	return s == "1" || strings.EqualFold(s, "true") || strings.EqualFold(s, "on")
}
