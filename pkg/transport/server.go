// Copyright 2023 The shardmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport is the broker's TCP accept loop. Every accepted
// connection is served by its own goroutine, independently of all others.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrAlreadyStarted is returned by Start while the server is running.
var ErrAlreadyStarted = errors.New("server already started")

// Handler serves one connection until it ends. The handler owns conn and is
// responsible for closing it.
type Handler interface {
	HandleConn(conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn net.Conn)

// HandleConn calls f(conn).
func (f HandlerFunc) HandleConn(conn net.Conn) { f(conn) }

// Server accepts TCP connections and hands each one to the Handler.
type Server struct {
	addr    string
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	quit     chan struct{}
	done     chan struct{}
	loopErr  error
	wg       sync.WaitGroup
	onState  func(listening bool)
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger,
	}
}

// OnStateChange registers fn to be called with true once the server accepts
// connections and with false once it has stopped. Call it before Start.
func (s *Server) OnStateChange(fn func(listening bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// Start listens on the configured address and begins accepting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	if err := s.StartListener(ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// StartListener begins accepting on an already bound listener. The server
// takes ownership of ln.
func (s *Server) StartListener(ln net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.listener = ln
	s.conns = make(map[net.Conn]struct{})
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.loopErr = nil

	s.wg.Add(1)
	go s.acceptLoop(ln, s.quit, s.done)
	onState := s.onState
	s.mu.Unlock()

	s.logger.Info("TCP server started", slog.String("addr", ln.Addr().String()))
	if onState != nil {
		onState(true)
	}
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// accept loop and all handlers to return. Stopping an idle server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.quit:
		// Another Stop is already in progress.
		s.mu.Unlock()
		return
	default:
	}
	close(s.quit)
	ln.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.listener = nil
	s.conns = nil
	onState := s.onState
	s.mu.Unlock()
	s.logger.Info("TCP server stopped", slog.String("addr", ln.Addr().String()))
	if onState != nil {
		onState(false)
	}
}

// Serve runs the server until ctx is cancelled or the listener fails.
// It returns nil on cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.wait(ctx)
}

// ServeListener is Serve on an already bound listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	if err := s.StartListener(ln); err != nil {
		ln.Close()
		return err
	}
	return s.wait(ctx)
}

func (s *Server) wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case <-done:
		s.mu.Lock()
		err := s.loopErr
		s.mu.Unlock()
		s.Stop()
		return err
	}
}

// Addr returns the listening address, or nil if the server is not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the number of connections currently being served.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// acceptLoop runs until the listener is closed. Transient accept errors are
// logged and the loop keeps going.
func (s *Server) acceptLoop(ln net.Listener, quit, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.mu.Lock()
				s.loopErr = fmt.Errorf("listener closed unexpectedly: %w", err)
				s.mu.Unlock()
				return
			}
			s.logger.Warn("Error accepting connection", slog.Any("error", err))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	s.handler.HandleConn(conn)
}

// track records conn unless the server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
