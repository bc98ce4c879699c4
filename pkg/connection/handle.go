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

// Package connection wraps a client socket in a stable handle that the topic
// registry can reference and deliver to.
package connection

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when writing to a handle that has been closed.
var ErrClosed = errors.New("connection closed")

// Handle is the unit of registry membership. It is owned by the goroutine
// that serves the connection; everyone else only delivers through it.
type Handle struct {
	id          string
	conn        net.Conn
	connectedAt time.Time

	// wmu keeps concurrent deliveries from interleaving within a line.
	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn in a handle with a fresh identifier.
func New(conn net.Conn) *Handle {
	return &Handle{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// RemoteAddr returns the peer address as a string.
func (h *Handle) RemoteAddr() string {
	if addr := h.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ConnectedAt returns when the handle was created.
func (h *Handle) ConnectedAt() time.Time { return h.connectedAt }

// Conn returns the underlying connection for reading.
func (h *Handle) Conn() net.Conn { return h.conn }

// Deliver writes message followed by a newline.
func (h *Handle) Deliver(message string) error {
	if h.closed.Load() {
		return ErrClosed
	}
	buf := make([]byte, 0, len(message)+1)
	buf = append(buf, message...)
	buf = append(buf, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.conn.Write(buf)
	return err
}

// Close releases the socket. Only the first call has an effect.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed.Load() }
