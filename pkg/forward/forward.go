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

// Package forward relays a command to the broker that owns its topic.
//
// A relay is one short-lived connection carrying exactly one FORWARD line.
// Nothing is acknowledged, retried or queued: if the peer cannot be reached
// the command is lost and the caller gets the error for logging.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/turtacn/shardmq/pkg/metrics"
	"github.com/turtacn/shardmq/pkg/partition"
	"github.com/turtacn/shardmq/pkg/protocol"
)

// DefaultDialTimeout bounds connecting to a peer.
const DefaultDialTimeout = 3 * time.Second

// Forwarder relays a command to a peer broker.
type Forwarder interface {
	Forward(ctx context.Context, peer partition.Endpoint, cmd protocol.Command) error
}

// TCPForwarder opens one connection per relayed command.
type TCPForwarder struct {
	dialer *net.Dialer
	logger *slog.Logger
}

// NewTCPForwarder creates a forwarder. A non-positive dialTimeout selects
// DefaultDialTimeout.
func NewTCPForwarder(dialTimeout time.Duration, logger *slog.Logger) *TCPForwarder {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPForwarder{
		dialer: &net.Dialer{Timeout: dialTimeout},
		logger: logger,
	}
}

// Forward tags cmd with FORWARD, writes it to peer and closes the connection.
func (f *TCPForwarder) Forward(ctx context.Context, peer partition.Endpoint, cmd protocol.Command) error {
	addr := peer.String()
	err := f.send(ctx, addr, cmd.AsForward())
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(addr, metrics.ResultError).Inc()
		return err
	}
	metrics.ForwardsTotal.WithLabelValues(addr, metrics.ResultOK).Inc()
	f.logger.Debug("forwarded command",
		slog.String("peer", addr), slog.String("command", cmd.Kind.String()), slog.String("topic", cmd.Topic))
	return nil
}

func (f *TCPForwarder) send(ctx context.Context, addr string, cmd protocol.Command) error {
	line, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encode forward envelope: %w", err)
	}

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to peer %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write to peer %s: %w", addr, err)
	}
	return nil
}
