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

// Package broker contains the per-connection command loop of a shardmq node.
//
// A node owns the topics that the partitioner maps to its own index. Commands
// for those topics are applied to the local registry; commands for any other
// topic are relayed once to the owner and never relayed again.
package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/shardmq/pkg/connection"
	"github.com/turtacn/shardmq/pkg/forward"
	"github.com/turtacn/shardmq/pkg/metrics"
	"github.com/turtacn/shardmq/pkg/partition"
	"github.com/turtacn/shardmq/pkg/protocol"
	"github.com/turtacn/shardmq/pkg/topic"
)

// ErrNotOwner is returned by Dispatch for a forwarded command whose topic
// this node does not own. Such commands are dropped.
var ErrNotOwner = errors.New("topic not owned by this broker")

// Route describes what Dispatch did with a command.
type Route int

const (
	// RouteLocal means the command was applied to the local registry.
	RouteLocal Route = iota
	// RouteForwarded means the command was relayed to the owning peer.
	RouteForwarded
	// RouteDropped means a forwarded command arrived at a non-owner.
	RouteDropped
)

func (r Route) String() string {
	switch r {
	case RouteLocal:
		return "local"
	case RouteForwarded:
		return "forwarded"
	case RouteDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Options tunes a Node.
type Options struct {
	// MaxLineBytes bounds a single protocol line.
	MaxLineBytes int
	Logger       *slog.Logger
}

// ConnInfo describes a connection currently served by the node.
type ConnInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Node serves client and peer connections for one broker of the cluster.
type Node struct {
	table     *partition.Table
	registry  *topic.Registry
	forwarder forward.Forwarder
	maxLine   int
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection.Handle
}

// New creates a node. The table fixes the node's own index and its peers.
func New(table *partition.Table, registry *topic.Registry, forwarder forward.Forwarder, opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = protocol.DefaultMaxLineBytes
	}
	return &Node{
		table:     table,
		registry:  registry,
		forwarder: forwarder,
		maxLine:   maxLine,
		logger:    logger.With(slog.Int("node", table.Self())),
		conns:     make(map[string]*connection.Handle),
	}
}

// HandleConn serves conn until the peer closes it or a read fails. Bad
// commands are logged and skipped; they never end the connection. On return
// the connection has been removed from every topic and closed, in that order.
func (n *Node) HandleConn(conn net.Conn) {
	h := connection.New(conn)
	log := n.logger.With(slog.String("conn", h.ID()), slog.String("remote", h.RemoteAddr()))

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	n.track(h)
	log.Debug("Accepted connection")

	defer func() {
		topics := n.registry.UnsubscribeAll(h)
		n.untrack(h)
		_ = h.Close()
		metrics.ConnectionsActive.Dec()
		log.Debug("Connection closed", slog.Any("topics", topics))
	}()

	reader := protocol.NewLineReader(conn, n.maxLine)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if protocol.IsRecoverable(err) {
				n.protocolError(log, err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("Read failed", slog.Any("error", err))
			}
			return
		}

		cmd, err := protocol.Parse(line)
		if errors.Is(err, protocol.ErrEmptyCommand) {
			continue
		}
		if err != nil {
			n.protocolError(log, err, slog.String("line", line))
			continue
		}

		metrics.CommandsTotal.WithLabelValues(commandLabel(cmd)).Inc()
		route, err := n.Dispatch(cmd, h)
		switch {
		case errors.Is(err, ErrNotOwner):
			metrics.ForwardsDroppedTotal.Inc()
			log.Debug("Dropped forwarded command for topic owned elsewhere",
				slog.String("topic", cmd.Topic), slog.Int("owner", n.table.Owner(cmd.Topic)))
		case errors.Is(err, topic.ErrCapacityExceeded):
			n.protocolError(log, err, slog.String("topic", cmd.Topic))
		case err != nil && route == RouteForwarded:
			peer := n.table.Endpoint(n.table.Owner(cmd.Topic))
			log.Warn("Failed to forward command",
				slog.String("topic", cmd.Topic), slog.String("peer", peer.String()), slog.Any("error", err))
		case err != nil:
			log.Warn("Command failed", slog.String("topic", cmd.Topic), slog.Any("error", err))
		}
	}
}

// Dispatch applies one command received on h. Commands for topics owned by
// this node go to the registry, where h is the subscriber for SUBSCRIBE even
// when the command was forwarded by a peer. Unforwarded commands for other
// topics are relayed to their owner; forwarded ones are dropped with
// ErrNotOwner.
func (n *Node) Dispatch(cmd protocol.Command, h *connection.Handle) (Route, error) {
	owner := n.table.Owner(cmd.Topic)
	if owner != n.table.Self() {
		if cmd.Forwarded {
			return RouteDropped, ErrNotOwner
		}
		err := n.forwarder.Forward(context.Background(), n.table.Endpoint(owner), cmd)
		return RouteForwarded, err
	}

	switch cmd.Kind {
	case protocol.KindPublish:
		delivered := n.registry.Publish(cmd.Topic, cmd.Message)
		n.logger.Debug("Published",
			slog.String("topic", cmd.Topic), slog.Int("delivered", delivered), slog.Bool("forwarded", cmd.Forwarded))
		return RouteLocal, nil
	case protocol.KindSubscribe:
		if err := n.registry.Subscribe(cmd.Topic, h); err != nil {
			return RouteLocal, err
		}
		n.logger.Debug("Subscribed",
			slog.String("topic", cmd.Topic), slog.String("conn", h.ID()), slog.Bool("forwarded", cmd.Forwarded))
		return RouteLocal, nil
	default:
		return RouteLocal, protocol.ErrUnknownCommand
	}
}

// Table returns the node's partition table.
func (n *Node) Table() *partition.Table { return n.table }

// Topics lists the topics held by this node.
func (n *Node) Topics() []topic.TopicInfo { return n.registry.Topics() }

// Topic returns one topic held by this node.
func (n *Node) Topic(name string) (topic.TopicInfo, bool) { return n.registry.Topic(name) }

// Connections lists the connections being served, oldest first.
func (n *Node) Connections() []ConnInfo {
	n.mu.Lock()
	out := make([]ConnInfo, 0, len(n.conns))
	for _, h := range n.conns {
		out = append(out, ConnInfo{ID: h.ID(), RemoteAddr: h.RemoteAddr(), ConnectedAt: h.ConnectedAt()})
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (n *Node) protocolError(log *slog.Logger, err error, attrs ...any) {
	metrics.ProtocolErrorsTotal.Inc()
	log.Warn("Rejected command", append([]any{slog.Any("error", err)}, attrs...)...)
}

func (n *Node) track(h *connection.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns[h.ID()] = h
}

func (n *Node) untrack(h *connection.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, h.ID())
}

func commandLabel(cmd protocol.Command) string {
	if cmd.Forwarded {
		return protocol.KeywordForward + " " + cmd.Kind.String()
	}
	return cmd.Kind.String()
}
