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

// Package client implements the publisher and subscriber sides of the
// shardmq line protocol. Both route a topic to its owning broker with the
// same partitioner the brokers use, unless told to go through a fixed
// broker instead.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/turtacn/shardmq/pkg/partition"
	"github.com/turtacn/shardmq/pkg/protocol"
)

// DefaultDialTimeout bounds connecting to a broker.
const DefaultDialTimeout = 3 * time.Second

// ErrViaOutOfRange is returned when Options.Via does not name a broker.
var ErrViaOutOfRange = errors.New("via index out of range")

// Options configures a Publisher or Subscriber.
type Options struct {
	// Via forces every command through the broker at this index; -1 routes
	// each topic to its owner.
	Via          int
	DialTimeout  time.Duration
	MaxLineBytes int
	Logger       *slog.Logger
}

// DefaultOptions routes to owners with default timeouts.
func DefaultOptions() Options {
	return Options{Via: -1, DialTimeout: DefaultDialTimeout, MaxLineBytes: protocol.DefaultMaxLineBytes}
}

// router picks the broker a topic's commands are sent to.
type router struct {
	endpoints []partition.Endpoint
	via       int
	dialer    *net.Dialer
	maxLine   int
	logger    *slog.Logger
}

func newRouter(endpoints []partition.Endpoint, opts Options) (*router, error) {
	if len(endpoints) == 0 {
		return nil, partition.ErrNoBrokers
	}
	if opts.Via >= len(endpoints) || opts.Via < -1 {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrViaOutOfRange, opts.Via, len(endpoints))
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = protocol.DefaultMaxLineBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	eps := make([]partition.Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &router{
		endpoints: eps,
		via:       opts.Via,
		dialer:    &net.Dialer{Timeout: opts.DialTimeout},
		maxLine:   opts.MaxLineBytes,
		logger:    opts.Logger,
	}, nil
}

// Target returns the index and endpoint a command for topic goes to.
func (r *router) Target(topic string) (int, partition.Endpoint) {
	i := r.via
	if i < 0 {
		i = partition.OwnerOf(topic, len(r.endpoints))
	}
	return i, r.endpoints[i]
}

// encode renders cmd and enforces the broker's line limit.
func (r *router) encode(cmd protocol.Command) ([]byte, error) {
	line, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	if len(line)-1 > r.maxLine {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrLineTooLong, len(line)-1, r.maxLine)
	}
	return line, nil
}

func (r *router) send(ctx context.Context, ep partition.Endpoint, line []byte) (net.Conn, error) {
	conn, err := r.dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", ep, err)
	}
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write to broker %s: %w", ep, err)
	}
	return conn, nil
}

// Publisher sends one PUBLISH per connection.
type Publisher struct {
	r *router
}

// NewPublisher creates a publisher for the ordered broker list.
func NewPublisher(endpoints []partition.Endpoint, opts Options) (*Publisher, error) {
	r, err := newRouter(endpoints, opts)
	if err != nil {
		return nil, err
	}
	return &Publisher{r: r}, nil
}

// Target returns the broker index and endpoint used for topic.
func (p *Publisher) Target(topic string) (int, partition.Endpoint) { return p.r.Target(topic) }

// Publish connects to the target broker, writes the command and closes the
// connection. It returns the index of the broker it was sent to. There is no
// acknowledgment.
func (p *Publisher) Publish(ctx context.Context, topic, message string) (int, error) {
	line, err := p.r.encode(protocol.Publish(topic, message))
	if err != nil {
		return -1, err
	}
	idx, ep := p.r.Target(topic)
	conn, err := p.r.send(ctx, ep, line)
	if err != nil {
		return idx, err
	}
	p.r.logger.Debug("Published", slog.String("topic", topic), slog.Int("broker", idx))
	return idx, conn.Close()
}

// Subscriber holds one connection per subscription and streams what the
// broker pushes on it.
type Subscriber struct {
	r *router
}

// NewSubscriber creates a subscriber for the ordered broker list.
func NewSubscriber(endpoints []partition.Endpoint, opts Options) (*Subscriber, error) {
	r, err := newRouter(endpoints, opts)
	if err != nil {
		return nil, err
	}
	return &Subscriber{r: r}, nil
}

// Target returns the broker index and endpoint used for topic.
func (s *Subscriber) Target(topic string) (int, partition.Endpoint) { return s.r.Target(topic) }

// Subscribe sends SUBSCRIBE topic and calls handle for every line received
// until the broker closes the connection (nil is returned) or ctx is
// cancelled (ctx.Err() is returned).
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handle func(message string)) error {
	line, err := s.r.encode(protocol.Subscribe(topic))
	if err != nil {
		return err
	}
	idx, ep := s.r.Target(topic)
	conn, err := s.r.send(ctx, ep, line)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.r.logger.Debug("Subscribed", slog.String("topic", topic), slog.Int("broker", idx))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := protocol.NewLineReader(conn, s.r.maxLine)
	for {
		msg, err := reader.ReadLine()
		switch {
		case err == nil:
			handle(msg)
		case errors.Is(err, protocol.ErrLineTooLong):
			s.r.logger.Warn("Dropped oversized message", slog.String("topic", topic))
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("read from broker %s: %w", ep, err)
		}
	}
}
