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

// Package topic provides the in-memory table of topics owned by this broker
// and the connections subscribed to each of them. Every mutation and every
// subscriber lookup runs under a single mutex; message writes happen outside
// of it so a slow subscriber never stalls subscribe or disconnect handling.
package topic

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/turtacn/shardmq/pkg/metrics"
)

var (
	// ErrCapacityExceeded is returned when a configured topic or subscriber
	// limit would be exceeded.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNilSubscriber is returned when subscribing a nil subscriber.
	ErrNilSubscriber = errors.New("nil subscriber")
)

// Subscriber is a delivery target, normally a live client connection.
// The registry only holds references; the owner closes the connection and
// must call UnsubscribeAll before doing so.
type Subscriber interface {
	// ID identifies the subscriber in logs and snapshots.
	ID() string
	// Deliver pushes one message. An error means the subscriber is gone.
	Deliver(message string) error
}

// Limits bounds the registry. Zero values mean unbounded.
type Limits struct {
	MaxTopics              int
	MaxSubscribersPerTopic int
}

// TopicInfo is a point-in-time view of one topic.
type TopicInfo struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

// entry is one topic record. subscribers keeps insertion order, which is
// also delivery order, and holds each subscriber at most once.
type entry struct {
	name        string
	subscribers []Subscriber
	// next is the ticket handed to the next publish; guarded by Registry.mu.
	next  uint64
	order turnstile
}

// Registry maps topic names to their subscribers.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*entry
	limits Limits
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(limits Limits, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		topics: make(map[string]*entry),
		limits: limits,
		logger: logger,
	}
}

// Subscribe adds sub to the topic, creating the topic on first use.
// Subscribing the same subscriber twice is a no-op.
func (r *Registry) Subscribe(name string, sub Subscriber) error {
	if sub == nil {
		return ErrNilSubscriber
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.topics[name]
	if !ok {
		if r.limits.MaxTopics > 0 && len(r.topics) >= r.limits.MaxTopics {
			return fmt.Errorf("%w: topic limit %d reached, cannot create %q", ErrCapacityExceeded, r.limits.MaxTopics, name)
		}
		e = &entry{name: name}
		e.order.init()
		r.topics[name] = e
		metrics.Topics.Set(float64(len(r.topics)))
	}

	for _, existing := range e.subscribers {
		if existing == sub {
			return nil
		}
	}
	if r.limits.MaxSubscribersPerTopic > 0 && len(e.subscribers) >= r.limits.MaxSubscribersPerTopic {
		return fmt.Errorf("%w: topic %q already has %d subscribers", ErrCapacityExceeded, name, len(e.subscribers))
	}
	e.subscribers = append(e.subscribers, sub)
	return nil
}

// UnsubscribeAll removes sub from every topic and returns the names of the
// topics it was removed from. It is idempotent. Topics left without
// subscribers are kept; the table is bounded by the names actually used.
func (r *Registry) UnsubscribeAll(sub Subscriber) []string {
	if sub == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, e := range r.topics {
		if e.remove(sub) {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Publish delivers message to every subscriber the topic has at the moment
// of the call, in subscription order, and returns how many deliveries
// succeeded. An unknown topic or a topic without subscribers yields 0.
//
// Subscribers whose delivery fails are skipped and pruned afterwards.
// Concurrent publishes to the same topic reach each subscriber in the order
// they took their snapshot under the registry lock. A blocked delivery
// stalls the topic; see turnstile.
func (r *Registry) Publish(name, message string) int {
	r.mu.Lock()
	e, ok := r.topics[name]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	subs := make([]Subscriber, len(e.subscribers))
	copy(subs, e.subscribers)
	ticket := e.next
	e.next++
	r.mu.Unlock()

	metrics.MessagesPublishedTotal.Inc()

	e.order.wait(ticket)
	delivered, failed := deliver(subs, message)
	e.order.done()

	for _, f := range failed {
		r.logger.Warn("delivery failed, dropping subscriber",
			slog.String("topic", name), slog.String("conn", f.sub.ID()), slog.Any("error", f.err))
	}
	if len(failed) > 0 {
		r.prune(e, failed)
	}
	return delivered
}

type failure struct {
	sub Subscriber
	err error
}

func deliver(subs []Subscriber, message string) (int, []failure) {
	delivered := 0
	var failed []failure
	for _, s := range subs {
		if err := s.Deliver(message); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			failed = append(failed, failure{sub: s, err: err})
			continue
		}
		metrics.MessagesDeliveredTotal.Inc()
		delivered++
	}
	return delivered, failed
}

func (r *Registry) prune(e *entry, failed []failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range failed {
		e.remove(f.sub)
	}
}

// Topics returns a snapshot of all topics sorted by name.
func (r *Registry) Topics() []TopicInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TopicInfo, 0, len(r.topics))
	for _, e := range r.topics {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Topic returns a snapshot of one topic.
func (r *Registry) Topic(name string) (TopicInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.topics[name]
	if !ok {
		return TopicInfo{}, false
	}
	return e.info(), true
}

// Len returns the number of topic records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (e *entry) remove(sub Subscriber) bool {
	for i, s := range e.subscribers {
		if s == sub {
			e.subscribers = append(e.subscribers[:i:i], e.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func (e *entry) info() TopicInfo {
	ids := make([]string, len(e.subscribers))
	for i, s := range e.subscribers {
		ids[i] = s.ID()
	}
	return TopicInfo{Name: e.name, Subscribers: ids}
}

// turnstile lets publishers through strictly in ticket order. Deliveries
// carry no write deadline, so a subscriber that stops reading holds the
// current ticket once its socket buffer fills, and every later publish to
// the same topic waits behind it until the write completes or fails.
// Other topics are unaffected.
type turnstile struct {
	mu      sync.Mutex
	cond    *sync.Cond
	serving uint64
}

func (t *turnstile) init() {
	t.cond = sync.NewCond(&t.mu)
}

func (t *turnstile) wait(ticket uint64) {
	t.mu.Lock()
	for t.serving != ticket {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *turnstile) done() {
	t.mu.Lock()
	t.serving++
	t.cond.Broadcast()
	t.mu.Unlock()
}
