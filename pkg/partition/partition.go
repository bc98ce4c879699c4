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

// Package partition decides which broker owns a topic. Ownership is a pure
// function of the topic name and the size of the static broker list, so every
// node computes the same answer without talking to the others as long as they
// were all started with the same, identically ordered endpoint list.
package partition

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrNoBrokers is returned when a table is built from an empty endpoint list.
	ErrNoBrokers = errors.New("at least one broker endpoint is required")
	// ErrInvalidEndpoint is returned for endpoints that are not host:port.
	ErrInvalidEndpoint = errors.New("invalid broker endpoint")
	// ErrSelfOutOfRange is returned when the local index does not name an endpoint.
	ErrSelfOutOfRange = errors.New("self index out of range")
)

// Endpoint identifies one broker node.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// ParseEndpoint parses "host:port". The host may be empty only if the caller
// accepts binding-style addresses; for peers it is always required.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w %q: missing host", ErrInvalidEndpoint, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w %q: bad port %q", ErrInvalidEndpoint, s, portStr)
	}
	return Endpoint{Address: host, Port: port}, nil
}

// ParseEndpoints parses an ordered list of host:port strings.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(list))
	for _, s := range list {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// OwnerOf maps a topic name to a broker index in [0, brokerCount).
//
// The rolling hash is reduced modulo brokerCount after every byte and once
// more at the end. Keep it that way: peers running other implementations of
// the broker route with exactly this formula.
//
// brokerCount must be >= 1; Table rejects an empty broker list up front so
// callers holding a Table never reach the panic below.
func OwnerOf(topic string, brokerCount int) int {
	if brokerCount < 1 {
		panic("partition: broker count must be positive")
	}
	n := uint64(brokerCount)
	var h uint64
	for i := 0; i < len(topic); i++ {
		h = (h*31 + uint64(topic[i])) % n
	}
	return int(h % n)
}

// Table is the static, ordered broker list plus the index of the local node.
// It is immutable after construction and safe for concurrent use.
type Table struct {
	endpoints []Endpoint
	self      int
}

// NewTable validates the endpoint list and the self index.
func NewTable(endpoints []Endpoint, self int) (*Table, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoBrokers
	}
	for _, ep := range endpoints {
		if ep.Address == "" || ep.Port <= 0 || ep.Port > 65535 {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidEndpoint, ep)
		}
	}
	if self < 0 || self >= len(endpoints) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrSelfOutOfRange, self, len(endpoints))
	}
	eps := make([]Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &Table{endpoints: eps, self: self}, nil
}

// Self returns the local node's index.
func (t *Table) Self() int { return t.self }

// Len returns the number of brokers.
func (t *Table) Len() int { return len(t.endpoints) }

// Endpoint returns the endpoint at index i.
func (t *Table) Endpoint(i int) Endpoint { return t.endpoints[i] }

// Endpoints returns a copy of the ordered endpoint list.
func (t *Table) Endpoints() []Endpoint {
	out := make([]Endpoint, len(t.endpoints))
	copy(out, t.endpoints)
	return out
}

// Owner returns the index of the broker that owns topic.
func (t *Table) Owner(topic string) int {
	return OwnerOf(topic, len(t.endpoints))
}

// IsLocal reports whether the local node owns topic.
func (t *Table) IsLocal(topic string) bool {
	return t.Owner(topic) == t.self
}

// IndexForPort returns the index of the single endpoint listening on port.
// It fails when no endpoint or more than one endpoint uses that port, since
// the local node cannot be identified unambiguously in that case.
func IndexForPort(endpoints []Endpoint, port int) (int, error) {
	found := -1
	for i, ep := range endpoints {
		if ep.Port != port {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("port %d is used by endpoints %d and %d; set the node index explicitly", port, found, i)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: no endpoint uses port %d", ErrSelfOutOfRange, port)
	}
	return found, nil
}
