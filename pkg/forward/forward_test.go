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

package forward

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/shardmq/pkg/metrics"
	"github.com/turtacn/shardmq/pkg/partition"
	"github.com/turtacn/shardmq/pkg/protocol"
)

// listenPeer accepts a single connection and returns everything written to
// it until the writer closes.
func listenPeer(t *testing.T) (partition.Endpoint, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		got <- string(b)
	}()

	ep, err := partition.ParseEndpoint(ln.Addr().String())
	require.NoError(t, err)
	return ep, got
}

func TestTCPForwarder_Publish(t *testing.T) {
	peer, got := listenPeer(t)
	f := NewTCPForwarder(time.Second, nil)

	before := testutil.ToFloat64(metrics.ForwardsTotal.WithLabelValues(peer.String(), metrics.ResultOK))
	err := f.Forward(context.Background(), peer, protocol.Publish("orders", "hello world"))
	require.NoError(t, err)

	select {
	case line := <-got:
		assert.Equal(t, "FORWARD PUBLISH orders hello world\n", line, "one envelope, then the connection closes")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded envelope")
	}
	after := testutil.ToFloat64(metrics.ForwardsTotal.WithLabelValues(peer.String(), metrics.ResultOK))
	assert.Equal(t, before+1, after)
}

func TestTCPForwarder_Subscribe(t *testing.T) {
	peer, got := listenPeer(t)
	f := NewTCPForwarder(time.Second, nil)

	require.NoError(t, f.Forward(context.Background(), peer, protocol.Subscribe("orders")))
	select {
	case line := <-got:
		assert.Equal(t, "FORWARD SUBSCRIBE orders\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded envelope")
	}
}

func TestTCPForwarder_UnreachablePeer(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	peer, err := partition.ParseEndpoint(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	f := NewTCPForwarder(500*time.Millisecond, nil)
	before := testutil.ToFloat64(metrics.ForwardsTotal.WithLabelValues(peer.String(), metrics.ResultError))
	err = f.Forward(context.Background(), peer, protocol.Publish("orders", "lost"))
	assert.Error(t, err)
	after := testutil.ToFloat64(metrics.ForwardsTotal.WithLabelValues(peer.String(), metrics.ResultError))
	assert.Equal(t, before+1, after, "a failure is reported once and not retried")
}

func TestTCPForwarder_InvalidCommand(t *testing.T) {
	f := NewTCPForwarder(0, nil)
	err := f.Forward(context.Background(), partition.Endpoint{Address: "127.0.0.1", Port: 1}, protocol.Publish("bad topic", "x"))
	assert.ErrorIs(t, err, protocol.ErrInvalidTopic)
}
