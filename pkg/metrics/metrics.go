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

// Package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forward results used as the "result" label of ForwardsTotal.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// ConnectionsTotal is a counter for the total number of accepted connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardmq_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// ConnectionsActive tracks connections whose handler is still running.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardmq_connections_active",
		Help: "The number of currently open connections.",
	})

	// CommandsTotal counts well-formed commands by keyword, with FORWARD
	// variants reported separately.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardmq_commands_total",
		Help: "The total number of protocol commands processed.",
	},
		[]string{"command"},
	)

	// ProtocolErrorsTotal counts malformed or rejected lines.
	ProtocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardmq_protocol_errors_total",
		Help: "The total number of malformed or rejected commands.",
	})

	// MessagesPublishedTotal counts publishes handled by the owning broker.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardmq_messages_published_total",
		Help: "The total number of messages published to locally owned topics.",
	})

	// MessagesDeliveredTotal counts successful pushes to subscribers.
	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardmq_messages_delivered_total",
		Help: "The total number of messages written to subscribers.",
	})

	// DeliveryFailuresTotal counts failed pushes to subscribers.
	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardmq_delivery_failures_total",
		Help: "The total number of failed writes to subscribers.",
	})

	// ForwardsTotal counts relays to peer brokers.
	ForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardmq_forwards_total",
		Help: "The total number of commands forwarded to peer brokers.",
	},
		[]string{"peer", "result"},
	)

	// ForwardsDroppedTotal counts forwarded commands received for topics
	// this broker does not own.
	ForwardsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardmq_forwards_dropped_total",
		Help: "The total number of forwarded commands dropped because this broker is not the owner.",
	})

	// Topics is the number of topic records held by this broker.
	Topics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardmq_topics",
		Help: "The number of topics owned and tracked by this broker.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardmq_supervisor_restarts_total",
		Help: "The total number of times a supervised service has been restarted.",
	},
		[]string{"service"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
