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

// Package admin provides the read-only ops HTTP API of a shardmq node:
// health, Prometheus metrics, the topics this node owns, its connections and
// the static cluster layout.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/turtacn/shardmq/pkg/broker"
	"github.com/turtacn/shardmq/pkg/metrics"
	"github.com/turtacn/shardmq/pkg/partition"
	"github.com/turtacn/shardmq/pkg/topic"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// BrokerInterface is the part of a node the API reports on.
type BrokerInterface interface {
	Topics() []topic.TopicInfo
	Topic(name string) (topic.TopicInfo, bool)
	Connections() []broker.ConnInfo
	Table() *partition.Table
}

// APIServer serves the ops endpoints.
type APIServer struct {
	addr   string
	broker BrokerInterface
	logger *slog.Logger
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// PaginationMeta represents pagination metadata
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// TopicSummary is one row of the topic listing.
type TopicSummary struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// BrokerInfo is one entry of the cluster layout.
type BrokerInfo struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Self    bool   `json:"self"`
}

// ClusterInfo is the static layout as seen by this node.
type ClusterInfo struct {
	Self    int          `json:"self"`
	Brokers []BrokerInfo `json:"brokers"`
}

// OwnerInfo answers which broker owns a topic.
type OwnerInfo struct {
	Topic    string `json:"topic"`
	Owner    int    `json:"owner"`
	Endpoint string `json:"endpoint"`
	Local    bool   `json:"local"`
}

// NewAPIServer creates an API server that will listen on addr.
func NewAPIServer(addr string, b BrokerInterface, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{addr: addr, broker: b, logger: logger}
}

// Router builds the chi router with every endpoint.
func (s *APIServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/topics", s.handleTopics)
		r.Get("/topics/{name}", s.handleTopicByName)
		r.Get("/connections", s.handleConnections)
		r.Get("/cluster", s.handleCluster)
		r.Get("/cluster/owner", s.handleOwner)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func (s *APIServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled. The server takes
// ownership of lis.
func (s *APIServer) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}
	addr := lis.Addr().String()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.logger.Info("Admin API server started", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("Admin API server stopped", slog.String("addr", addr))
		return nil
	}
}

// handleHealth handles /health endpoint
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"node":   s.broker.Table().Self(),
		"time":   time.Now().Format(time.RFC3339),
	}
	s.writeSuccess(w, health)
}

// handleTopics lists owned topics by name, paginated.
func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	page, limit := s.getPagination(r)
	topics := s.broker.Topics()

	total := len(topics)
	start := total
	if page-1 <= total/limit {
		start = min((page-1)*limit, total)
	}
	end := start + limit
	if end > total {
		end = total
	}

	rows := make([]TopicSummary, 0, end-start)
	for _, t := range topics[start:end] {
		rows = append(rows, TopicSummary{Name: t.Name, Subscribers: len(t.Subscribers)})
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Data: rows,
		Meta: PaginationMeta{Page: page, Limit: limit, Count: len(rows), Total: total},
	})
}

func (s *APIServer) handleTopicByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.broker.Topic(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Topic not found")
		return
	}
	s.writeSuccess(w, info)
}

func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, s.broker.Connections())
}

func (s *APIServer) handleCluster(w http.ResponseWriter, r *http.Request) {
	table := s.broker.Table()
	info := ClusterInfo{Self: table.Self()}
	for i, ep := range table.Endpoints() {
		info.Brokers = append(info.Brokers, BrokerInfo{
			Index:   i,
			Address: ep.Address,
			Port:    ep.Port,
			Self:    i == table.Self(),
		})
	}
	s.writeSuccess(w, info)
}

func (s *APIServer) handleOwner(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("topic")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "Query parameter 'topic' is required")
		return
	}
	table := s.broker.Table()
	owner := table.Owner(name)
	s.writeSuccess(w, OwnerInfo{
		Topic:    name,
		Owner:    owner,
		Endpoint: table.Endpoint(owner).String(),
		Local:    owner == table.Self(),
	})
}

// Helper methods

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", slog.Any("error", err))
	}
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	return page, limit
}
