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

// Package supervisor keeps the node's long-running services alive: the
// line-protocol listener, the ops HTTP server and the gRPC health endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/shardmq/pkg/metrics"
)

// ErrNoSpecs is returned by Start when given nothing to supervise.
var ErrNoSpecs = errors.New("no child specs provided")

// DefaultRestartDelay is the pause before a service is restarted.
const DefaultRestartDelay = time.Second

// RestartStrategy defines the restart behavior for a supervised service.
type RestartStrategy int

const (
	// RestartPermanent indicates that the service should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the service should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the service should never be restarted.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Service is a long-running unit of work. Serve blocks until ctx is
// cancelled or the service fails.
type Service interface {
	Serve(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

// Serve calls f(ctx).
func (f ServiceFunc) Serve(ctx context.Context) error { return f(ctx) }

// Spec describes one supervised service.
type Spec struct {
	// ID names the service in logs and metrics.
	ID      string
	Service Service
	Restart RestartStrategy
	// Delay overrides DefaultRestartDelay when positive.
	Delay time.Duration
}

// OneForOneSupervisor restarts only the service that terminated.
type OneForOneSupervisor struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(logger *slog.Logger) *OneForOneSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OneForOneSupervisor{logger: logger}
}

// Start launches the initial set of supervised services. This method is
// non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single service in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go s.monitorChild(ctx, spec)
}

// Wait blocks until every supervised service has stopped for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	defer s.wg.Done()
	log := s.logger.With(slog.String("service", spec.ID))
	delay := spec.Delay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}

	for {
		log.Debug("Starting service")
		err := runService(ctx, spec)
		if ctx.Err() != nil {
			log.Debug("Supervisor context is done, not restarting service", slog.Any("error", err))
			return
		}
		if err != nil {
			log.Error("Service terminated", slog.Any("error", err))
		} else {
			log.Info("Service terminated")
		}

		if !shouldRestart(spec.Restart, err) {
			log.Info("Service will not be restarted", slog.String("strategy", spec.Restart.String()))
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Info("Restarting service", slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runService turns a panic into an error.
func runService(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Service.Serve(ctx)
}

func shouldRestart(strategy RestartStrategy, err error) bool {
	switch strategy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}
