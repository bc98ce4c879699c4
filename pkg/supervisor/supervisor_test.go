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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/shardmq/pkg/metrics"
)

const fastRestart = 20 * time.Millisecond

// counting returns a service that records how often it was started and then
// runs fn.
func counting(n *atomic.Int32, fn func(ctx context.Context) error) Service {
	return ServiceFunc(func(ctx context.Context) error {
		n.Add(1)
		return fn(ctx)
	})
}

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := NewOneForOneSupervisor(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var starts atomic.Int32
	spec := Spec{ID: "listener", Service: counting(&starts, blockUntilDone), Restart: RestartPermanent}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	require.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() { sup.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
	assert.Equal(t, int32(1), starts.Load(), "a cancelled service is not restarted")
}

func TestSupervisor_OneForOne_PermanentRestart(t *testing.T) {
	sup := NewOneForOneSupervisor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := testutil.ToFloat64(metrics.SupervisorRestartsTotal.WithLabelValues("crashy"))
	var starts atomic.Int32
	spec := Spec{
		ID:      "crashy",
		Service: counting(&starts, func(context.Context) error { return errors.New("i have failed") }),
		Restart: RestartPermanent,
		Delay:   fastRestart,
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))

	require.Eventually(t, func() bool { return starts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.SupervisorRestartsTotal.WithLabelValues("crashy"))-before, 2.0)
}

func TestSupervisor_OneForOne_PanicRestart(t *testing.T) {
	sup := NewOneForOneSupervisor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	spec := Spec{
		ID:      "panicky",
		Service: counting(&starts, func(context.Context) error { panic("something went horribly wrong") }),
		Restart: RestartTransient,
		Delay:   fastRestart,
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	require.Eventually(t, func() bool { return starts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_OneForOne_OnlyFailedChildRestarts(t *testing.T) {
	sup := NewOneForOneSupervisor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var steady, flaky atomic.Int32
	specs := []Spec{
		{ID: "steady", Service: counting(&steady, blockUntilDone), Restart: RestartPermanent, Delay: fastRestart},
		{ID: "flaky", Service: counting(&flaky, func(context.Context) error { return errors.New("boom") }), Restart: RestartPermanent, Delay: fastRestart},
	}
	require.NoError(t, sup.Start(ctx, specs))
	require.Eventually(t, func() bool { return flaky.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), steady.Load())
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := NewOneForOneSupervisor(nil)
		err := sup.Start(context.Background(), []Spec{})
		assert.ErrorIs(t, err, ErrNoSpecs)
	})

	cases := []struct {
		name     string
		strategy RestartStrategy
		err      error
		restarts bool
	}{
		{"temporary never restarts", RestartTemporary, errors.New("failed"), false},
		{"transient restarts on error", RestartTransient, errors.New("failed"), true},
		{"transient stays down on success", RestartTransient, nil, false},
		{"permanent restarts on success", RestartPermanent, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sup := NewOneForOneSupervisor(nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var starts atomic.Int32
			spec := Spec{
				ID:      "svc",
				Service: counting(&starts, func(context.Context) error { return tc.err }),
				Restart: tc.strategy,
				Delay:   fastRestart,
			}
			require.NoError(t, sup.Start(ctx, []Spec{spec}))

			if tc.restarts {
				require.Eventually(t, func() bool { return starts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
				return
			}
			sup.Wait()
			assert.Equal(t, int32(1), starts.Load())
		})
	}
}

func TestRestartStrategy_String(t *testing.T) {
	assert.Equal(t, "permanent", RestartPermanent.String())
	assert.Equal(t, "transient", RestartTransient.String())
	assert.Equal(t, "temporary", RestartTemporary.String())
	assert.Equal(t, "unknown", RestartStrategy(9).String())
}
