package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/shardmq/pkg/client"
	"github.com/turtacn/shardmq/pkg/config"
	"github.com/turtacn/shardmq/pkg/partition"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCheck(t *testing.T) {
	out, err := execute(t, "config", "check", "9001", "127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK: node 1 of 3, listening on :9001")
	assert.Contains(t, out, "* 1 127.0.0.1:9001")
	assert.Contains(t, out, "  0 127.0.0.1:9000")
}

func TestConfigCheck_Invalid(t *testing.T) {
	_, err := execute(t, "config", "check", "9005", "127.0.0.1:9000", "127.0.0.1:9001")
	assert.ErrorIs(t, err, partition.ErrSelfOutOfRange)

	_, err = execute(t, "config", "check", "--log-level", "loud")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	out, err := execute(t, "config", "init", path, "9000", "10.0.0.1:9000", "10.0.0.2:9000", "--index", "0", "--admin", ":8082")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Node.Index)
	assert.Equal(t, ":9000", cfg.Node.Listen)
	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, cfg.Cluster.Brokers)
	assert.Equal(t, ":8082", cfg.Admin.Listen)

	// The saved file is a valid input for the next start.
	out, err = execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "node 0 of 2")
}

func TestRun_EndToEnd(t *testing.T) {
	port := freePort(t)
	adminPort := freePort(t)
	healthPort := freePort(t)
	self := "127.0.0.1:" + strconv.Itoa(port)

	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ApplyArgs([]string{strconv.Itoa(port), self}))
	cfg.Admin.Listen = "127.0.0.1:" + strconv.Itoa(adminPort)
	cfg.Admin.HealthListen = "127.0.0.1:" + strconv.Itoa(healthPort)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, io.Discard) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("run did not return after cancel")
		}
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", self)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	endpoints, err := partition.ParseEndpoints([]string{self})
	require.NoError(t, err)
	sub, err := client.NewSubscriber(endpoints, client.DefaultOptions())
	require.NoError(t, err)
	pub, err := client.NewPublisher(endpoints, client.DefaultOptions())
	require.NoError(t, err)

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	received := make(chan string, 1)
	go func() { _ = sub.Subscribe(subCtx, "news", func(m string) { received <- m }) }()

	adminURL := "http://" + cfg.Admin.Listen
	require.Eventually(t, func() bool {
		resp, err := http.Get(adminURL + "/api/v1/topics/news")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	_, err = pub.Publish(context.Background(), "news", "hello cluster")
	require.NoError(t, err)
	select {
	case m := <-received:
		assert.Equal(t, "hello cluster", m)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func runWithTimeout(t *testing.T, cfg *config.Config) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, io.Discard) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("run did not fail fast")
		return nil
	}
}

func TestRun_ListenAddressInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ApplyArgs([]string{strconv.Itoa(port), "127.0.0.1:" + strconv.Itoa(port)}))
	cfg.Node.Listen = busy.Addr().String()
	require.NoError(t, cfg.Validate())

	err = runWithTimeout(t, cfg)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	assert.Contains(t, err.Error(), busy.Addr().String())
}

func TestRun_AdminAddressInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	port := freePort(t)
	self := "127.0.0.1:" + strconv.Itoa(port)
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ApplyArgs([]string{strconv.Itoa(port), self}))
	cfg.Node.Listen = self
	cfg.Admin.Listen = busy.Addr().String()
	require.NoError(t, cfg.Validate())

	err = runWithTimeout(t, cfg)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)

	// The line-protocol listener bound before the failure is released.
	ln, err := net.Listen("tcp", self)
	require.NoError(t, err)
	ln.Close()
}
