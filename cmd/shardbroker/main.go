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

// Package main is the entrypoint for a shardmq broker node.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/turtacn/shardmq/pkg/admin"
	"github.com/turtacn/shardmq/pkg/broker"
	"github.com/turtacn/shardmq/pkg/config"
	"github.com/turtacn/shardmq/pkg/forward"
	"github.com/turtacn/shardmq/pkg/health"
	"github.com/turtacn/shardmq/pkg/logging"
	"github.com/turtacn/shardmq/pkg/supervisor"
	"github.com/turtacn/shardmq/pkg/topic"
	"github.com/turtacn/shardmq/pkg/transport"
)

type flags struct {
	configPath string
	envFile    string
	index      int
	admin      string
	health     string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "shardbroker <port> <host:port>...",
		Short: "Run one node of a topic-sharded pub/sub cluster",
		Long: `Run one node of a topic-sharded pub/sub cluster.

Every node must be started with the same broker list in the same order.
Each topic is owned by exactly one node; commands for topics owned
elsewhere are forwarded once to the owner.

  shardbroker 9000 127.0.0.1:9000 127.0.0.1:9001 127.0.0.1:9002`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	bindFlags(cmd, f)
	cmd.AddCommand(newConfigCmd(f))
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "configuration file (.yaml, .yml or .json)")
	pf.StringVar(&f.envFile, "env-file", ".env", "dotenv file with SHARDMQ_* variables")
	pf.IntVar(&f.index, "index", -1, "this node's position in the broker list (-1 infers it from the port)")
	pf.StringVar(&f.admin, "admin", "", "ops HTTP listen address, e.g. :8082")
	pf.StringVar(&f.health, "health", "", "gRPC health listen address, e.g. :8081")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&f.logFormat, "log-format", "", "console or json")
}

// buildConfig layers defaults, the config file, the environment, positional
// arguments and flags, in that order, then validates the result.
func buildConfig(cmd *cobra.Command, f *flags, args []string) (*config.Config, error) {
	if err := config.LoadEnvFile(f.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("index") {
		cfg.Node.Index = f.index
	}
	if changed("admin") {
		cfg.Admin.Listen = f.admin
	}
	if changed("health") {
		cfg.Admin.HealthListen = f.health
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run starts the node's services and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger, err := logging.Setup(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	table, err := cfg.Table()
	if err != nil {
		return err
	}

	registry := topic.NewRegistry(topic.Limits{
		MaxTopics:              cfg.Limits.MaxTopics,
		MaxSubscribersPerTopic: cfg.Limits.MaxSubscribersPerTopic,
	}, logger)
	forwarder := forward.NewTCPForwarder(time.Duration(cfg.Cluster.DialTimeout), logger)
	node := broker.New(table, registry, forwarder, broker.Options{
		MaxLineBytes: cfg.Limits.MaxLineBytes,
		Logger:       logger,
	})
	server := transport.NewServer(cfg.Node.Listen, node, logger)

	// Every listener is bound before anything starts so an address in use
	// fails startup instead of entering the restart loop.
	var bound []*boundService
	defer func() {
		for _, b := range bound {
			b.release()
		}
	}()
	bind := func(addr string, serve func(context.Context, net.Listener) error) (*boundService, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		b := &boundService{addr: addr, ln: ln, serve: serve}
		bound = append(bound, b)
		return b, nil
	}

	listener, err := bind(cfg.Node.Listen, server.ServeListener)
	if err != nil {
		return err
	}
	specs := []supervisor.Spec{
		{ID: "listener", Service: listener, Restart: supervisor.RestartTransient},
	}
	if cfg.Admin.HealthListen != "" {
		hs := health.NewServer(cfg.Admin.HealthListen, logger)
		svc, err := bind(cfg.Admin.HealthListen, hs.ServeListener)
		if err != nil {
			return err
		}
		server.OnStateChange(hs.SetServing)
		specs = append(specs, supervisor.Spec{ID: "health", Service: svc, Restart: supervisor.RestartTransient})
	}
	if cfg.Admin.Listen != "" {
		api := admin.NewAPIServer(cfg.Admin.Listen, node, logger)
		svc, err := bind(cfg.Admin.Listen, api.ServeListener)
		if err != nil {
			return err
		}
		specs = append(specs, supervisor.Spec{ID: "admin", Service: svc, Restart: supervisor.RestartTransient})
	}

	self := table.Endpoint(table.Self())
	logger.Info("Broker starting",
		slog.Int("node", table.Self()),
		slog.String("listen", cfg.Node.Listen),
		slog.String("endpoint", self.String()),
		slog.Int("brokers", table.Len()))
	for i, ep := range table.Endpoints() {
		logger.Debug("Broker added", slog.Int("index", i), slog.String("endpoint", ep.String()))
	}

	sup := supervisor.NewOneForOneSupervisor(logger)
	if err := sup.Start(ctx, specs); err != nil {
		return err
	}
	<-ctx.Done()
	sup.Wait()
	logger.Info("Broker stopped")
	return nil
}

// boundService serves on a listener bound at startup and rebinds its
// address when the supervisor restarts it.
type boundService struct {
	addr  string
	serve func(context.Context, net.Listener) error

	mu sync.Mutex
	ln net.Listener
}

func (b *boundService) Serve(ctx context.Context) error {
	b.mu.Lock()
	ln := b.ln
	b.ln = nil
	b.mu.Unlock()

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", b.addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", b.addr, err)
		}
	}
	return b.serve(ctx, ln)
}

// release closes the startup listener if it was never handed to serve.
func (b *boundService) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln != nil {
		b.ln.Close()
		b.ln = nil
	}
}

func newConfigCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path> [port] [host:port...]",
		Short: "Write a configuration file built from defaults, environment and arguments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := buildConfig(c, f, args[1:])
			if err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Configuration saved to %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check [port] [host:port...]",
		Short: "Validate the effective configuration and print the cluster layout",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := buildConfig(c, f, args)
			if err != nil {
				return err
			}
			table, err := cfg.Table()
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: node %d of %d, listening on %s\n", table.Self(), table.Len(), cfg.Node.Listen)
			for i, ep := range table.Endpoints() {
				marker := " "
				if i == table.Self() {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %d %s\n", marker, i, ep)
			}
			return nil
		},
	})
	return cmd
}
