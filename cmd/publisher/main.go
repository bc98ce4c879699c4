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

// Package main is an interactive publisher for a shardmq cluster.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/turtacn/shardmq/pkg/client"
	"github.com/turtacn/shardmq/pkg/logging"
	"github.com/turtacn/shardmq/pkg/partition"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		via      int
		timeout  time.Duration
		topic    string
		message  string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "publisher <host:port>...",
		Short: "Publish messages to a shardmq cluster",
		Long: `Publish messages to a shardmq cluster.

Each message is sent to the broker that owns its topic, on a connection
opened for that message alone. Without --topic and --message the publisher
prompts for topic and message until you type 'exit'.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(cmd.ErrOrStderr(), logLevel, logging.FormatConsole)
			if err != nil {
				return err
			}
			endpoints, err := partition.ParseEndpoints(args)
			if err != nil {
				return err
			}
			pub, err := client.NewPublisher(endpoints, client.Options{Via: via, DialTimeout: timeout, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if topic != "" || message != "" {
				idx, err := pub.Publish(ctx, topic, message)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published: topic=%q message=%q (via broker %d)\n", topic, message, idx)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Publisher started. Type 'exit' to quit.")
			return client.PublishPrompt(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), pub)
		},
	}
	cmd.Flags().IntVar(&via, "via", -1, "send every message through the broker at this index instead of the owner")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultDialTimeout, "connect timeout")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "publish once to this topic and exit")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message for --topic")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	return cmd
}
