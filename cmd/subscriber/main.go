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

// Package main is a subscriber for a shardmq cluster.
package main

import (
	"context"
	"errors"
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
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "subscriber <host:port>...",
		Short: "Subscribe to a topic on a shardmq cluster and print its messages",
		Long: `Subscribe to a topic on a shardmq cluster and print its messages.

The subscription is sent to the broker that owns the topic and lasts until
that broker closes the connection. Without --topic the subscriber prompts
for a topic, and prompts again when a subscription ends.`,
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
			sub, err := client.NewSubscriber(endpoints, client.Options{Via: via, DialTimeout: timeout, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if topic == "" {
				err := client.SubscribePrompt(ctx, cmd.InOrStdin(), out, sub)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			idx, _ := sub.Target(topic)
			fmt.Fprintf(out, "Subscribed to topic %q (via broker %d).\n", topic, idx)
			err = sub.Subscribe(ctx, topic, func(msg string) {
				fmt.Fprintf(out, "Message received: %s\n", msg)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err == nil {
				fmt.Fprintln(out, "Connection closed by broker.")
			}
			return err
		},
	}
	cmd.Flags().IntVar(&via, "via", -1, "subscribe through the broker at this index instead of the owner")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultDialTimeout, "connect timeout")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "subscribe to this topic")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	return cmd
}
