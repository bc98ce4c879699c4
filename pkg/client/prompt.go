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

package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// ExitCommand ends an interactive prompt.
const ExitCommand = "exit"

var (
	errColor  = color.New(color.FgRed)
	infoColor = color.New(color.FgCyan)
)

// PublishPrompt asks for a topic and a message until the user types exit or
// input ends. Failed publishes are reported and the prompt continues.
func PublishPrompt(ctx context.Context, in io.Reader, out io.Writer, p *Publisher) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nEnter topic to publish (or 'exit' to quit): ")
		topic, ok := scanLine(sc)
		if !ok || topic == ExitCommand {
			return sc.Err()
		}
		fmt.Fprint(out, "Enter message: ")
		message, ok := scanLine(sc)
		if !ok {
			return sc.Err()
		}

		idx, err := p.Publish(ctx, topic, message)
		if err != nil {
			errColor.Fprintf(out, "Publish failed: %v\n", err)
			continue
		}
		infoColor.Fprintf(out, "Published: topic=%q message=%q (via broker %d)\n", topic, message, idx)
	}
}

// SubscribePrompt asks for a topic, prints every message received for it
// until the broker closes the connection, then asks again. It returns when
// the user types exit, input ends or ctx is cancelled.
func SubscribePrompt(ctx context.Context, in io.Reader, out io.Writer, s *Subscriber) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nEnter topic to subscribe (or 'exit' to quit): ")
		topic, ok := scanLine(sc)
		if !ok || topic == ExitCommand {
			return sc.Err()
		}

		idx, _ := s.Target(topic)
		infoColor.Fprintf(out, "Subscribed to topic %q (via broker %d)\n", topic, idx)
		err := s.Subscribe(ctx, topic, func(msg string) {
			fmt.Fprintf(out, "Message received: %s\n", msg)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			errColor.Fprintf(out, "Subscription ended: %v\n", err)
			continue
		}
		infoColor.Fprintln(out, "Connection closed by broker.")
	}
}

func scanLine(sc *bufio.Scanner) (string, bool) {
	if !sc.Scan() {
		return "", false
	}
	return strings.TrimRight(sc.Text(), "\r"), true
}
