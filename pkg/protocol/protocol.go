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

// Package protocol implements the newline-delimited text protocol spoken by
// clients and between brokers:
//
//	PUBLISH <topic> <message...>
//	SUBSCRIBE <topic>
//	FORWARD PUBLISH <topic> <message...>
//	FORWARD SUBSCRIBE <topic>
//
// Keywords are case-sensitive. The message is the remainder of the line and
// may contain spaces; topics may not.
package protocol

import (
	"errors"
	"strings"
)

// Keywords of the wire grammar.
const (
	KeywordPublish   = "PUBLISH"
	KeywordSubscribe = "SUBSCRIBE"
	KeywordForward   = "FORWARD"
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingTopic   = errors.New("missing topic")
	ErrMissingMessage = errors.New("missing message")
	ErrInvalidTopic   = errors.New("topic must not contain whitespace")
	ErrInvalidMessage = errors.New("message must not contain a line break")
	ErrLineTooLong    = errors.New("line exceeds maximum length")
)

// Kind is the operation a command asks for.
type Kind int

const (
	KindPublish Kind = iota + 1
	KindSubscribe
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return KeywordPublish
	case KindSubscribe:
		return KeywordSubscribe
	default:
		return "UNKNOWN"
	}
}

// Command is one parsed protocol line.
type Command struct {
	Kind Kind
	// Forwarded is set when the line carried the FORWARD prefix, i.e. it
	// was relayed by a peer broker and must not be relayed again.
	Forwarded bool
	Topic     string
	// Message is only meaningful for KindPublish.
	Message string
}

// Publish builds a PUBLISH command.
func Publish(topic, message string) Command {
	return Command{Kind: KindPublish, Topic: topic, Message: message}
}

// Subscribe builds a SUBSCRIBE command.
func Subscribe(topic string) Command {
	return Command{Kind: KindSubscribe, Topic: topic}
}

// AsForward returns a copy of c tagged for relay to the owning broker.
func (c Command) AsForward() Command {
	c.Forwarded = true
	return c
}

// Validate checks that c can be written as a single protocol line.
func (c Command) Validate() error {
	if c.Topic == "" {
		return ErrMissingTopic
	}
	if strings.ContainsAny(c.Topic, " \t\r\n") {
		return ErrInvalidTopic
	}
	switch c.Kind {
	case KindPublish:
		if c.Message == "" {
			return ErrMissingMessage
		}
		if strings.ContainsAny(c.Message, "\r\n") {
			return ErrInvalidMessage
		}
	case KindSubscribe:
	default:
		return ErrUnknownCommand
	}
	return nil
}

// String renders c as a protocol line without the trailing newline.
func (c Command) String() string {
	var b strings.Builder
	if c.Forwarded {
		b.WriteString(KeywordForward)
		b.WriteByte(' ')
	}
	b.WriteString(c.Kind.String())
	b.WriteByte(' ')
	b.WriteString(c.Topic)
	if c.Kind == KindPublish {
		b.WriteByte(' ')
		b.WriteString(c.Message)
	}
	return b.String()
}

// Encode validates c and returns it as a newline-terminated line.
func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []byte(c.String() + "\n"), nil
}

// Parse decodes one line (with or without its terminator).
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " ")
	if strings.TrimSpace(line) == "" {
		return Command{}, ErrEmptyCommand
	}

	keyword, rest, _ := strings.Cut(line, " ")
	var cmd Command
	if keyword == KeywordForward {
		cmd.Forwarded = true
		keyword, rest, _ = strings.Cut(strings.TrimLeft(rest, " "), " ")
	}

	switch keyword {
	case KeywordPublish:
		cmd.Kind = KindPublish
		topic, message, found := strings.Cut(strings.TrimLeft(rest, " "), " ")
		if topic == "" {
			return Command{}, ErrMissingTopic
		}
		if strings.ContainsAny(topic, " \t") {
			return Command{}, ErrInvalidTopic
		}
		if !found || message == "" {
			return Command{}, ErrMissingMessage
		}
		cmd.Topic, cmd.Message = topic, message
	case KeywordSubscribe:
		cmd.Kind = KindSubscribe
		topic := strings.TrimSpace(rest)
		if topic == "" {
			return Command{}, ErrMissingTopic
		}
		if strings.ContainsAny(topic, " \t") {
			return Command{}, ErrInvalidTopic
		}
		cmd.Topic = topic
	default:
		return Command{}, ErrUnknownCommand
	}
	return cmd, nil
}
