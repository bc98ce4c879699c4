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

package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
		err  error
	}{
		{"publish", "PUBLISH news hello", Publish("news", "hello"), nil},
		{"publish keeps spaces in message", "PUBLISH news hello big  world\n", Publish("news", "hello big  world"), nil},
		{"publish with crlf", "PUBLISH news hi\r\n", Publish("news", "hi"), nil},
		{"subscribe", "SUBSCRIBE news", Subscribe("news"), nil},
		{"subscribe trims", "SUBSCRIBE  news \n", Subscribe("news"), nil},
		{"forward publish", "FORWARD PUBLISH orders hello", Publish("orders", "hello").AsForward(), nil},
		{"forward subscribe", "FORWARD SUBSCRIBE orders", Subscribe("orders").AsForward(), nil},
		{"leading spaces", "  PUBLISH a b", Publish("a", "b"), nil},

		{"empty", "", Command{}, ErrEmptyCommand},
		{"blank", "   \r\n", Command{}, ErrEmptyCommand},
		{"unknown", "HELLO world", Command{}, ErrUnknownCommand},
		{"lowercase keyword", "publish a b", Command{}, ErrUnknownCommand},
		{"forward alone", "FORWARD", Command{}, ErrUnknownCommand},
		{"forward unknown", "FORWARD PING x", Command{}, ErrUnknownCommand},
		{"forward forward", "FORWARD FORWARD PUBLISH a b", Command{}, ErrUnknownCommand},
		{"publish no topic", "PUBLISH", Command{}, ErrMissingTopic},
		{"publish no message", "PUBLISH onlytopic", Command{}, ErrMissingMessage},
		{"publish empty message", "PUBLISH onlytopic ", Command{}, ErrMissingMessage},
		{"subscribe no topic", "SUBSCRIBE", Command{}, ErrMissingTopic},
		{"subscribe two words", "SUBSCRIBE a b", Command{}, ErrInvalidTopic},
		{"subscribe tab in topic", "SUBSCRIBE a\tb", Command{}, ErrInvalidTopic},
		{"publish tab in topic", "PUBLISH a\tb hello", Command{}, ErrInvalidTopic},
		{"forward publish tab in topic", "FORWARD PUBLISH a\tb hello", Command{}, ErrInvalidTopic},
		{"publish tab in message", "PUBLISH news a\tb", Publish("news", "a\tb"), nil},
		{"forward publish no message", "FORWARD PUBLISH t", Command{}, ErrMissingMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.True(t, IsRecoverable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommand_Encode(t *testing.T) {
	b, err := Publish("orders", "hello world").Encode()
	require.NoError(t, err)
	assert.Equal(t, "PUBLISH orders hello world\n", string(b))

	b, err = Publish("orders", "hello").AsForward().Encode()
	require.NoError(t, err)
	assert.Equal(t, "FORWARD PUBLISH orders hello\n", string(b))

	b, err = Subscribe("orders").AsForward().Encode()
	require.NoError(t, err)
	assert.Equal(t, "FORWARD SUBSCRIBE orders\n", string(b))

	_, err = Publish("bad topic", "x").Encode()
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = Publish("t", "two\nlines").Encode()
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = Publish("t", "").Encode()
	assert.ErrorIs(t, err, ErrMissingMessage)
	_, err = Subscribe("").Encode()
	assert.ErrorIs(t, err, ErrMissingTopic)
	_, err = Command{Topic: "t"}.Encode()
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCommand_EncodeParseAgree(t *testing.T) {
	for _, c := range []Command{
		Publish("a", "b c d"),
		Subscribe("x.y"),
		Publish("orders", "hi").AsForward(),
	} {
		b, err := c.Encode()
		require.NoError(t, err)
		got, err := Parse(string(b))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestLineReader(t *testing.T) {
	t.Run("splits lines", func(t *testing.T) {
		lr := NewLineReader(strings.NewReader("SUBSCRIBE a\nPUBLISH a hi\r\n"), 0)
		line, err := lr.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "SUBSCRIBE a", line)
		line, err = lr.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "PUBLISH a hi", line)
		_, err = lr.ReadLine()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("unterminated final line", func(t *testing.T) {
		lr := NewLineReader(strings.NewReader("PUBLISH a hi"), 0)
		cmd, err := lr.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, Publish("a", "hi"), cmd)
		_, err = lr.ReadCommand()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("overlong line is skipped", func(t *testing.T) {
		long := "PUBLISH a " + strings.Repeat("x", 100)
		lr := NewLineReader(strings.NewReader(long+"\nSUBSCRIBE b\n"), 32)
		_, err := lr.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)
		assert.True(t, IsRecoverable(err))
		cmd, err := lr.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, Subscribe("b"), cmd)
	})

	t.Run("line at the limit is accepted", func(t *testing.T) {
		line := "PUBLISH a " + strings.Repeat("y", 22)
		require.Len(t, line, 32)
		lr := NewLineReader(strings.NewReader(line+"\r\n"), 32)
		got, err := lr.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, line, got)
	})

	t.Run("one byte over the limit", func(t *testing.T) {
		line := strings.Repeat("z", 33)
		lr := NewLineReader(strings.NewReader(line+"\n"), 32)
		_, err := lr.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)
	})

	t.Run("malformed command keeps the stream usable", func(t *testing.T) {
		lr := NewLineReader(strings.NewReader("PUBLISH onlytopic\nSUBSCRIBE t\n"), 0)
		_, err := lr.ReadCommand()
		assert.ErrorIs(t, err, ErrMissingMessage)
		cmd, err := lr.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, Subscribe("t"), cmd)
	})

	assert.False(t, IsRecoverable(io.EOF))
}
