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
	"bufio"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLineBytes bounds a single line when no limit is configured.
const DefaultMaxLineBytes = 1024

// LineReader splits a byte stream into protocol lines of bounded length.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. Lines longer than max bytes (terminator excluded)
// are reported as ErrLineTooLong. A non-positive max selects
// DefaultMaxLineBytes.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	// Room for the longest legal line plus "\r\n".
	return &LineReader{r: bufio.NewReaderSize(r, max+2), max: max}
}

// ReadLine returns the next line without its terminator.
//
// ErrLineTooLong is not fatal: the offending line has been consumed and the
// next call continues with the following line. A final line that is not
// newline-terminated is returned as-is and io.EOF follows on the next call.
func (lr *LineReader) ReadLine() (string, error) {
	line, err := lr.r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return "", lr.discardRest()
	case errors.Is(err, io.EOF) && len(line) > 0:
	default:
		return "", err
	}

	s := strings.TrimRight(string(line), "\r\n")
	if len(s) > lr.max {
		return "", ErrLineTooLong
	}
	return s, nil
}

// discardRest drops bytes up to and including the next newline.
func (lr *LineReader) discardRest() error {
	for {
		_, err := lr.r.ReadSlice('\n')
		switch {
		case err == nil:
			return ErrLineTooLong
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return ErrLineTooLong
		default:
			return err
		}
	}
}

// ReadCommand reads and parses the next line. Parse errors and
// ErrLineTooLong are recoverable; any other error ends the stream.
func (lr *LineReader) ReadCommand() (Command, error) {
	line, err := lr.ReadLine()
	if err != nil {
		return Command{}, err
	}
	return Parse(line)
}

// IsRecoverable reports whether err leaves the stream usable for the next
// command.
func IsRecoverable(err error) bool {
	for _, e := range []error{
		ErrEmptyCommand, ErrUnknownCommand, ErrMissingTopic,
		ErrMissingMessage, ErrInvalidTopic, ErrInvalidMessage, ErrLineTooLong,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
