// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schsmtest

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrScriptExhausted = errors.New("no scripted response left")
	ErrUnexpectedAPDU  = errors.New("command does not match script")
)

// Step is one scripted exchange. A nil Want accepts any command.
type Step struct {
	Want []byte
	Resp []byte
	Err  error
}

// Script is a channel answering with scripted responses in order.
type Script struct {
	Steps      []Step
	AcquireErr error
	ReleaseErr error

	// Requests records every command received.
	Requests [][]byte
	Acquired int
	Released int

	next int
}

// Hex decodes a hex string with optional spaces. It panics on malformed input.
func Hex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic(err)
	}

	return b
}

// Acquire implements the channel interface.
func (s *Script) Acquire() error {
	if s.AcquireErr != nil {
		return s.AcquireErr
	}

	s.Acquired++

	return nil
}

// Release implements the channel interface.
func (s *Script) Release() error {
	s.Released++

	return s.ReleaseErr
}

// Transceive implements the channel interface.
func (s *Script) Transceive(cmd []byte) ([]byte, error) {
	s.Requests = append(s.Requests, append([]byte(nil), cmd...))

	if s.next >= len(s.Steps) {
		return nil, ErrScriptExhausted
	}

	st := s.Steps[s.next]
	s.next++

	if st.Want != nil && !bytes.Equal(st.Want, cmd) {
		return nil, fmt.Errorf("%w: step %d: got %X, want %X", ErrUnexpectedAPDU, s.next-1, cmd, st.Want)
	}

	return st.Resp, st.Err
}

// Done reports whether every step was consumed.
func (s *Script) Done() bool {
	return s.next == len(s.Steps)
}
