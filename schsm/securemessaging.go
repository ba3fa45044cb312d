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

package schsm

import (
	"fmt"

	"github.com/areese/schsm-go/internal/iso7816"
	"github.com/areese/schsm-go/internal/sm"
)

// SMState is the secure messaging state of a Transport.
type SMState int

const (
	// SMDisabled sends every command in plain.
	SMDisabled SMState = iota
	// SMEstablishing is entered while the chip authentication handshake runs.
	// Commands are sent in plain.
	SMEstablishing
	// SMActive wraps every command except application selection.
	SMActive
)

func (s SMState) String() string {
	switch s {
	case SMDisabled:
		return "disabled"
	case SMEstablishing:
		return "establishing"
	case SMActive:
		return "active"
	}

	return fmt.Sprintf("SMState(%d)", int(s))
}

var smTransitions = map[SMState][]SMState{
	SMDisabled:     {SMEstablishing},
	SMEstablishing: {SMActive, SMDisabled},
	SMActive:       {SMDisabled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to SMState) bool {
	for _, s := range smTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// SecureChannel protects complete command APDUs and unprotects complete
// response APDUs including the status word.
type SecureChannel interface {
	Wrap(cmd []byte) ([]byte, error)
	Unwrap(resp []byte) ([]byte, error)
}

// ChipAuthenticator runs a handshake over the transport, which is in state
// SMEstablishing, and returns the channel for the session.
type ChipAuthenticator interface {
	Authenticate(t *Transport) (SecureChannel, error)
}

// AESChannel is secure messaging with AES-128 in CBC mode and AES-CMAC as
// defined by BSI TR-03110. It keeps a 16 byte send sequence counter.
type AESChannel struct {
	s *sm.Session
}

var _ SecureChannel = (*AESChannel)(nil)

// NewAESChannel creates a channel from derived session keys.
func NewAESChannel(kenc, kmac []byte) (*AESChannel, error) {
	s, err := sm.NewSession(kenc, kmac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecureMessaging, err)
	}

	return &AESChannel{s: s}, nil
}

// Wrap implements SecureChannel.
func (c *AESChannel) Wrap(cmd []byte) ([]byte, error) {
	parsed, err := iso7816.ParseCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecureMessaging, err)
	}

	return c.s.WrapCommand(parsed).Bytes(), nil
}

// Unwrap implements SecureChannel.
func (c *AESChannel) Unwrap(resp []byte) ([]byte, error) {
	out, err := c.s.UnwrapResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecureMessaging, err)
	}

	return out, nil
}
