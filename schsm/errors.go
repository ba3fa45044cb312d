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
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested object on the token is not found.
	ErrNotFound = errors.New("object not found")

	// ErrEncoding is returned for malformed TLV structures, certificates,
	// descriptions and padding parameters inconsistent with the key.
	ErrEncoding = errors.New("encoding error")

	// ErrChainValidation is returned when the device certificate chain does
	// not verify. There is no fallback trust path.
	ErrChainValidation = errors.New("certificate chain validation failed")

	// ErrNoFreeID is returned when the key or CA id space is exhausted.
	ErrNoFreeID = errors.New("no free identifier")

	// ErrLabelExists is returned when an entry with the label is already present.
	ErrLabelExists = errors.New("label already in use")

	// ErrReservedLabel is returned for operations on the device authentication entry.
	ErrReservedLabel = errors.New("label is reserved")

	// ErrSecureMessaging is returned when a secure messaging operation fails.
	ErrSecureMessaging = errors.New("secure messaging")

	// ErrUnsupported is returned for algorithms the token or the key cannot serve.
	ErrUnsupported = errors.New("unsupported operation")
)

// AuthErr is an error indicating an authentication error occurred (wrong PIN or blocked).
type AuthErr struct {
	// Retries is the number of retries remaining. A blocked PIN reports 0.
	Retries int
}

func retries(n int) string {
	r := "retries"
	if n == 1 {
		r = "retry"
	}

	return fmt.Sprintf("verification failed (%d %s remaining)", n, r)
}

func (v AuthErr) Error() string {
	return retries(v.Retries)
}

// TransportError is returned when the channel cannot be acquired or an
// exchange with the token fails below the APDU level.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is returned when the token answers a command with an
// unexpected status word. It wraps ErrNotFound and AuthErr where those
// apply, so callers are encouraged to use errors.Is and errors.As.
type StatusError struct {
	Command string
	SW      uint16
}

// Status returns the status word returned by the token.
func (e *StatusError) Status() uint16 {
	return e.SW
}

var statusMessages = map[uint16]string{
	0x6281: "part of returned data may be corrupted",
	0x6282: "end of file reached",
	0x6581: "memory failure",
	0x6700: "wrong length",
	0x6881: "logical channel not supported",
	0x6882: "secure messaging not supported",
	0x6982: "security status not satisfied",
	0x6983: "authentication method blocked",
	0x6984: "reference data not usable",
	0x6985: "conditions of use not satisfied",
	0x6986: "command not allowed",
	0x6987: "expected secure messaging data objects are missing",
	0x6988: "secure messaging data objects are incorrect",
	0x6A80: "incorrect parameter in command data field",
	0x6A81: "function not supported",
	0x6A84: "not enough memory",
	0x6A86: "incorrect parameter in P1 or P2",
	0x6A88: "referenced data not found",
	0x6A89: "file already exists",
	0x6B00: "wrong parameters P1-P2",
	0x6D00: "instruction code not supported or invalid",
	0x6E00: "class not supported",
	0x6F00: "no precise diagnosis",
}

func (e *StatusError) Error() string {
	var msg string
	if u := e.Unwrap(); u != nil {
		msg = u.Error()
	}

	if m, ok := statusMessages[e.SW]; ok {
		msg = m
	}

	if msg != "" {
		msg = ": " + msg
	}

	return fmt.Sprintf("%s: unexpected status word %04X%s", e.Command, e.SW, msg)
}

// Unwrap retrieves an accessible error type, if able.
func (e *StatusError) Unwrap() error {
	switch {
	case e.SW == 0x6A82:
		return ErrNotFound
	case e.SW == 0x6983:
		return AuthErr{0}
	case e.SW&0xFFF0 == 0x63C0:
		return AuthErr{int(e.SW & 0xF)}
	}

	return nil
}
