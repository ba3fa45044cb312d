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

// The channel is the only way the driver reaches the token. Wrapping it in an
// interface allows testing the transport against a simulated card and against
// scripted failures of the PC/SC stack.

// Channel is an exclusive connection to the token.
type Channel interface {
	// Acquire obtains exclusive use of the token, e.g. a PC/SC transaction.
	Acquire() error
	// Release gives up exclusive use obtained by Acquire.
	Release() error
	// Transceive sends a complete command APDU and returns the complete
	// response APDU including the status word.
	Transceive(cmd []byte) ([]byte, error)
}

// acquire counts nested acquisitions so that only the outermost operation
// talks to the channel.
func (t *Transport) acquire() error {
	if t.depth > 0 {
		t.depth++

		return nil
	}

	if err := t.ch.Acquire(); err != nil {
		return &TransportError{Op: "acquire", Err: err}
	}

	t.depth = 1

	return nil
}

// release is deferred by every public operation. A failing release cannot
// change the outcome of the operation and is only logged.
func (t *Transport) release() {
	if t.depth == 0 {
		return
	}

	t.depth--
	if t.depth > 0 {
		return
	}

	if err := t.ch.Release(); err != nil {
		t.log.WithError(err).Warn("releasing channel")
	}
}

// WithChannel runs fn while holding the channel, so that a sequence of
// commands is not interleaved with other applications.
func (t *Transport) WithChannel(fn func() error) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	return fn()
}
