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
	"crypto/rand"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxReadChunk is the largest READ BINARY response requested at once.
	DefaultMaxReadChunk = 1024
	// DefaultMaxWriteChunk is the largest UPDATE BINARY payload sent at once.
	DefaultMaxWriteChunk = 1024
)

type config struct {
	log           logrus.FieldLogger
	metrics       *Metrics
	trace         *ClientTrace
	maxReadChunk  int
	maxWriteChunk int
	authenticator ChipAuthenticator
	observer      func(from, to SMState)
	rand          io.Reader
}

func defaultConfig() *config {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return &config{
		log:           l,
		maxReadChunk:  DefaultMaxReadChunk,
		maxWriteChunk: DefaultMaxWriteChunk,
		rand:          rand.Reader,
	}
}

// Option configures a Transport or a SmartCardHSM.
type Option func(*config)

// WithLogger sets the logger. APDUs are dumped at debug level.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithMetrics records command counts and latencies.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithClientTrace installs trace hooks. Hooks of repeated options are all called.
func WithClientTrace(t *ClientTrace) Option {
	return func(c *config) {
		t.compose(c.trace)
		c.trace = t
	}
}

// WithMaxReadChunk limits the length requested by a single READ BINARY.
func WithMaxReadChunk(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxReadChunk = n
		}
	}
}

// WithMaxWriteChunk limits the payload of a single UPDATE BINARY.
func WithMaxWriteChunk(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWriteChunk = n
		}
	}
}

// WithChipAuthenticator sets the handshake used to establish secure messaging.
func WithChipAuthenticator(a ChipAuthenticator) Option {
	return func(c *config) {
		c.authenticator = a
	}
}

// WithStateObserver is called on every secure messaging state change.
func WithStateObserver(fn func(from, to SMState)) Option {
	return func(c *config) {
		c.observer = fn
	}
}

// WithRand sets the source of randomness for PSS salts and ephemeral keys.
func WithRand(r io.Reader) Option {
	return func(c *config) {
		c.rand = r
	}
}
