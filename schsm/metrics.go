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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all driver metrics.
	Namespace = "schsm"

	LabelCommand   = "command"
	LabelStatus    = "status"
	LabelDirection = "direction"
	LabelFrom      = "from"
	LabelTo        = "to"

	// StatusTransportError labels commands that got no status word.
	StatusTransportError = "transport_error"

	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics instruments a Transport. A nil *Metrics records nothing.
type Metrics struct {
	commands    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "apdu",
				Name:      "commands_total",
				Help:      "Total number of commands sent to the token by command and status word",
			},
			[]string{LabelCommand, LabelStatus},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "apdu",
				Name:      "duration_seconds",
				Help:      "Duration of command exchanges with the token in seconds",
				// Key generation on the card takes seconds.
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{LabelCommand},
		),
		bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "apdu",
				Name:      "bytes_total",
				Help:      "Total number of APDU bytes exchanged with the token",
			},
			[]string{LabelDirection},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "secure_messaging",
				Name:      "transitions_total",
				Help:      "Total number of secure messaging state transitions",
			},
			[]string{LabelFrom, LabelTo},
		),
	}
}

func (m *Metrics) observeCommand(command string, sw uint16, err error, start time.Time) {
	if m == nil {
		return
	}

	status := StatusTransportError
	if err == nil {
		status = fmt.Sprintf("%04X", sw)
	}

	m.commands.WithLabelValues(command, status).Inc()
	m.duration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeBytes(sent, received int) {
	if m == nil {
		return
	}

	m.bytes.WithLabelValues(DirectionSent).Add(float64(sent))
	m.bytes.WithLabelValues(DirectionReceived).Add(float64(received))
}

func (m *Metrics) observeTransition(from, to SMState) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}
