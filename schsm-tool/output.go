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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/areese/schsm-go/schsm"
)

// outputFormat selects how command results are printed.
type outputFormat string

const (
	outputText outputFormat = "text"
	outputJSON outputFormat = "json"
	outputYAML outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case outputText, outputJSON, outputYAML:
		return f, nil
	case "":
		return outputText, nil
	}

	return "", fmt.Errorf("unknown output format: %s", s)
}

// printer writes command results.
type printer struct {
	format outputFormat
	w      io.Writer
}

// texter is implemented by results with a human readable form.
type texter interface {
	text(w io.Writer)
}

func (p *printer) print(v texter) error {
	switch p.format {
	case outputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return err
		}

		return enc.Close()
	}

	v.text(p.w)

	return nil
}

type readerList struct {
	Readers []string `json:"readers" yaml:"readers"`
}

func (r *readerList) text(w io.Writer) {
	if len(r.Readers) == 0 {
		fmt.Fprintln(w, "No readers found")

		return
	}

	for _, name := range r.Readers {
		fmt.Fprintln(w, name)
	}
}

type objectInfo struct {
	Label     string `json:"label" yaml:"label"`
	Type      string `json:"type" yaml:"type"`
	ID        int    `json:"id" yaml:"id"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Size      int    `json:"size,omitempty" yaml:"size,omitempty"`
	Subject   string `json:"subject,omitempty" yaml:"subject,omitempty"`
}

type objectList struct {
	Objects []objectInfo `json:"objects" yaml:"objects"`
}

func (l *objectList) text(w io.Writer) {
	if len(l.Objects) == 0 {
		fmt.Fprintln(w, "No objects found")

		return
	}

	fmt.Fprintf(w, "%-24s %-22s %-4s %-10s %-6s %s\n", "LABEL", "TYPE", "ID", "ALGORITHM", "SIZE", "SUBJECT")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, o := range l.Objects {
		size := ""
		if o.Size > 0 {
			size = fmt.Sprint(o.Size)
		}

		fmt.Fprintf(w, "%-24s %-22s %-4d %-10s %-6s %s\n", o.Label, o.Type, o.ID, o.Algorithm, size, o.Subject)
	}
}

func certificateSubject(c *schsm.Certificate) string {
	if c == nil {
		return ""
	}

	if c.CVC != nil {
		return c.CVC.CHR
	}

	return c.X509.Subject.String()
}

func describeEntry(e schsm.Entry) objectInfo {
	switch e := e.(type) {
	case *schsm.KeyEntry:
		o := objectInfo{
			Label:     e.Label(),
			Type:      "key",
			ID:        int(e.Key.ID),
			Algorithm: e.Key.Algorithm.String(),
			Subject:   certificateSubject(e.Certificate),
		}
		if e.Key.Size > 0 {
			o.Size = e.Key.Size
		}

		return o
	case *schsm.CertificateEntry:
		return objectInfo{
			Label:   e.Label(),
			Type:    e.Certificate.Kind.String(),
			ID:      int(e.Certificate.ID),
			Subject: certificateSubject(e.Certificate),
		}
	}

	return objectInfo{Label: e.Label()}
}

type pinStatus struct {
	Verified bool `json:"verified" yaml:"verified"`
	Retries  int  `json:"retries" yaml:"retries"`
	Blocked  bool `json:"blocked" yaml:"blocked"`
}

func (s *pinStatus) text(w io.Writer) {
	switch {
	case s.Blocked:
		fmt.Fprintln(w, "PIN blocked")
	case s.Verified:
		fmt.Fprintln(w, "PIN verified")
	default:
		fmt.Fprintf(w, "PIN not verified, %d attempts left\n", s.Retries)
	}
}

type deviceStatus struct {
	Device    string   `json:"device" yaml:"device"`
	Issuer    string   `json:"issuer" yaml:"issuer"`
	Roots     []string `json:"roots" yaml:"roots"`
	Algorithm string   `json:"algorithm" yaml:"algorithm"`
	Size      int      `json:"size" yaml:"size"`
}

func (s *deviceStatus) text(w io.Writer) {
	fmt.Fprintf(w, "Device %s issued by %s is genuine\n", s.Device, s.Issuer)
	fmt.Fprintf(w, "  Key:   %s %d\n", s.Algorithm, s.Size)
	fmt.Fprintf(w, "  Roots: %s\n", strings.Join(s.Roots, ", "))
}

type generated struct {
	Label   string `json:"label" yaml:"label"`
	ID      int    `json:"id" yaml:"id"`
	CHR     string `json:"chr" yaml:"chr"`
	Request string `json:"request,omitempty" yaml:"request,omitempty"`
}

func (g *generated) text(w io.Writer) {
	fmt.Fprintf(w, "Generated key %q with id %d, request holder %s\n", g.Label, g.ID, g.CHR)

	if g.Request != "" {
		fmt.Fprintf(w, "Request written to %s\n", g.Request)
	}
}

type signature struct {
	Label     string `json:"label" yaml:"label"`
	Hash      string `json:"hash" yaml:"hash"`
	Signature string `json:"signature" yaml:"signature"`
}

func (s *signature) text(w io.Writer) {
	fmt.Fprintln(w, s.Signature)
}

// message is a result without further data.
type message struct {
	Message string `json:"message" yaml:"message"`
}

func (m *message) text(w io.Writer) {
	fmt.Fprintln(w, m.Message)
}
