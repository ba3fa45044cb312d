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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const credsFilepath = "creds"

// credentialStore remembers the PINs of tokens, keyed by the holder
// reference of their device certificate. One line per token:
//
//	UTCC0000001 648219
type credentialStore struct {
	path string
}

// defaultCredentialsPath is ~/.config/schsm-tool/creds.
func defaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}

	return filepath.Join(home, ".config", "schsm-tool", credsFilepath), nil
}

func (s *credentialStore) load() ([]credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	creds, err := parseCredentials(data)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", s.path, err)
	}

	return creds, nil
}

// lookup returns the PIN stored for device, or "" when there is none.
func (s *credentialStore) lookup(device string) (string, error) {
	creds, err := s.load()
	if err != nil {
		return "", err
	}

	for _, c := range creds {
		if c.device == device {
			return c.pin, nil
		}
	}

	return "", nil
}

// save stores pin for device, replacing an earlier entry.
func (s *credentialStore) save(device, pin string) error {
	if err := validCredential(device, pin); err != nil {
		return err
	}

	creds, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range creds {
		if creds[i].device == device {
			creds[i].pin = pin
			replaced = true
		}
	}

	if !replaced {
		creds = append(creds, credential{device, pin})
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	if err := os.WriteFile(s.path, marshalCredentials(creds), 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}

	return nil
}

type credential struct {
	device string
	pin    string
}

func isNotNumeric(r rune) bool {
	return '0' > r || r > '9'
}

func isNotHolderReference(r rune) bool {
	return !('0' <= r && r <= '9' || 'A' <= r && r <= 'Z' || 'a' <= r && r <= 'z')
}

func validCredential(device, pin string) error {
	if len(device) == 0 || len(device) > 16 || strings.IndexFunc(device, isNotHolderReference) >= 0 {
		return fmt.Errorf("invalid device %q", device)
	}

	if len(pin) < 6 || len(pin) > 16 || strings.IndexFunc(pin, isNotNumeric) >= 0 {
		return errors.New("invalid pin")
	}

	return nil
}

func parseCredentials(b []byte) ([]credential, error) {
	var creds []credential
	for i, line := range bytes.Split(b, []byte{'\n'}) {
		parts := bytes.Fields(line)
		if len(parts) < 2 {
			continue
		}

		device, pin := string(parts[0]), string(parts[1])
		if err := validCredential(device, pin); err != nil {
			return nil, fmt.Errorf("line %d, %w", i+1, err)
		}

		creds = append(creds, credential{device, pin})
	}

	return creds, nil
}

func marshalCredentials(creds []credential) []byte {
	b := &bytes.Buffer{}
	for _, c := range creds {
		b.WriteString(c.device)
		b.WriteString(" ")
		b.WriteString(c.pin)
		b.WriteString("\n")
	}

	return b.Bytes()
}
