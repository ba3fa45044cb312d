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
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/areese/schsm-go/schsm"
)

// Configuration keys. Nested keys are written as sections in the YAML file
// and joined with underscores in SCHSM_ environment variables.
const (
	keyReader          = "reader"
	keyPIN             = "pin"
	keyCredentials     = "credentials"
	keyLogLevel        = "log_level"
	keyLogFormat       = "log_format"
	keyOutput          = "output"
	keyMaxReadChunk    = "max_read_chunk"
	keyMaxWriteChunk   = "max_write_chunk"
	keySecureMessaging = "secure_messaging"
	keyTrustIssuer     = "trust.issuer"
	keyTrustRoots      = "trust.roots"
	keyMetricsFile     = "metrics_file"
)

// settings is the configuration of one invocation.
type settings struct {
	Reader          string
	PIN             string
	Credentials     string
	LogLevel        string
	LogFormat       string
	Output          outputFormat
	MaxReadChunk    int
	MaxWriteChunk   int
	SecureMessaging bool
	// TrustIssuer is the path of the device issuer certificate.
	TrustIssuer string
	// TrustRoots maps root names to certificate paths. Only the paths are
	// used; a root is identified by the holder reference in its certificate.
	TrustRoots  map[string]string
	MetricsFile string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SCHSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyLogLevel, "warning")
	v.SetDefault(keyLogFormat, "text")
	v.SetDefault(keyOutput, string(outputText))
	v.SetDefault(keyMaxReadChunk, schsm.DefaultMaxReadChunk)
	v.SetDefault(keyMaxWriteChunk, schsm.DefaultMaxWriteChunk)

	return v
}

// readConfig reads file, or .schsm.yaml in the home directory when file is
// empty. A missing default file is not an error.
func readConfig(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}

		v.AddConfigPath(home)
		v.SetConfigName(".schsm")
		v.SetConfigType("yaml")
	}

	err := v.ReadInConfig()

	var notFound viper.ConfigFileNotFoundError
	if file == "" && errors.As(err, &notFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	return nil
}

func loadSettings(v *viper.Viper) (*settings, error) {
	out, err := parseOutputFormat(v.GetString(keyOutput))
	if err != nil {
		return nil, err
	}

	s := &settings{
		Reader:          v.GetString(keyReader),
		PIN:             v.GetString(keyPIN),
		Credentials:     v.GetString(keyCredentials),
		LogLevel:        v.GetString(keyLogLevel),
		LogFormat:       v.GetString(keyLogFormat),
		Output:          out,
		MaxReadChunk:    v.GetInt(keyMaxReadChunk),
		MaxWriteChunk:   v.GetInt(keyMaxWriteChunk),
		SecureMessaging: v.GetBool(keySecureMessaging),
		TrustIssuer:     v.GetString(keyTrustIssuer),
		TrustRoots:      v.GetStringMapString(keyTrustRoots),
		MetricsFile:     v.GetString(keyMetricsFile),
	}

	if s.Credentials == "" {
		p, err := defaultCredentialsPath()
		if err != nil {
			return nil, err
		}

		s.Credentials = p
	}

	return s, nil
}

func newLogger(w io.Writer, level, format string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(w)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l.SetLevel(lvl)

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return l, nil
}

// trustStore loads the configured issuer and root certificates.
func (s *settings) trustStore() (*schsm.TrustStore, error) {
	if s.TrustIssuer == "" {
		return nil, fmt.Errorf("%s is not configured", keyTrustIssuer)
	}

	issuer, err := os.ReadFile(s.TrustIssuer)
	if err != nil {
		return nil, fmt.Errorf("reading issuer certificate: %w", err)
	}

	names := make([]string, 0, len(s.TrustRoots))
	for name := range s.TrustRoots {
		names = append(names, name)
	}

	sort.Strings(names)

	var roots [][]byte
	for _, name := range names {
		b, err := os.ReadFile(s.TrustRoots[name])
		if err != nil {
			return nil, fmt.Errorf("reading root %s: %w", name, err)
		}

		roots = append(roots, b)
	}

	return schsm.NewTrustStore(issuer, roots...)
}
