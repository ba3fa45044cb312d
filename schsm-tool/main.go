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

// Command schsm-tool manages keys and certificates on a SmartCard-HSM.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/areese/schsm-go/cvc"
	"github.com/areese/schsm-go/schsm"
)

// app holds the state of one invocation.
type app struct {
	v   *viper.Viper
	cfg *settings
	log *logrus.Logger
	out *printer

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	dial    func(reader string, opts ...schsm.Option) (*schsm.SmartCardHSM, error)
	readers func() ([]string, error)
	readPIN func(prompt string) (string, error)
}

func newApp() *app {
	return &app{
		v:       newViper(),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		stdin:   os.Stdin,
		dial:    schsm.Open,
		readers: schsm.Readers,
		readPIN: terminalPIN,
	}
}

func terminalPIN(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no PIN configured and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("reading PIN: %w", err)
	}

	return string(b), nil
}

// flagKeys binds persistent flags to configuration keys.
var flagKeys = map[string]string{
	"reader":           keyReader,
	"pin":              keyPIN,
	"credentials":      keyCredentials,
	"log-level":        keyLogLevel,
	"log-format":       keyLogFormat,
	"output":           keyOutput,
	"secure-messaging": keySecureMessaging,
	"metrics-file":     keyMetricsFile,
}

func newRootCmd(a *app) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "schsm-tool",
		Short: "Manage keys and certificates on a SmartCard-HSM",
		Long: `schsm-tool drives a SmartCard-HSM through a PC/SC reader.

Settings are read from flags, SCHSM_ environment variables and the
configuration file, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			for name, key := range flagKeys {
				if err := a.v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}

			if err := readConfig(a.v, configFile); err != nil {
				return err
			}

			return a.init()
		},
	}

	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetIn(a.stdin)

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is $HOME/.schsm.yaml)")
	flags.StringP("reader", "r", "", "PC/SC reader of the token (default is the first SmartCard-HSM)")
	flags.String("pin", "", "user PIN (default is the remembered PIN or a prompt)")
	flags.String("credentials", "", "file of remembered PINs (default is $HOME/.config/schsm-tool/creds)")
	flags.String("log-level", "warning", "log level (debug dumps APDUs)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.StringP("output", "o", "text", "output format (text, json, yaml)")
	flags.Bool("secure-messaging", false, "authenticate the device and protect all commands")
	flags.String("metrics-file", "", "write Prometheus metrics of the session to this file")

	root.AddCommand(
		newReadersCmd(a),
		newListCmd(a),
		newVerifyDeviceCmd(a),
		newGenerateCmd(a),
		newSignCmd(a),
		newDeleteCmd(a),
		newImportCACmd(a),
		newPINStatusCmd(a),
		newRememberCmd(a),
	)

	return root
}

func (a *app) init() error {
	cfg, err := loadSettings(a.v)
	if err != nil {
		return err
	}

	l, err := newLogger(a.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = l
	a.out = &printer{format: cfg.Output, w: a.stdout}

	return nil
}

// reader returns the configured reader, or the first reader whose name
// contains SmartCard-HSM.
func (a *app) reader() (string, error) {
	if a.cfg.Reader != "" {
		return a.cfg.Reader, nil
	}

	readers, err := a.readers()
	if err != nil {
		return "", fmt.Errorf("listing readers: %w", err)
	}

	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), "smartcard-hsm") {
			return r, nil
		}
	}

	if len(readers) == 1 {
		return readers[0], nil
	}

	return "", fmt.Errorf("no SmartCard-HSM found in %d readers, use --reader", len(readers))
}

// session opens the token, applies secure messaging and login as configured,
// and runs fn.
func (a *app) session(login bool, fn func(h *schsm.SmartCardHSM) error) (err error) {
	reader, err := a.reader()
	if err != nil {
		return err
	}

	opts := []schsm.Option{
		schsm.WithLogger(a.log.WithField("reader", reader)),
		schsm.WithMaxReadChunk(a.cfg.MaxReadChunk),
		schsm.WithMaxWriteChunk(a.cfg.MaxWriteChunk),
	}

	if a.cfg.MetricsFile != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, schsm.WithMetrics(schsm.NewMetrics(reg)))

		defer func() {
			if werr := prometheus.WriteToTextfile(a.cfg.MetricsFile, reg); werr != nil && err == nil {
				err = fmt.Errorf("writing metrics: %w", werr)
			}
		}()
	}

	var trust *schsm.TrustStore
	if a.cfg.SecureMessaging {
		if trust, err = a.cfg.trustStore(); err != nil {
			return err
		}
	}

	h, err := a.dial(reader, opts...)
	if err != nil {
		return fmt.Errorf("opening token: %w", err)
	}

	defer func() {
		if cerr := h.Close(); cerr != nil {
			a.log.WithError(cerr).Warn("Closing token")
		}
	}()

	if trust != nil {
		if err := h.EnableSecureMessaging(trust); err != nil {
			return fmt.Errorf("establishing secure messaging: %w", err)
		}

		a.log.Debug("Secure messaging established")
	}

	if login {
		if err := a.login(h); err != nil {
			return err
		}
	}

	return fn(h)
}

// deviceHolder returns the holder reference of the device certificate, which
// identifies the token.
func deviceHolder(h *schsm.SmartCardHSM) (string, error) {
	data, err := h.Transport().ReadBinary(schsm.FIDDeviceCertificate, 0, schsm.All)
	if err != nil {
		return "", fmt.Errorf("reading device certificate: %w", err)
	}

	certs, err := cvc.ParseChain(data)
	if err != nil {
		return "", fmt.Errorf("parsing device certificate: %w", err)
	}

	return certs[0].CHR, nil
}

// pin resolves the PIN from the configuration, the credentials file, or a
// prompt, in that order.
func (a *app) pin(h *schsm.SmartCardHSM) (string, error) {
	if a.cfg.PIN != "" {
		return a.cfg.PIN, nil
	}

	device, err := deviceHolder(h)
	switch {
	case errors.Is(err, schsm.ErrNotFound):
		a.log.Debug("Token has no device certificate, not looking up remembered PIN")
	case err != nil:
		return "", err
	default:
		store := &credentialStore{path: a.cfg.Credentials}

		pin, err := store.lookup(device)
		if err != nil {
			return "", err
		}

		if pin != "" {
			a.log.WithField("device", device).Debug("Using remembered PIN")

			return pin, nil
		}
	}

	return a.readPIN("PIN: ")
}

func (a *app) login(h *schsm.SmartCardHSM) error {
	pin, err := a.pin(h)
	if err != nil {
		return err
	}

	if err := h.Login(pin); err != nil {
		return fmt.Errorf("verifying PIN: %w", err)
	}

	return nil
}

func main() {
	a := newApp()
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
