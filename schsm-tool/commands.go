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
	"crypto"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/areese/schsm-go/cvc"
	"github.com/areese/schsm-go/schsm"
)

func newReadersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List PC/SC readers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			readers, err := a.readers()
			if err != nil {
				return fmt.Errorf("listing readers: %w", err)
			}

			return a.out.print(&readerList{Readers: readers})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keys and certificates on the token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.session(false, func(h *schsm.SmartCardHSM) error {
				c, err := h.Catalog()
				if err != nil {
					return fmt.Errorf("enumerating objects: %w", err)
				}

				l := &objectList{Objects: []objectInfo{}}
				for _, label := range c.Labels() {
					e, err := c.Entry(label)
					if err != nil {
						return err
					}

					l.Objects = append(l.Objects, describeEntry(e))
				}

				return a.out.print(l)
			})
		},
	}
}

func newVerifyDeviceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-device",
		Short: "Check that the token is a genuine SmartCard-HSM",
		Long: `Validates the device authentication certificate chain of the token
against the configured trust.issuer and trust.roots certificates.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			trust, err := a.cfg.trustStore()
			if err != nil {
				return err
			}

			return a.session(false, func(h *schsm.SmartCardHSM) error {
				key, err := h.ValidateDevice(trust)
				if err != nil {
					return err
				}

				device, err := deviceHolder(h)
				if err != nil {
					return err
				}

				alg := "EC"
				if key.IsRSA() {
					alg = "RSA"
				}

				return a.out.print(&deviceStatus{
					Device:    device,
					Issuer:    trust.Issuer().CHR,
					Roots:     trust.Roots(),
					Algorithm: alg,
					Size:      key.Size(),
				})
			})
		},
	}
}

var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func generationSpec(alg, curve string, bits int, car, chr string) (*schsm.GenerationSpec, error) {
	switch strings.ToLower(alg) {
	case "ec", "ecdsa":
		c, ok := curves[strings.ToUpper(curve)]
		if !ok {
			return nil, fmt.Errorf("unsupported curve: %s", curve)
		}

		return schsm.NewNamedCurveGenerationSpec(car, chr, cvc.OIDECDSASHA256, c)
	case "rsa":
		return schsm.NewRSAGenerationSpec(car, chr, cvc.OIDRSAv15SHA256, schsm.RSAParameters{ModulusBits: bits})
	}

	return nil, fmt.Errorf("unsupported algorithm: %s", alg)
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		alg     string
		curve   string
		bits    int
		car     string
		chr     string
		request string
	)

	cmd := &cobra.Command{
		Use:   "generate LABEL",
		Short: "Generate a key pair on the token",
		Long: `Generates a key pair in the lowest free key slot. The token returns a
self-signed certificate request, which is stored as the certificate of the
key until it is replaced by an issued certificate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			label := args[0]
			if chr == "" {
				chr = label
			}

			spec, err := generationSpec(alg, curve, bits, car, chr)
			if err != nil {
				return err
			}

			return a.session(true, func(h *schsm.SmartCardHSM) error {
				c, err := h.Catalog()
				if err != nil {
					return err
				}

				e, err := c.GenerateKey(label, spec)
				if err != nil {
					return fmt.Errorf("generating key: %w", err)
				}

				g := &generated{Label: label, ID: int(e.Key.ID), CHR: spec.CHR()}

				if request != "" {
					if err := os.WriteFile(request, e.Certificate.Raw, 0o644); err != nil {
						return fmt.Errorf("writing request: %w", err)
					}

					g.Request = request
				}

				return a.out.print(g)
			})
		},
	}

	cmd.Flags().StringVar(&alg, "algorithm", "ec", "key type (ec, rsa)")
	cmd.Flags().StringVar(&curve, "curve", "P-256", "curve of EC keys (P-256, P-384, P-521)")
	cmd.Flags().IntVar(&bits, "bits", 2048, "modulus size of RSA keys")
	cmd.Flags().StringVar(&car, "car", "", "certification authority reference of the request")
	cmd.Flags().StringVar(&chr, "chr", "", "holder reference of the request (default is the label)")
	cmd.Flags().StringVar(&request, "request", "", "write the certificate request to this file")

	return cmd
}

var hashes = map[string]crypto.Hash{
	"sha1":   crypto.SHA1,
	"sha224": crypto.SHA224,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

func readInput(a *app, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(a.stdin)
	}

	return os.ReadFile(path)
}

func newSignCmd(a *app) *cobra.Command {
	var (
		hashName string
		pss      bool
		in       string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "sign LABEL",
		Short: "Sign data with a key on the token",
		Long: `Hashes the input and signs the digest. RSA keys produce PKCS#1 v1.5
signatures, or PSS signatures with --pss. EC keys produce ASN.1 ECDSA
signatures. The signature is printed hex encoded, and written raw to --out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			h, ok := hashes[strings.ToLower(hashName)]
			if !ok {
				return fmt.Errorf("unsupported hash: %s", hashName)
			}

			data, err := readInput(a, in)
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			d := h.New()
			d.Write(data)
			digest := d.Sum(nil)

			var opts crypto.SignerOpts = h
			if pss {
				opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
			}

			return a.session(true, func(token *schsm.SmartCardHSM) error {
				priv, err := token.PrivateKey(args[0])
				if err != nil {
					return err
				}

				sig, err := priv.Sign(nil, digest, opts)
				if err != nil {
					return fmt.Errorf("signing: %w", err)
				}

				if out != "" {
					if err := os.WriteFile(out, sig, 0o644); err != nil {
						return fmt.Errorf("writing signature: %w", err)
					}
				}

				return a.out.print(&signature{Label: args[0], Hash: strings.ToLower(hashName), Signature: hex.EncodeToString(sig)})
			})
		},
	}

	cmd.Flags().StringVar(&hashName, "hash", "sha256", "digest algorithm (sha1, sha224, sha256, sha384, sha512)")
	cmd.Flags().BoolVar(&pss, "pss", false, "create an RSA-PSS signature")
	cmd.Flags().StringVar(&in, "in", "", "file to sign (default is stdin)")
	cmd.Flags().StringVar(&out, "out", "", "write the raw signature to this file")

	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete LABEL",
		Short: "Delete a key or certificate from the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.session(true, func(h *schsm.SmartCardHSM) error {
				c, err := h.Catalog()
				if err != nil {
					return err
				}

				if err := c.RemoveEntry(args[0]); err != nil {
					return fmt.Errorf("deleting %q: %w", args[0], err)
				}

				return a.out.print(&message{Message: fmt.Sprintf("Deleted %q", args[0])})
			})
		},
	}
}

// decodeCertificate accepts DER or a PEM CERTIFICATE block.
func decodeCertificate(b []byte) ([]byte, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(b)), "-----BEGIN") {
		return b, nil
	}

	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no PEM CERTIFICATE block found")
	}

	return block.Bytes, nil
}

func newImportCACmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import-ca LABEL FILE",
		Short: "Store a CA certificate on the token",
		Long:  `Stores an X.509 (DER or PEM) or card verifiable CA certificate under the next free CA id.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading certificate: %w", err)
			}

			raw, err := decodeCertificate(b)
			if err != nil {
				return err
			}

			return a.session(true, func(h *schsm.SmartCardHSM) error {
				c, err := h.Catalog()
				if err != nil {
					return err
				}

				e, err := c.AddCACertificate(args[0], raw)
				if err != nil {
					return fmt.Errorf("storing certificate: %w", err)
				}

				return a.out.print(&message{Message: fmt.Sprintf("Stored %q with id %d", args[0], e.Certificate.ID)})
			})
		},
	}
}

func newPINStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pin-status",
		Short: "Show the remaining PIN attempts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.session(false, func(h *schsm.SmartCardHSM) error {
				s, err := h.Transport().PINStatus()
				if err != nil {
					return err
				}

				return a.out.print(&pinStatus{Verified: s.Verified, Retries: s.Retries, Blocked: s.Blocked})
			})
		},
	}
}

func newRememberCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remember",
		Short: "Verify the PIN and remember it for this token",
		Long: `Verifies the PIN and stores it in the credentials file, keyed by the
holder reference of the device certificate. Later commands use the stored
PIN without prompting.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.session(false, func(h *schsm.SmartCardHSM) error {
				device, err := deviceHolder(h)
				if err != nil {
					return err
				}

				pin := a.cfg.PIN
				if pin == "" {
					if pin, err = a.readPIN("PIN: "); err != nil {
						return err
					}
				}

				if err := h.Login(pin); err != nil {
					return fmt.Errorf("verifying PIN: %w", err)
				}

				store := &credentialStore{path: a.cfg.Credentials}
				if err := store.save(device, pin); err != nil {
					return err
				}

				return a.out.print(&message{Message: fmt.Sprintf("Remembered PIN of %s", device)})
			})
		},
	}
}
