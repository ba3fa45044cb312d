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
	"sort"

	"github.com/areese/schsm-go/cvc"
)

// Holder references of the root CAs issuing device issuer certificates.
const (
	RootProduction = "DESRCACC100001"
	RootTest       = "UTSRCACC100001"
)

func knownRoot(chr string) bool {
	return chr == RootProduction || chr == RootTest
}

// TrustStore holds the root certificates and the device issuer certificate
// the device authentication chain is validated against. It is immutable.
type TrustStore struct {
	roots  map[string]*cvc.Certificate
	issuer *cvc.Certificate
	// issuerKey carries the domain parameters of its root.
	issuerKey *cvc.PublicKey
}

// NewTrustStore parses the issuer and root certificates and verifies the
// issuer against its root. Roots must be self-signed and one of the known
// root references.
func NewTrustStore(issuer []byte, roots ...[]byte) (*TrustStore, error) {
	ts := &TrustStore{roots: make(map[string]*cvc.Certificate)}

	for i, raw := range roots {
		root, err := cvc.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: root %d: %w", ErrChainValidation, i, err)
		}

		if !knownRoot(root.CHR) {
			return nil, fmt.Errorf("%w: unknown root %s", ErrChainValidation, root.CHR)
		}

		if err := root.Verify(root.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: root %s: %w", ErrChainValidation, root.CHR, err)
		}

		ts.roots[root.CHR] = root
	}

	c, err := cvc.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: issuer: %w", ErrChainValidation, err)
	}

	key, err := ts.verifyIssuer(c)
	if err != nil {
		return nil, err
	}

	ts.issuer = c
	ts.issuerKey = key

	return ts, nil
}

// Roots returns the holder references of the roots in sorted order.
func (ts *TrustStore) Roots() []string {
	out := make([]string, 0, len(ts.roots))
	for chr := range ts.roots {
		out = append(out, chr)
	}

	sort.Strings(out)

	return out
}

// Issuer returns the configured device issuer certificate.
func (ts *TrustStore) Issuer() *cvc.Certificate {
	return ts.issuer
}

// verifyIssuer checks an issuer certificate against the root named by its
// CAR and returns its key with the root's domain parameters.
func (ts *TrustStore) verifyIssuer(c *cvc.Certificate) (*cvc.PublicKey, error) {
	root, ok := ts.roots[c.CAR]
	if !ok {
		return nil, fmt.Errorf("%w: issuer %s signed by unknown root %s", ErrChainValidation, c.CHR, c.CAR)
	}

	if err := c.Verify(root.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: issuer %s: %w", ErrChainValidation, c.CHR, err)
	}

	return c.PublicKey.WithDomainParameters(root.PublicKey.Curve), nil
}

// ChainValidator validates the device authentication certificate chain
// stored in EF.C_DevAut.
type ChainValidator struct {
	t     *Transport
	trust *TrustStore
}

// NewChainValidator creates a validator reading through t.
func NewChainValidator(t *Transport, trust *TrustStore) *ChainValidator {
	return &ChainValidator{t: t, trust: trust}
}

// Validate reads and validates the chain and returns the device public key
// with domain parameters.
func (v *ChainValidator) Validate() (*cvc.PublicKey, error) {
	data, err := v.t.ReadBinary(FIDDeviceCertificate, 0, All)
	if err != nil {
		return nil, fmt.Errorf("%w: reading device certificate: %w", ErrChainValidation, err)
	}

	return v.ValidateChain(data)
}

// ValidateChain validates an encoded chain: either the device certificate
// alone, issued by the configured issuer, or the device certificate followed
// by its issuer certificate, issued by a known root.
func (v *ChainValidator) ValidateChain(data []byte) (*cvc.PublicKey, error) {
	certs, err := cvc.ParseChain(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChainValidation, err)
	}

	device := certs[0]

	var issuer *cvc.Certificate
	var issuerKey *cvc.PublicKey

	switch len(certs) {
	case 1:
		issuer, issuerKey = v.trust.issuer, v.trust.issuerKey
	case 2:
		issuer = certs[1]
		if issuerKey, err = v.trust.verifyIssuer(issuer); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: chain of %d certificates", ErrChainValidation, len(certs))
	}

	if device.CAR != issuer.CHR {
		return nil, fmt.Errorf("%w: device certificate %s issued by %s, not %s", ErrChainValidation, device.CHR, device.CAR, issuer.CHR)
	}

	if err := device.Verify(issuerKey); err != nil {
		return nil, fmt.Errorf("%w: device %s: %w", ErrChainValidation, device.CHR, err)
	}

	return device.PublicKey.WithDomainParameters(issuerKey.Curve), nil
}
