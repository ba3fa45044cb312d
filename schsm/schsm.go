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

// Package schsm implements a driver for the SmartCard-HSM.
//
// The token is reached through a Channel, usually a PC/SC reader opened with
// Open. Keys and certificates on the token are listed by the Catalog, keys
// are used through PrivateKey, which implements crypto.Signer and
// crypto.Decrypter.
//
//	hsm, err := schsm.Open(reader)
//	if err != nil {
//		// ...
//	}
//	defer hsm.Close()
//
//	if err := hsm.Login(pin); err != nil {
//		// ...
//	}
//
//	key, err := hsm.PrivateKey("signing key")
package schsm

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/areese/schsm-go/cvc"
)

// SmartCardHSM is an open connection to the token. It is not safe for
// concurrent use.
type SmartCardHSM struct {
	t       *Transport
	closer  io.Closer
	log     logrus.FieldLogger
	rand    io.Reader
	table   *AlgorithmTable
	catalog *Catalog
	device  *cvc.PublicKey
}

// Open connects to the token in the PC/SC reader and selects the application.
func Open(reader string, opts ...Option) (*SmartCardHSM, error) {
	ch, err := OpenPCSC(reader)
	if err != nil {
		return nil, err
	}

	h, err := New(ch, opts...)
	if err != nil {
		ch.Close() //nolint:errcheck

		return nil, err
	}

	h.closer = ch

	return h, nil
}

// New selects the application through ch.
func New(ch Channel, opts ...Option) (*SmartCardHSM, error) {
	c := defaultConfig()
	for _, o := range opts {
		o(c)
	}

	h := &SmartCardHSM{
		t:     newTransport(ch, c),
		log:   c.log,
		rand:  c.rand,
		table: NewAlgorithmTable(),
	}

	if err := h.t.SelectApplication(AID); err != nil {
		return nil, fmt.Errorf("selecting application: %w", err)
	}

	return h, nil
}

// Close closes the channel when it was opened by Open.
func (h *SmartCardHSM) Close() error {
	if h.closer == nil {
		return nil
	}

	return h.closer.Close()
}

// Transport returns the transport for sending commands directly.
func (h *SmartCardHSM) Transport() *Transport {
	return h.t
}

// Login verifies the user PIN.
func (h *SmartCardHSM) Login(pin string) error {
	return h.t.Verify([]byte(pin))
}

// PINRetries returns the number of PIN attempts left, or -1 when the PIN is
// already verified.
func (h *SmartCardHSM) PINRetries() (int, error) {
	s, err := h.t.PINStatus()
	if err != nil {
		return 0, err
	}

	if s.Blocked {
		return 0, nil
	}

	return s.Retries, nil
}

// Catalog returns the catalog, enumerating the token on first use.
func (h *SmartCardHSM) Catalog() (*Catalog, error) {
	if h.catalog != nil {
		return h.catalog, nil
	}

	c := NewCatalog(h.t)
	if err := c.Enumerate(); err != nil {
		return nil, err
	}

	h.catalog = c

	return c, nil
}

// ValidateDevice validates the device authentication chain and returns the
// device key.
func (h *SmartCardHSM) ValidateDevice(trust *TrustStore) (*cvc.PublicKey, error) {
	key, err := NewChainValidator(h.t, trust).Validate()
	if err != nil {
		return nil, err
	}

	h.device = key

	return key, nil
}

// EnableSecureMessaging validates the device and establishes secure
// messaging with chip authentication against the device key.
func (h *SmartCardHSM) EnableSecureMessaging(trust *TrustStore) error {
	return h.t.WithChannel(func() error {
		key, err := h.ValidateDevice(trust)
		if err != nil {
			return err
		}

		ca, err := NewChipAuthentication(key, h.rand)
		if err != nil {
			return err
		}

		h.t.SetChipAuthenticator(ca)

		return h.t.EstablishSecureMessaging()
	})
}

func (h *SmartCardHSM) keyEntry(label string) (*KeyEntry, error) {
	c, err := h.Catalog()
	if err != nil {
		return nil, err
	}

	e, err := c.Entry(label)
	if err != nil {
		return nil, err
	}

	ke, ok := e.(*KeyEntry)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a key", ErrNotFound, label)
	}

	return ke, nil
}

// PrivateKey returns the key with label.
func (h *SmartCardHSM) PrivateKey(label string) (*PrivateKey, error) {
	e, err := h.keyEntry(label)
	if err != nil {
		return nil, err
	}

	return newPrivateKey(h.t, h.table, h.rand, e)
}

// ECDH computes the shared secret of the EC key with label and the
// uncompressed peer point. The result is the x coordinate.
func (h *SmartCardHSM) ECDH(label string, peer []byte) ([]byte, error) {
	e, err := h.keyEntry(label)
	if err != nil {
		return nil, err
	}

	if e.Key.Algorithm != AlgorithmEC {
		return nil, fmt.Errorf("%w: ECDH with %s key", ErrUnsupported, e.Key.Algorithm)
	}

	if len(peer) < 3 || len(peer)%2 != 1 || peer[0] != 0x04 {
		return nil, fmt.Errorf("%w: peer point of %d bytes", ErrEncoding, len(peer))
	}

	p, err := h.t.Decipher(e.Key.ID, AlgECDH, peer)
	if err != nil {
		return nil, err
	}

	if len(p) < 3 || len(p)%2 != 1 || p[0] != 0x04 {
		return nil, fmt.Errorf("%w: shared point of %d bytes", ErrEncoding, len(p))
	}

	return p[1 : 1+(len(p)-1)/2], nil
}

// WrapKey exports the key with label encrypted under the DKEK.
func (h *SmartCardHSM) WrapKey(label string) ([]byte, error) {
	e, err := h.keyEntry(label)
	if err != nil {
		return nil, err
	}

	return h.t.WrapKey(e.Key.ID)
}

// UnwrapKey imports a wrapped key into the lowest free key slot and returns
// its id. Description and certificate are not part of the blob and are
// stored separately.
func (h *SmartCardHSM) UnwrapKey(blob []byte) (byte, error) {
	c, err := h.Catalog()
	if err != nil {
		return 0, err
	}

	id, err := c.DetermineFreeKeyID()
	if err != nil {
		return 0, err
	}

	if err := h.t.UnwrapKey(id, blob); err != nil {
		return 0, err
	}

	// The catalog no longer matches the token.
	h.catalog = nil

	return id, nil
}

// ImportDKEKShare imports a share of the device key encryption key. A nil
// share queries the status.
func (h *SmartCardHSM) ImportDKEKShare(share []byte) (DKEKStatus, error) {
	return h.t.ImportDKEKShare(share)
}
