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
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/areese/schsm-go/bertlv"
	"github.com/areese/schsm-go/cvc"
	"github.com/areese/schsm-go/internal/sm"
)

const (
	tagDynamicAuth = 0x7C
	tagEphemeralPK = 0x80
	tagNonce       = 0x81
	tagAuthToken   = 0x82
	tagMechanism   = 0x80
)

// ChipAuthentication establishes secure messaging with an ephemeral-static
// ECDH key agreement against the validated device authentication key.
type ChipAuthentication struct {
	device *cvc.PublicKey
	rand   io.Reader
}

var _ ChipAuthenticator = (*ChipAuthentication)(nil)

// NewChipAuthentication creates the authenticator. device must carry domain
// parameters, as returned by ChainValidator.
func NewChipAuthentication(device *cvc.PublicKey, r io.Reader) (*ChipAuthentication, error) {
	if device.IsRSA() {
		return nil, fmt.Errorf("%w: chip authentication needs an EC device key", ErrUnsupported)
	}

	if device.Curve == nil {
		return nil, cvc.ErrNoDomainParameters
	}

	if r == nil {
		r = rand.Reader
	}

	return &ChipAuthentication{device: device, rand: r}, nil
}

func (a *ChipAuthentication) ephemeral() (*big.Int, []byte, error) {
	c := a.device.Curve
	limit := new(big.Int).Sub(c.N, big.NewInt(1))

	k, err := rand.Int(a.rand, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	k.Add(k, big.NewInt(1))
	x, y := c.ScalarBaseMult(k.Bytes())

	return k, c.Marshal(x, y), nil
}

// Authenticate implements ChipAuthenticator.
func (a *ChipAuthentication) Authenticate(t *Transport) (SecureChannel, error) {
	c := a.device.Curve

	dx, dy, err := a.device.Coordinates()
	if err != nil {
		return nil, err
	}

	mse := bertlv.NewPrimitive(tagMechanism, sm.OIDChipAuthentication).Bytes()
	if err := t.ManageSecurityEnvironment(0x41, 0xA4, mse); err != nil {
		return nil, err
	}

	k, q, err := a.ephemeral()
	if err != nil {
		return nil, err
	}

	resp, err := t.GeneralAuthenticate(
		bertlv.NewConstructed(tagDynamicAuth, bertlv.NewPrimitive(tagEphemeralPK, q)).Bytes(),
	)
	if err != nil {
		return nil, err
	}

	n, _, err := bertlv.Parse(resp)
	if err != nil || n.Tag != tagDynamicAuth {
		return nil, fmt.Errorf("%w: dynamic authentication data", ErrEncoding)
	}

	nonce, token := n.Find(tagNonce), n.Find(tagAuthToken)
	if nonce == nil || token == nil {
		return nil, fmt.Errorf("%w: nonce or authentication token missing", ErrEncoding)
	}

	sx, _ := c.ScalarMult(dx, dy, k.Bytes())
	if sx == nil {
		return nil, errors.New("shared secret is the point at infinity")
	}

	shared := sx.FillBytes(make([]byte, c.ByteSize()))
	kenc, kmac := sm.DeriveKeys(shared, nonce.Value())

	want, err := sm.AuthenticationToken(kmac, sm.OIDChipAuthentication, q)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(want, token.Value()) != 1 {
		return nil, errors.New("authentication token mismatch")
	}

	return NewAESChannel(kenc, kmac)
}
