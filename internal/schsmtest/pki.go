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

package schsmtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/areese/schsm-go/cvc"
)

// Holder references used by NewPKI.
const (
	IssuerCHR = "UTSRCA_DEVAUT"
	DeviceCHR = "UTCC0000001"
)

// PKI is a device authentication hierarchy on P-256.
type PKI struct {
	Root   []byte
	Issuer []byte
	Device []byte

	RootKey   *ecdsa.PrivateKey
	IssuerKey *ecdsa.PrivateKey
	DeviceKey *ecdsa.PrivateKey
}

// NewPKI creates a root with holder reference root, a device issuer and a
// device certificate.
func NewPKI(root string) (*PKI, error) {
	curve := cvc.CurveFromElliptic(elliptic.P256())

	var keys [3]*ecdsa.PrivateKey
	for i := range keys {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		keys[i] = k
	}

	pub := func(k *ecdsa.PrivateKey, withCurve bool) *cvc.PublicKey {
		p := &cvc.PublicKey{OID: cvc.OIDECDSASHA256, Point: curve.Marshal(k.X, k.Y)}
		if withCurve {
			p.Curve = curve
		}

		return p
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2044, 12, 31, 0, 0, 0, 0, time.UTC)

	p := &PKI{RootKey: keys[0], IssuerKey: keys[1], DeviceKey: keys[2]}

	var err error

	p.Root, err = cvc.Create(&cvc.Template{
		CAR:                     root,
		CHR:                     root,
		PublicKey:               pub(keys[0], true),
		IncludeDomainParameters: true,
		EffectiveDate:           from,
		ExpirationDate:          to,
	}, pub(keys[0], true), keys[0])
	if err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}

	p.Issuer, err = cvc.Create(&cvc.Template{
		CAR:            root,
		CHR:            IssuerCHR,
		PublicKey:      pub(keys[1], false),
		EffectiveDate:  from,
		ExpirationDate: to,
	}, pub(keys[0], true), keys[0])
	if err != nil {
		return nil, fmt.Errorf("creating issuer: %w", err)
	}

	p.Device, err = cvc.Create(&cvc.Template{
		CAR:            IssuerCHR,
		CHR:            DeviceCHR,
		PublicKey:      pub(keys[2], false),
		EffectiveDate:  from,
		ExpirationDate: to,
	}, pub(keys[1], true), keys[1])
	if err != nil {
		return nil, fmt.Errorf("creating device certificate: %w", err)
	}

	return p, nil
}

// InstallDevice stores the device certificate, followed by the issuer
// certificate when withIssuer is set, and the chip authentication key.
func (c *Card) InstallDevice(p *PKI, withIssuer bool) {
	chain := append([]byte(nil), p.Device...)
	if withIssuer {
		chain = append(chain, p.Issuer...)
	}

	c.Files[FIDDeviceCertificate] = chain
	c.DeviceKey = p.DeviceKey
}
