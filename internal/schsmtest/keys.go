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
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"io"
	"math/big"

	"github.com/areese/schsm-go/bertlv"
	"github.com/areese/schsm-go/cvc"
	"github.com/areese/schsm-go/internal/iso7816"
)

const (
	swFileExists uint16 = 0x6A89
	dkekSize            = 32
)

// generate answers GENERATE ASYMMETRIC KEY PAIR with a self-signed request.
func (c *Card) generate(cmd *iso7816.Command) ([]byte, uint16) {
	if !c.verified {
		return nil, iso7816.SWSecurityStatus
	}

	nodes, err := bertlv.ParseAll(cmd.Data)
	if err != nil {
		return nil, iso7816.SWWrongData
	}

	var car, chr string
	var pk *bertlv.Node

	for _, n := range nodes {
		switch n.Tag {
		case 0x42:
			car = string(n.Value())
		case 0x5F20:
			chr = string(n.Value())
		case 0x7F49:
			pk = n
		}
	}

	if pk == nil || chr == "" {
		return nil, iso7816.SWWrongData
	}

	if car == "" {
		car = chr
	}

	o := pk.Find(0x06)
	if o == nil {
		return nil, iso7816.SWWrongData
	}

	oid, err := cvc.UnmarshalOID(o.Value())
	if err != nil {
		return nil, iso7816.SWWrongData
	}

	alg, err := cvc.AlgorithmFor(oid)
	if err != nil {
		return nil, iso7816.SWWrongData
	}

	var key *Key
	var pub *cvc.PublicKey
	var signer crypto.Signer

	if alg.RSA {
		size := pk.Find(0x02)
		if size == nil {
			return nil, iso7816.SWWrongData
		}

		bits := int(new(big.Int).SetBytes(size.Value()).Int64())

		priv, err := rsa.GenerateKey(c.Rand, bits)
		if err != nil {
			return nil, iso7816.SWWrongData
		}

		key, signer = &Key{RSA: priv}, priv
		pub = &cvc.PublicKey{OID: oid, Modulus: priv.N, Exponent: big.NewInt(int64(priv.E))}
	} else {
		curve, err := cvc.ParseCurve(pk)
		if err != nil {
			return nil, iso7816.SWWrongData
		}

		named := curve.Named()
		if named == nil {
			return nil, iso7816.SWWrongData
		}

		priv, err := ecdsa.GenerateKey(named, c.Rand)
		if err != nil {
			return nil, iso7816.SWUnknown
		}

		key, signer = &Key{EC: priv}, priv
		pub = &cvc.PublicKey{OID: oid, Curve: curve, Point: curve.Marshal(priv.X, priv.Y)}
	}

	req, err := cvc.Create(&cvc.Template{
		CAR:                     car,
		CHR:                     chr,
		PublicKey:               pub,
		IncludeDomainParameters: true,
	}, pub, signer)
	if err != nil {
		return nil, iso7816.SWUnknown
	}

	c.Keys[cmd.P1] = key

	return req, iso7816.SWOK
}

func (c *Card) dkekStatus() []byte {
	out := []byte{byte(c.DKEKShares), byte(c.DKEKShares - c.imported)}
	if c.dkekComplete() {
		sum := sha256.Sum256(c.dkek)
		out = append(out, sum[:8]...)
	}

	return out
}

func (c *Card) dkekComplete() bool {
	return c.dkek != nil && c.imported == c.DKEKShares
}

func (c *Card) importDKEK(cmd *iso7816.Command) ([]byte, uint16) {
	if len(cmd.Data) == 0 {
		return c.dkekStatus(), iso7816.SWOK
	}

	if len(cmd.Data) != dkekSize {
		return nil, iso7816.SWWrongLength
	}

	if c.imported == c.DKEKShares {
		return nil, iso7816.SWConditions
	}

	if c.dkek == nil {
		c.dkek = make([]byte, dkekSize)
	}

	for i, b := range cmd.Data {
		c.dkek[i] ^= b
	}

	c.imported++

	return c.dkekStatus(), iso7816.SWOK
}

func (c *Card) aead() (cipher.AEAD, bool) {
	if !c.dkekComplete() {
		return nil, false
	}

	b, err := aes.NewCipher(c.dkek)
	if err != nil {
		return nil, false
	}

	g, err := cipher.NewGCM(b)
	if err != nil {
		return nil, false
	}

	return g, true
}

func (c *Card) wrap(cmd *iso7816.Command) ([]byte, uint16) {
	k, sw := c.key(cmd.P1)
	if sw != iso7816.SWOK {
		return nil, sw
	}

	g, ok := c.aead()
	if !ok {
		return nil, iso7816.SWConditions
	}

	var priv any = k.RSA
	if k.EC != nil {
		priv = k.EC
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, iso7816.SWUnknown
	}

	nonce := make([]byte, g.NonceSize())
	if _, err := io.ReadFull(c.Rand, nonce); err != nil {
		return nil, iso7816.SWUnknown
	}

	return g.Seal(nonce, nonce, der, nil), iso7816.SWOK
}

func (c *Card) unwrap(cmd *iso7816.Command) ([]byte, uint16) {
	if !c.verified {
		return nil, iso7816.SWSecurityStatus
	}

	if _, ok := c.Keys[cmd.P1]; ok {
		return nil, swFileExists
	}

	g, ok := c.aead()
	if !ok {
		return nil, iso7816.SWConditions
	}

	if len(cmd.Data) < g.NonceSize() {
		return nil, iso7816.SWWrongData
	}

	ns := g.NonceSize()

	der, err := g.Open(nil, cmd.Data[:ns], cmd.Data[ns:], nil)
	if err != nil {
		return nil, iso7816.SWWrongData
	}

	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, iso7816.SWWrongData
	}

	switch p := priv.(type) {
	case *rsa.PrivateKey:
		c.Keys[cmd.P1] = &Key{RSA: p}
	case *ecdsa.PrivateKey:
		c.Keys[cmd.P1] = &Key{EC: p}
	default:
		return nil, iso7816.SWWrongData
	}

	return nil, iso7816.SWOK
}
