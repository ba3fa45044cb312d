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

package cvc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/areese/schsm-go/bertlv"
)

// Tags inside the public key template 7F49.
const (
	tagPublicKey = 0x7F49
	tagOID       = 0x06

	tagModulus  = 0x81
	tagExponent = 0x82

	tagPrime     = 0x81
	tagCoeffA    = 0x82
	tagCoeffB    = 0x83
	tagGenerator = 0x84
	tagOrder     = 0x85
	tagPoint     = 0x86
	tagCofactor  = 0x87
)

// Terminal authentication algorithm identifiers below
// bsi-de(0.4.0.127.0.7) protocols(2) smartcard(2) ta(2).
var (
	OIDRSAv15SHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 1}
	OIDRSAv15SHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 2}
	OIDRSAPSSSHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 3}
	OIDRSAPSSSHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 4}
	OIDRSAv15SHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 5}
	OIDRSAPSSSHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 6}

	OIDECDSASHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 1}
	OIDECDSASHA224 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 2}
	OIDECDSASHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 3}
	OIDECDSASHA384 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 4}
	OIDECDSASHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 5}
)

// Algorithm describes how a signature made with a key is computed.
type Algorithm struct {
	RSA  bool
	PSS  bool
	Hash crypto.Hash
}

var algorithms = []struct {
	oid asn1.ObjectIdentifier
	alg Algorithm
}{
	{OIDRSAv15SHA1, Algorithm{RSA: true, Hash: crypto.SHA1}},
	{OIDRSAv15SHA256, Algorithm{RSA: true, Hash: crypto.SHA256}},
	{OIDRSAPSSSHA1, Algorithm{RSA: true, PSS: true, Hash: crypto.SHA1}},
	{OIDRSAPSSSHA256, Algorithm{RSA: true, PSS: true, Hash: crypto.SHA256}},
	{OIDRSAv15SHA512, Algorithm{RSA: true, Hash: crypto.SHA512}},
	{OIDRSAPSSSHA512, Algorithm{RSA: true, PSS: true, Hash: crypto.SHA512}},
	{OIDECDSASHA1, Algorithm{Hash: crypto.SHA1}},
	{OIDECDSASHA224, Algorithm{Hash: crypto.SHA224}},
	{OIDECDSASHA256, Algorithm{Hash: crypto.SHA256}},
	{OIDECDSASHA384, Algorithm{Hash: crypto.SHA384}},
	{OIDECDSASHA512, Algorithm{Hash: crypto.SHA512}},
}

// AlgorithmFor resolves a terminal authentication OID.
func AlgorithmFor(oid asn1.ObjectIdentifier) (Algorithm, error) {
	for _, a := range algorithms {
		if a.oid.Equal(oid) {
			return a.alg, nil
		}
	}

	return Algorithm{}, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, oid)
}

// PublicKey is the content of a 7F49 public key template. Exactly one of the
// RSA and EC field groups is set.
type PublicKey struct {
	OID asn1.ObjectIdentifier

	Modulus  *big.Int
	Exponent *big.Int

	// Curve is nil when the certificate does not carry domain parameters.
	// Only CVCA certificates do; use WithDomainParameters for the others.
	Curve *Curve
	Point []byte
}

// IsRSA reports whether the key is an RSA key.
func (k *PublicKey) IsRSA() bool {
	return k.Modulus != nil
}

// Algorithm returns the signature algorithm bound to the key.
func (k *PublicKey) Algorithm() (Algorithm, error) {
	return AlgorithmFor(k.OID)
}

// Size returns the key size in bits: the modulus length for RSA and the
// length of the x coordinate for EC, both counted in whole bytes.
func (k *PublicKey) Size() int {
	if k.IsRSA() {
		return len(k.Modulus.Bytes()) * 8
	}

	if len(k.Point) < 3 {
		return -1
	}

	return (len(k.Point) - 1) / 2 * 8
}

// WithDomainParameters returns a copy of an EC key carrying the curve of a
// parent key when it has none of its own.
func (k *PublicKey) WithDomainParameters(c *Curve) *PublicKey {
	cp := *k
	if cp.Curve == nil && !cp.IsRSA() {
		cp.Curve = c
	}

	return &cp
}

// Coordinates decodes the public point. Domain parameters are required.
func (k *PublicKey) Coordinates() (*big.Int, *big.Int, error) {
	if k.IsRSA() {
		return nil, nil, fmt.Errorf("%w: not an EC key", ErrUnknownAlgorithm)
	}

	if k.Curve == nil {
		return nil, nil, ErrNoDomainParameters
	}

	return k.Curve.Unmarshal(k.Point)
}

// CryptoPublicKey converts the key to *rsa.PublicKey or *ecdsa.PublicKey. EC
// keys are only convertible on curves the standard library knows.
func (k *PublicKey) CryptoPublicKey() (crypto.PublicKey, error) {
	if k.IsRSA() {
		if !k.Exponent.IsInt64() {
			return nil, fmt.Errorf("%w: exponent too large", ErrMalformed)
		}

		return &rsa.PublicKey{N: k.Modulus, E: int(k.Exponent.Int64())}, nil
	}

	x, y, err := k.Coordinates()
	if err != nil {
		return nil, err
	}

	named := k.Curve.Named()
	if named == nil {
		return nil, fmt.Errorf("%w: curve has no standard library equivalent", ErrUnknownAlgorithm)
	}

	return &ecdsa.PublicKey{Curve: named, X: x, Y: y}, nil
}

// Node encodes the key as a 7F49 template. Domain parameters are included
// when the key has a curve and withDomain is set.
func (k *PublicKey) Node(withDomain bool) (*bertlv.Node, error) {
	oid, err := MarshalOID(k.OID)
	if err != nil {
		return nil, err
	}

	n := bertlv.NewConstructed(tagPublicKey, bertlv.NewPrimitive(tagOID, oid))

	if k.IsRSA() {
		return n.Add(
			bertlv.NewPrimitive(tagModulus, k.Modulus.Bytes()),
			bertlv.NewPrimitive(tagExponent, k.Exponent.Bytes()),
		), nil
	}

	if withDomain && k.Curve != nil {
		c := k.Curve
		n.Add(
			bertlv.NewPrimitive(tagPrime, c.P.Bytes()),
			bertlv.NewPrimitive(tagCoeffA, c.A.Bytes()),
			bertlv.NewPrimitive(tagCoeffB, c.B.Bytes()),
			bertlv.NewPrimitive(tagGenerator, c.Marshal(c.Gx, c.Gy)),
			bertlv.NewPrimitive(tagOrder, c.N.Bytes()),
		)
		n.Add(bertlv.NewPrimitive(tagPoint, k.Point))

		return n.Add(bertlv.NewPrimitive(tagCofactor, []byte{byte(c.H)})), nil
	}

	return n.Add(bertlv.NewPrimitive(tagPoint, k.Point)), nil
}

// ParsePublicKey decodes a 7F49 template.
func ParsePublicKey(n *bertlv.Node) (*PublicKey, error) {
	if n.Tag != tagPublicKey {
		return nil, fmt.Errorf("%w: public key tag %X", ErrMalformed, n.Tag)
	}

	o := n.Find(tagOID)
	if o == nil {
		return nil, fmt.Errorf("%w: public key without algorithm", ErrMalformed)
	}

	oid, err := UnmarshalOID(o.Value())
	if err != nil {
		return nil, err
	}

	alg, err := AlgorithmFor(oid)
	if err != nil {
		return nil, err
	}

	k := &PublicKey{OID: oid}

	if alg.RSA {
		mod, exp := n.Find(tagModulus), n.Find(tagExponent)
		if mod == nil || exp == nil {
			return nil, fmt.Errorf("%w: incomplete RSA public key", ErrMalformed)
		}

		k.Modulus = new(big.Int).SetBytes(mod.Value())
		k.Exponent = new(big.Int).SetBytes(exp.Value())

		return k, nil
	}

	pt := n.Find(tagPoint)
	if pt == nil {
		return nil, fmt.Errorf("%w: EC public key without point", ErrMalformed)
	}
	k.Point = pt.Value()

	if n.Find(tagPrime) == nil {
		return k, nil
	}

	k.Curve, err = ParseCurve(n)
	if err != nil {
		return nil, err
	}

	if _, _, err := k.Curve.Unmarshal(k.Point); err != nil {
		return nil, err
	}

	return k, nil
}

// ParseCurve decodes the domain parameters of a 7F49 template or of a key
// generation request.
func ParseCurve(n *bertlv.Node) (*Curve, error) {
	get := func(tag uint32) ([]byte, error) {
		e := n.Find(tag)
		if e == nil || len(e.Value()) == 0 {
			return nil, fmt.Errorf("%w: domain parameter %02X missing", ErrMalformed, tag)
		}

		return e.Value(), nil
	}

	c := &Curve{H: 1}

	for _, f := range []struct {
		tag uint32
		dst **big.Int
	}{
		{tagPrime, &c.P},
		{tagCoeffA, &c.A},
		{tagCoeffB, &c.B},
		{tagOrder, &c.N},
	} {
		v, err := get(f.tag)
		if err != nil {
			return nil, err
		}
		*f.dst = new(big.Int).SetBytes(v)
	}

	g, err := get(tagGenerator)
	if err != nil {
		return nil, err
	}

	if c.Gx, c.Gy, err = c.Unmarshal(g); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	if h := n.Find(tagCofactor); h != nil {
		c.H = int(new(big.Int).SetBytes(h.Value()).Int64())
	}

	return c, nil
}

// MarshalOID returns the content octets of an OBJECT IDENTIFIER.
func MarshalOID(oid asn1.ObjectIdentifier) ([]byte, error) {
	der, err := asn1.Marshal(oid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n, _, err := bertlv.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return n.Value(), nil
}

// UnmarshalOID decodes the content octets of an OBJECT IDENTIFIER.
func UnmarshalOID(content []byte) (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier

	der := bertlv.NewPrimitive(tagOID, content).Bytes()
	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, fmt.Errorf("%w: object identifier: %v", ErrMalformed, err)
	}

	return oid, nil
}
