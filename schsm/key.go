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
	"crypto"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/areese/schsm-go/bertlv"
	"github.com/areese/schsm-go/cvc"
)

// File identifier prefixes of the objects on the token. The second byte of
// the identifier is the object id.
const (
	PrefixKey                    byte = 0xCC
	PrefixPrivateKeyDescription  byte = 0xC4
	PrefixCertificateDescription byte = 0xC9
	PrefixEECertificate          byte = 0xCE
	PrefixCACertificate          byte = 0xCA
)

// FIDDeviceCertificate is EF.C_DevAut, the device authentication
// certificate chain.
const FIDDeviceCertificate uint16 = 0x2F02

// KeyCapacity bounds key ids to [1, KeyCapacity).
const KeyCapacity = 256

// FID returns the file identifier of the object with id under prefix.
func FID(prefix, id byte) uint16 {
	return uint16(prefix)<<8 | uint16(id)
}

// Card algorithm identifiers. Signatures are padded on the host and use the
// raw operations only.
const (
	AlgRSARaw        byte = 0x20
	AlgRSADecryptRaw byte = 0x21
	AlgRSADecryptV15 byte = 0x22
	AlgECRaw         byte = 0x70
	AlgECDH          byte = 0x80
	AlgWrap          byte = 0x92
	AlgUnwrap        byte = 0x93
)

// KeyAlgorithm is the key type of a key reference.
type KeyAlgorithm int

const (
	// AlgorithmUnknown is used until a description or certificate reveals the type.
	AlgorithmUnknown KeyAlgorithm = iota
	AlgorithmRSA
	AlgorithmEC
)

func (a KeyAlgorithm) String() string {
	switch a {
	case AlgorithmRSA:
		return "RSA"
	case AlgorithmEC:
		return "EC"
	}

	return "unknown"
}

// KeyReference is a private key stored on the token.
type KeyReference struct {
	ID    byte
	Label string
	// Size is the key size in bits or -1 when unknown.
	Size int
	// Description is the encoded PKCS#15 private key description.
	Description []byte
	Algorithm   KeyAlgorithm
}

// FID returns the file identifier of the key.
func (k *KeyReference) FID() uint16 {
	return FID(PrefixKey, k.ID)
}

// RSAParameters selects the size of a generated RSA key.
type RSAParameters struct {
	ModulusBits    int
	PublicExponent int
}

// GenerationSpec describes a key to generate and the certificate request the
// token creates for it. It is immutable once built.
type GenerationSpec struct {
	car string
	chr string
	oid asn1.ObjectIdentifier
	rsa *RSAParameters
	ec  *cvc.Curve
}

func newGenerationSpec(car, chr string, oid asn1.ObjectIdentifier, wantRSA bool) (*GenerationSpec, error) {
	a, err := cvc.AlgorithmFor(oid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	if a.RSA != wantRSA {
		return nil, fmt.Errorf("%w: algorithm %v does not match key type", ErrUnsupported, oid)
	}

	if chr == "" {
		return nil, fmt.Errorf("%w: empty holder reference", ErrEncoding)
	}

	return &GenerationSpec{car: car, chr: chr, oid: oid}, nil
}

// NewRSAGenerationSpec describes an RSA key. oid is one of the RSA
// algorithms of package cvc.
func NewRSAGenerationSpec(car, chr string, oid asn1.ObjectIdentifier, p RSAParameters) (*GenerationSpec, error) {
	if p.ModulusBits < 1024 || p.ModulusBits%256 != 0 {
		return nil, fmt.Errorf("%w: RSA modulus of %d bits", ErrUnsupported, p.ModulusBits)
	}

	if p.PublicExponent == 0 {
		p.PublicExponent = 65537
	}

	s, err := newGenerationSpec(car, chr, oid, true)
	if err != nil {
		return nil, err
	}

	s.rsa = &p

	return s, nil
}

// NewECGenerationSpec describes an EC key on an arbitrary curve.
func NewECGenerationSpec(car, chr string, oid asn1.ObjectIdentifier, curve *cvc.Curve) (*GenerationSpec, error) {
	if curve == nil {
		return nil, cvc.ErrNoDomainParameters
	}

	s, err := newGenerationSpec(car, chr, oid, false)
	if err != nil {
		return nil, err
	}

	c := *curve
	s.ec = &c

	return s, nil
}

// NewNamedCurveGenerationSpec describes an EC key on a curve of the
// standard library.
func NewNamedCurveGenerationSpec(car, chr string, oid asn1.ObjectIdentifier, curve elliptic.Curve) (*GenerationSpec, error) {
	return NewECGenerationSpec(car, chr, oid, cvc.CurveFromElliptic(curve))
}

// CAR returns the certification authority reference of the request.
func (s *GenerationSpec) CAR() string { return s.car }

// CHR returns the holder reference of the request.
func (s *GenerationSpec) CHR() string { return s.chr }

// Algorithm returns the key type.
func (s *GenerationSpec) Algorithm() KeyAlgorithm {
	if s.rsa != nil {
		return AlgorithmRSA
	}

	return AlgorithmEC
}

// Size returns the key size in bits.
func (s *GenerationSpec) Size() int {
	if s.rsa != nil {
		return s.rsa.ModulusBits
	}

	return s.ec.ByteSize() * 8
}

// Template encodes the GENERATE ASYMMETRIC KEY PAIR data.
func (s *GenerationSpec) Template() ([]byte, error) {
	oid, err := cvc.MarshalOID(s.oid)
	if err != nil {
		return nil, err
	}

	pk := bertlv.NewConstructed(0x7F49, bertlv.NewPrimitive(0x06, oid))

	if s.rsa != nil {
		pk.Add(
			bertlv.NewPrimitive(0x82, big.NewInt(int64(s.rsa.PublicExponent)).Bytes()),
			bertlv.NewPrimitive(0x02, []byte{byte(s.rsa.ModulusBits >> 8), byte(s.rsa.ModulusBits)}),
		)
	} else {
		c := s.ec
		pk.Add(
			bertlv.NewPrimitive(0x81, c.P.Bytes()),
			bertlv.NewPrimitive(0x82, c.A.Bytes()),
			bertlv.NewPrimitive(0x83, c.B.Bytes()),
			bertlv.NewPrimitive(0x84, c.Marshal(c.Gx, c.Gy)),
			bertlv.NewPrimitive(0x85, c.N.Bytes()),
			bertlv.NewPrimitive(0x87, []byte{byte(c.H)}),
		)
	}

	var out []byte
	out = append(out, bertlv.NewPrimitive(0x5F29, []byte{0x00}).Bytes()...)

	if s.car != "" {
		out = append(out, bertlv.NewPrimitive(0x42, []byte(s.car)).Bytes()...)
	}

	out = append(out, pk.Bytes()...)
	out = append(out, bertlv.NewPrimitive(0x5F20, []byte(s.chr)).Bytes()...)

	return out, nil
}

// Padding is the encoding applied on the host before a raw card operation.
type Padding int

const (
	PaddingNone Padding = iota
	PaddingPKCS1v15
	PaddingPSS
)

// SignatureScheme is how a signature request is executed.
type SignatureScheme struct {
	// Card is the algorithm id sent with SIGN.
	Card    byte
	Padding Padding
}

type schemeKey struct {
	alg  KeyAlgorithm
	hash crypto.Hash
	pss  bool
}

// AlgorithmTable maps signature requests to card algorithms. It is built
// once and never modified.
type AlgorithmTable struct {
	schemes map[schemeKey]SignatureScheme
}

// NewAlgorithmTable builds the table. RSA signatures are padded on the host
// and signed with the raw RSA operation. ECDSA signs the digest with the raw
// EC operation.
func NewAlgorithmTable() *AlgorithmTable {
	t := &AlgorithmTable{schemes: make(map[schemeKey]SignatureScheme)}

	hashes := []crypto.Hash{crypto.SHA1, crypto.SHA224, crypto.SHA256, crypto.SHA384, crypto.SHA512}

	t.schemes[schemeKey{AlgorithmRSA, 0, false}] = SignatureScheme{AlgRSARaw, PaddingPKCS1v15}
	t.schemes[schemeKey{AlgorithmEC, 0, false}] = SignatureScheme{AlgECRaw, PaddingNone}

	for _, h := range hashes {
		t.schemes[schemeKey{AlgorithmRSA, h, false}] = SignatureScheme{AlgRSARaw, PaddingPKCS1v15}
		t.schemes[schemeKey{AlgorithmRSA, h, true}] = SignatureScheme{AlgRSARaw, PaddingPSS}
		t.schemes[schemeKey{AlgorithmEC, h, false}] = SignatureScheme{AlgECRaw, PaddingNone}
	}

	return t
}

// Lookup returns the scheme for a key type and signer options.
func (t *AlgorithmTable) Lookup(alg KeyAlgorithm, opts crypto.SignerOpts) (SignatureScheme, error) {
	_, pss := opts.(*rsa.PSSOptions)

	s, ok := t.schemes[schemeKey{alg, opts.HashFunc(), pss}]
	if !ok {
		return SignatureScheme{}, fmt.Errorf("%w: %s key with hash %v (PSS %t)", ErrUnsupported, alg, opts.HashFunc(), pss)
	}

	return s, nil
}
