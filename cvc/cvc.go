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

// Package cvc implements card verifiable certificates as used by the
// extended access control protocols of BSI TR-03110 and by the SmartCard-HSM
// device authentication chain.
package cvc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1" // certificate hashes
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/areese/schsm-go/bertlv"
)

var (
	ErrMalformed          = errors.New("malformed card verifiable certificate")
	ErrUnknownAlgorithm   = errors.New("unknown certificate algorithm")
	ErrNoDomainParameters = errors.New("public key without domain parameters")
	ErrSignature          = errors.New("certificate signature invalid")
)

const (
	tagCertificate = 0x7F21
	tagAuthRequest = 0x67
	tagBody        = 0x7F4E
	tagCPI         = 0x5F29
	tagCAR         = 0x42
	tagCHR         = 0x5F20
	tagCHAT        = 0x7F4C
	tagEffective   = 0x5F25
	tagExpiration  = 0x5F24
	tagExtensions  = 0x65
	tagSignature   = 0x5F37
)

// Certificate is a parsed card verifiable certificate or certificate request.
type Certificate struct {
	// Raw is the complete encoding including an outer 67 wrapper.
	Raw []byte
	// Body is the signed 7F4E element exactly as received.
	Body []byte

	ProfileIdentifier byte
	CAR               string
	CHR               string
	PublicKey         *PublicKey
	CHAT              []byte
	EffectiveDate     time.Time
	ExpirationDate    time.Time
	Extensions        []byte
	Signature         []byte

	// OuterCAR and OuterSignature are set for authenticated requests.
	OuterCAR       string
	OuterSignature []byte
	outerSigned    []byte
}

// IsRequest reports whether the certificate lacks validity dates, which is
// the case for requests created by key generation.
func (c *Certificate) IsRequest() bool {
	return c.EffectiveDate.IsZero() && c.ExpirationDate.IsZero()
}

// IsAuthenticated reports whether a request carries an outer signature.
func (c *Certificate) IsAuthenticated() bool {
	return c.OuterSignature != nil
}

// Parse decodes a single certificate. Trailing bytes are an error.
func Parse(data []byte) (*Certificate, error) {
	n, rest, err := bertlv.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}

	return fromNode(n)
}

// ParseChain decodes a concatenation of certificates, as found in EF.C_DevAut.
// Decoding stops at 00 or FF fill following the last certificate.
func ParseChain(data []byte) ([]*Certificate, error) {
	var certs []*Certificate

	for len(data) > 0 && data[0] != 0x00 && data[0] != 0xFF {
		n, rest, err := bertlv.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrMalformed, len(certs), err)
		}

		c, err := fromNode(n)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", len(certs), err)
		}

		certs = append(certs, c)
		data = rest
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate", ErrMalformed)
	}

	return certs, nil
}

func fromNode(n *bertlv.Node) (*Certificate, error) {
	c := &Certificate{Raw: n.Raw()}

	if n.Tag == tagAuthRequest {
		inner := n.Find(tagCertificate)
		car := n.Find(tagCAR)
		sig := n.Find(tagSignature)
		if inner == nil || car == nil || sig == nil {
			return nil, fmt.Errorf("%w: incomplete authenticated request", ErrMalformed)
		}

		c.OuterCAR = string(car.Value())
		c.OuterSignature = sig.Value()
		c.outerSigned = append(append([]byte(nil), inner.Raw()...), car.Raw()...)
		n = inner
	}

	if n.Tag != tagCertificate {
		return nil, fmt.Errorf("%w: tag %X", ErrMalformed, n.Tag)
	}

	body := n.Find(tagBody)
	sig := n.Find(tagSignature)
	if body == nil || sig == nil {
		return nil, fmt.Errorf("%w: missing body or signature", ErrMalformed)
	}

	c.Body = body.Raw()
	c.Signature = sig.Value()

	if e := body.Find(tagCPI); e != nil && len(e.Value()) == 1 {
		c.ProfileIdentifier = e.Value()[0]
	}

	if e := body.Find(tagCAR); e != nil {
		c.CAR = string(e.Value())
	}

	e := body.Find(tagCHR)
	if e == nil {
		return nil, fmt.Errorf("%w: missing holder reference", ErrMalformed)
	}
	c.CHR = string(e.Value())

	pk := body.Find(tagPublicKey)
	if pk == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrMalformed)
	}

	var err error
	if c.PublicKey, err = ParsePublicKey(pk); err != nil {
		return nil, err
	}

	if e := body.Find(tagCHAT); e != nil {
		c.CHAT = e.Value()
	}

	if e := body.Find(tagExtensions); e != nil {
		c.Extensions = e.Value()
	}

	if e := body.Find(tagEffective); e != nil {
		if c.EffectiveDate, err = parseDate(e.Value()); err != nil {
			return nil, err
		}
	}

	if e := body.Find(tagExpiration); e != nil {
		if c.ExpirationDate, err = parseDate(e.Value()); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Dates are six unpacked BCD digits YYMMDD.
func parseDate(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("%w: date of %d bytes", ErrMalformed, len(b))
	}

	for _, d := range b {
		if d > 9 {
			return time.Time{}, fmt.Errorf("%w: date digit %d", ErrMalformed, d)
		}
	}

	year := 2000 + int(b[0])*10 + int(b[1])
	month := time.Month(int(b[2])*10 + int(b[3]))
	day := int(b[4])*10 + int(b[5])

	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

func encodeDate(t time.Time) []byte {
	y, m, d := t.Date()
	y %= 100

	return []byte{byte(y / 10), byte(y % 10), byte(m / 10), byte(m % 10), byte(d / 10), byte(d % 10)}
}

// Verify checks the certificate signature with the issuer key. EC issuer keys
// need domain parameters.
func (c *Certificate) Verify(issuer *PublicKey) error {
	return verify(issuer, c.Body, c.Signature)
}

// VerifyOuter checks the outer signature of an authenticated request.
func (c *Certificate) VerifyOuter(issuer *PublicKey) error {
	if !c.IsAuthenticated() {
		return fmt.Errorf("%w: request is not authenticated", ErrSignature)
	}

	return verify(issuer, c.outerSigned, c.OuterSignature)
}

func verify(issuer *PublicKey, signed, sig []byte) error {
	alg, err := issuer.Algorithm()
	if err != nil {
		return err
	}

	d := alg.Hash.New()
	d.Write(signed)
	digest := d.Sum(nil)

	if alg.RSA {
		pub, err := issuer.CryptoPublicKey()
		if err != nil {
			return err
		}

		rsaPub := pub.(*rsa.PublicKey)
		if alg.PSS {
			err = rsa.VerifyPSS(rsaPub, alg.Hash, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		} else {
			err = rsa.VerifyPKCS1v15(rsaPub, alg.Hash, digest, sig)
		}

		if err != nil {
			return fmt.Errorf("%w: %v", ErrSignature, err)
		}

		return nil
	}

	x, y, err := issuer.Coordinates()
	if err != nil {
		return err
	}

	if len(sig) == 0 || len(sig)%2 != 0 {
		return fmt.Errorf("%w: signature of %d bytes", ErrSignature, len(sig))
	}

	r := new(big.Int).SetBytes(sig[:len(sig)/2])
	s := new(big.Int).SetBytes(sig[len(sig)/2:])

	if named := issuer.Curve.Named(); named != nil {
		if !ecdsa.Verify(&ecdsa.PublicKey{Curve: named, X: x, Y: y}, digest, r, s) {
			return ErrSignature
		}

		return nil
	}

	if !issuer.Curve.VerifyECDSA(x, y, digest, r, s) {
		return ErrSignature
	}

	return nil
}

// Template holds the fields of a certificate to be signed.
type Template struct {
	ProfileIdentifier byte
	CAR               string
	CHR               string
	PublicKey         *PublicKey
	// IncludeDomainParameters is set for CVCA certificates.
	IncludeDomainParameters bool
	CHAT                    []byte
	EffectiveDate           time.Time
	ExpirationDate          time.Time
}

func (t *Template) body() (*bertlv.Node, error) {
	pk, err := t.PublicKey.Node(t.IncludeDomainParameters)
	if err != nil {
		return nil, err
	}

	body := bertlv.NewConstructed(tagBody,
		bertlv.NewPrimitive(tagCPI, []byte{t.ProfileIdentifier}),
		bertlv.NewPrimitive(tagCAR, []byte(t.CAR)),
		pk,
		bertlv.NewPrimitive(tagCHR, []byte(t.CHR)),
	)

	if t.CHAT != nil {
		body.Add(bertlv.NewPrimitive(tagCHAT, t.CHAT))
	}

	if !t.EffectiveDate.IsZero() {
		body.Add(bertlv.NewPrimitive(tagEffective, encodeDate(t.EffectiveDate)))
	}

	if !t.ExpirationDate.IsZero() {
		body.Add(bertlv.NewPrimitive(tagExpiration, encodeDate(t.ExpirationDate)))
	}

	return body, nil
}

// Create signs a certificate. alg is the algorithm of the issuer key held by
// signer; EC signatures are stored as r || s.
func Create(t *Template, alg *PublicKey, signer crypto.Signer) ([]byte, error) {
	a, err := alg.Algorithm()
	if err != nil {
		return nil, err
	}

	body, err := t.body()
	if err != nil {
		return nil, err
	}

	d := a.Hash.New()
	d.Write(body.Bytes())
	digest := d.Sum(nil)

	var opts crypto.SignerOpts = a.Hash
	if a.PSS {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: a.Hash}
	}

	sig, err := signer.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	if !a.RSA {
		pub, ok := signer.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: EC algorithm with %T", ErrUnknownAlgorithm, signer.Public())
		}

		if sig, err = PlainSignature(sig, (pub.Params().N.BitLen()+7)/8); err != nil {
			return nil, err
		}
	}

	return bertlv.NewConstructed(tagCertificate, body, bertlv.NewPrimitive(tagSignature, sig)).Bytes(), nil
}
