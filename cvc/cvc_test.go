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
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/areese/schsm-go/bertlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return k
}

func ecPublic(k *ecdsa.PrivateKey, curve *Curve) *PublicKey {
	return &PublicKey{
		OID:   OIDECDSASHA256,
		Curve: curve,
		Point: curve.Marshal(k.X, k.Y),
	}
}

type chain struct {
	root, issuer, device []byte
	deviceKey            *ecdsa.PrivateKey
}

func newChain(t *testing.T) chain {
	t.Helper()

	curve := CurveFromElliptic(elliptic.P256())
	rootKey, issuerKey, deviceKey := ecKey(t), ecKey(t), ecKey(t)

	rootPub := ecPublic(rootKey, curve)
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2034, 12, 31, 0, 0, 0, 0, time.UTC)

	root, err := Create(&Template{
		CAR:                     "UTSRCACC100001",
		CHR:                     "UTSRCACC100001",
		PublicKey:               rootPub,
		IncludeDomainParameters: true,
		CHAT:                    []byte{0x06, 0x09, 0x04, 0x00, 0x7F, 0x00, 0x07, 0x03, 0x01, 0x02, 0x02, 0x53, 0x01, 0xC0},
		EffectiveDate:           from,
		ExpirationDate:          to,
	}, rootPub, rootKey)
	require.NoError(t, err)

	issuer, err := Create(&Template{
		CAR:            "UTSRCACC100001",
		CHR:            "DESRCA_DEVAUT",
		PublicKey:      &PublicKey{OID: OIDECDSASHA256, Point: curve.Marshal(issuerKey.X, issuerKey.Y)},
		EffectiveDate:  from,
		ExpirationDate: to,
	}, rootPub, rootKey)
	require.NoError(t, err)

	device, err := Create(&Template{
		CAR:            "DESRCA_DEVAUT",
		CHR:            "DECC0000001",
		PublicKey:      &PublicKey{OID: OIDECDSASHA256, Point: curve.Marshal(deviceKey.X, deviceKey.Y)},
		EffectiveDate:  from,
		ExpirationDate: to,
	}, ecPublic(issuerKey, curve), issuerKey)
	require.NoError(t, err)

	return chain{root: root, issuer: issuer, device: device, deviceKey: deviceKey}
}

func TestCreateParse(t *testing.T) {
	t.Parallel()

	c := newChain(t)

	root, err := Parse(c.root)
	require.NoError(t, err)
	assert.Equal(t, "UTSRCACC100001", root.CAR)
	assert.Equal(t, "UTSRCACC100001", root.CHR)
	assert.Equal(t, byte(0), root.ProfileIdentifier)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), root.EffectiveDate)
	assert.Equal(t, time.Date(2034, 12, 31, 0, 0, 0, 0, time.UTC), root.ExpirationDate)
	assert.False(t, root.IsRequest())
	assert.Len(t, root.CHAT, 14)
	require.NotNil(t, root.PublicKey.Curve)
	assert.Equal(t, elliptic.P256(), root.PublicKey.Curve.Named())
	assert.Equal(t, 256, root.PublicKey.Size())
	assert.Equal(t, c.root, root.Raw)

	device, err := Parse(c.device)
	require.NoError(t, err)
	assert.Equal(t, "DESRCA_DEVAUT", device.CAR)
	assert.Nil(t, device.PublicKey.Curve)

	_, _, err = device.PublicKey.Coordinates()
	assert.ErrorIs(t, err, ErrNoDomainParameters)
}

func TestVerifyChain(t *testing.T) {
	t.Parallel()

	c := newChain(t)

	certs, err := ParseChain(append(append(append([]byte(nil), c.device...), c.issuer...), 0xFF, 0xFF))
	require.NoError(t, err)
	require.Len(t, certs, 2)

	root, err := Parse(c.root)
	require.NoError(t, err)
	require.NoError(t, root.Verify(root.PublicKey))

	device, issuer := certs[0], certs[1]
	require.NoError(t, issuer.Verify(root.PublicKey))

	issuerKey := issuer.PublicKey.WithDomainParameters(root.PublicKey.Curve)
	require.NoError(t, device.Verify(issuerKey))

	deviceKey := device.PublicKey.WithDomainParameters(root.PublicKey.Curve)
	pub, err := deviceKey.CryptoPublicKey()
	require.NoError(t, err)
	assert.True(t, c.deviceKey.PublicKey.Equal(pub))

	// Device certificate is not signed by the root.
	assert.ErrorIs(t, device.Verify(root.PublicKey), ErrSignature)
}

func TestVerifyTampered(t *testing.T) {
	t.Parallel()

	c := newChain(t)

	root, err := Parse(c.root)
	require.NoError(t, err)

	tampered := append([]byte(nil), c.issuer...)
	// Flip a byte inside the signed body.
	idx := len(tampered) / 2
	tampered[idx] ^= 0x01

	issuer, err := Parse(tampered)
	if err != nil {
		assert.ErrorIs(t, err, ErrMalformed)
		return
	}

	assert.Error(t, issuer.Verify(root.PublicKey))
}

func TestGenericCurveMatchesStandardLibrary(t *testing.T) {
	t.Parallel()

	curve := CurveFromElliptic(elliptic.P256())

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	x, y := curve.ScalarBaseMult(priv.Bytes())
	require.True(t, curve.IsOnCurve(x, y))
	assert.Equal(t, priv.PublicKey().Bytes(), curve.Marshal(x, y))

	// Shared secrets agree.
	peer, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	want, err := priv.ECDH(peer.PublicKey())
	require.NoError(t, err)

	px, py, err := curve.Unmarshal(peer.PublicKey().Bytes())
	require.NoError(t, err)

	sx, _ := curve.ScalarMult(px, py, priv.Bytes())
	assert.Equal(t, want, sx.FillBytes(make([]byte, curve.ByteSize())))
}

func TestGenericECDSAVerify(t *testing.T) {
	t.Parallel()

	curve := CurveFromElliptic(elliptic.P256())
	key := ecKey(t)
	digest := sha256.Sum256([]byte("generic"))

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)

	assert.True(t, curve.VerifyECDSA(key.X, key.Y, digest[:], r, s))
	assert.False(t, curve.VerifyECDSA(key.X, key.Y, digest[:], s, r))
	assert.False(t, curve.VerifyECDSA(key.X, key.Y, digest[:], big.NewInt(0), s))
}

func TestUnmarshalRejectsPointOffCurve(t *testing.T) {
	t.Parallel()

	curve := CurveFromElliptic(elliptic.P256())
	pt := curve.Marshal(curve.Gx, curve.Gy)
	pt[len(pt)-1] ^= 0x01

	_, _, err := curve.Unmarshal(pt)
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = curve.Unmarshal(pt[:10])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRSACertificates(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	for _, oid := range []asn1.ObjectIdentifier{OIDRSAv15SHA256, OIDRSAPSSSHA256, OIDRSAv15SHA1} {
		pub := &PublicKey{OID: oid, Modulus: key.N, Exponent: big.NewInt(int64(key.E))}

		raw, err := Create(&Template{CAR: "ROOT", CHR: "ROOT", PublicKey: pub}, pub, key)
		require.NoError(t, err)

		c, err := Parse(raw)
		require.NoError(t, err)
		assert.True(t, c.IsRequest())
		assert.Equal(t, 1024, c.PublicKey.Size())
		assert.NoError(t, c.Verify(pub), "oid %v", oid)

		alg, err := c.PublicKey.Algorithm()
		require.NoError(t, err)
		assert.True(t, alg.RSA)
	}
}

func TestAuthenticatedRequest(t *testing.T) {
	t.Parallel()

	curve := CurveFromElliptic(elliptic.P256())
	devKey, reqKey := ecKey(t), ecKey(t)
	reqPub := ecPublic(reqKey, curve)

	inner, err := Create(&Template{CAR: "UTCA00001", CHR: "UTTM00042", PublicKey: reqPub, IncludeDomainParameters: true}, reqPub, reqKey)
	require.NoError(t, err)

	innerNode, _, err := bertlv.Parse(inner)
	require.NoError(t, err)
	car := bertlv.NewPrimitive(0x42, []byte("DECC0000001"))
	signed := append(innerNode.Bytes(), car.Bytes()...)

	digest := sha256.Sum256(signed)
	der, err := devKey.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	plain, err := PlainSignature(der, 32)
	require.NoError(t, err)

	outer := bertlv.NewConstructed(0x67, innerNode, car, bertlv.NewPrimitive(0x5F37, plain)).Bytes()

	c, err := Parse(outer)
	require.NoError(t, err)
	assert.True(t, c.IsAuthenticated())
	assert.Equal(t, "DECC0000001", c.OuterCAR)
	assert.Equal(t, "UTTM00042", c.CHR)
	assert.NoError(t, c.Verify(c.PublicKey))
	assert.NoError(t, c.VerifyOuter(ecPublic(devKey, curve)))
}

func TestSignatureConversion(t *testing.T) {
	t.Parallel()

	plain := make([]byte, 64)
	plain[31] = 0x05
	plain[32] = 0x80
	plain[63] = 0x01

	der, err := DERSignature(plain)
	require.NoError(t, err)

	back, err := PlainSignature(der, 32)
	require.NoError(t, err)
	assert.Equal(t, plain, back)

	_, err = PlainSignature([]byte{0x30, 0x00}, 32)
	assert.ErrorIs(t, err, ErrSignature)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong tag", []byte{0x30, 0x00}},
		{"no body", []byte{0x7F, 0x21, 0x03, 0x5F, 0x37, 0x00}},
		{"trailing", []byte{0x7F, 0x21, 0x00, 0x00}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestOIDRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := MarshalOID(OIDECDSASHA256)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x02, 0x02, 0x03}, b)

	oid, err := UnmarshalOID(b)
	require.NoError(t, err)
	assert.True(t, oid.Equal(OIDECDSASHA256))
}
