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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/areese/schsm-go/internal/schsmtest"
)

const testPIN = "648219"

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
	rsaErr  error
)

// testRSAKey returns a shared 1024 bit key. Key generation dominates the
// test run time otherwise.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	rsaOnce.Do(func() {
		rsaKey, rsaErr = rsa.GenerateKey(rand.Reader, 1024)
	})
	require.NoError(t, rsaErr)

	return rsaKey
}

func testECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return k
}

func testLogger() (*logrus.Logger, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)

	return l, hook
}

func selfSigned(t *testing.T, cn string, ca bool, signer crypto.Signer) []byte {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: ca,
		IsCA:                  ca,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	require.NoError(t, err)

	return der
}

// addKey stores a key with an optional description and end entity
// certificate. An empty label leaves out the description, a false cert the
// certificate.
func addKey(t *testing.T, card *schsmtest.Card, id byte, label string, cert bool, signer crypto.Signer) {
	t.Helper()

	alg, size := AlgorithmEC, 256

	switch k := signer.(type) {
	case *rsa.PrivateKey:
		card.Keys[id] = &schsmtest.Key{RSA: k}
		alg, size = AlgorithmRSA, k.N.BitLen()
	case *ecdsa.PrivateKey:
		card.Keys[id] = &schsmtest.Key{EC: k}
	default:
		t.Fatalf("unsupported key %T", signer)
	}

	if label != "" {
		desc, err := PrivateKeyDescription(label, id, alg, size)
		require.NoError(t, err)

		card.Files[FID(PrefixPrivateKeyDescription, id)] = desc
	}

	if cert {
		cn := label
		if cn == "" {
			cn = fmt.Sprintf("Cert %d", id)
		}

		card.Files[FID(PrefixEECertificate, id)] = selfSigned(t, cn, false, signer)
	}
}

func addCACertificate(t *testing.T, card *schsmtest.Card, id byte, label string) {
	t.Helper()

	card.Files[FID(PrefixCACertificate, id)] = selfSigned(t, label, true, testECKey(t))
	card.Files[FID(PrefixCertificateDescription, id)] = CertificateDescription(label, id)
}

func newTestHSM(t *testing.T, card *schsmtest.Card, opts ...Option) *SmartCardHSM {
	t.Helper()

	h, err := New(card, opts...)
	require.NoError(t, err)

	return h
}

func loggedIn(t *testing.T, card *schsmtest.Card, opts ...Option) *SmartCardHSM {
	t.Helper()

	h := newTestHSM(t, card, opts...)
	require.NoError(t, h.Login(testPIN))

	return h
}

// identityChannel protects nothing, so scripted responses stay readable.
type identityChannel struct {
	unwrapErr error
}

func (identityChannel) Wrap(cmd []byte) ([]byte, error) { return cmd, nil }

func (c identityChannel) Unwrap(resp []byte) ([]byte, error) {
	if c.unwrapErr != nil {
		return nil, c.unwrapErr
	}

	return resp, nil
}

type staticAuthenticator struct {
	ch  SecureChannel
	err error
}

func (a staticAuthenticator) Authenticate(*Transport) (SecureChannel, error) {
	return a.ch, a.err
}
