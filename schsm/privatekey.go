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
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/areese/schsm-go/rsapad"
)

// PrivateKey is a key on the token. It implements crypto.Signer and, for
// RSA keys, crypto.Decrypter.
type PrivateKey struct {
	t     *Transport
	table *AlgorithmTable
	rand  io.Reader
	key   *KeyReference
	pub   crypto.PublicKey
	alg   KeyAlgorithm
	bits  int
}

var (
	_ crypto.Signer    = (*PrivateKey)(nil)
	_ crypto.Decrypter = (*PrivateKey)(nil)
)

// RawDecryptOptions requests the plain RSA operation without removing any
// padding.
type RawDecryptOptions struct{}

// newPrivateKey takes type and size from the attached certificate. Keys
// without one fall back to the key reference resolved from the description.
func newPrivateKey(t *Transport, table *AlgorithmTable, r io.Reader, e *KeyEntry) (*PrivateKey, error) {
	k := &PrivateKey{t: t, table: table, rand: r, key: e.Key, alg: e.Key.Algorithm, bits: e.Key.Size}

	if e.Certificate == nil {
		if k.alg == AlgorithmUnknown || (k.alg == AlgorithmRSA && k.bits <= 0) {
			return nil, fmt.Errorf("%w: type and size of key %q are unknown", ErrNotFound, e.Key.Label)
		}

		return k, nil
	}

	pub, err := e.Certificate.PublicKey()
	if err != nil {
		return nil, err
	}

	switch p := pub.(type) {
	case *rsa.PublicKey:
		k.alg, k.bits = AlgorithmRSA, p.N.BitLen()
	case *ecdsa.PublicKey:
		k.alg, k.bits = AlgorithmEC, p.Params().BitSize
	default:
		return nil, fmt.Errorf("%w: public key %T", ErrUnsupported, pub)
	}

	k.pub = pub

	return k, nil
}

// Public implements crypto.Signer. It is nil when the key has no
// certificate.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.pub
}

// KeyReference returns the key on the token.
func (k *PrivateKey) KeyReference() *KeyReference {
	return k.key
}

// Sign implements crypto.Signer. RSA keys produce PKCS#1 v1.5 signatures,
// or PSS signatures with a salt as long as the digest when opts is
// *rsa.PSSOptions. A zero hash signs the digest as is, without DigestInfo.
// EC keys produce ASN.1 DER signatures.
func (k *PrivateKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil {
		opts = crypto.Hash(0)
	}

	h := opts.HashFunc()
	if h != 0 && len(digest) != h.Size() {
		return nil, fmt.Errorf("%w: digest of %d bytes for %v", ErrEncoding, len(digest), h)
	}

	scheme, err := k.table.Lookup(k.alg, opts)
	if err != nil {
		return nil, err
	}

	if rand == nil {
		rand = k.rand
	}

	block, err := k.pad(rand, scheme.Padding, digest, opts)
	if err != nil {
		return nil, err
	}

	return k.t.Sign(k.key.ID, scheme.Card, block)
}

func (k *PrivateKey) pad(rand io.Reader, p Padding, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if p == PaddingNone {
		return digest, nil
	}

	bits := k.bits
	h := opts.HashFunc()

	switch p {
	case PaddingPKCS1v15:
		t := digest
		if h != 0 {
			var err error
			if t, err = rsapad.EncodeDigestInfo(h, digest); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
			}
		}

		block, err := rsapad.PadPKCS1v15(t, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}

		return block, nil

	case PaddingPSS:
		pss := opts.(*rsa.PSSOptions)
		switch pss.SaltLength {
		case rsa.PSSSaltLengthAuto, rsa.PSSSaltLengthEqualsHash, h.Size():
		default:
			return nil, fmt.Errorf("%w: PSS salt length %d", ErrUnsupported, pss.SaltLength)
		}

		block, err := rsapad.EncodePSS(rand, h, digest, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}

		return block, nil
	}

	return nil, fmt.Errorf("%w: padding %d", ErrUnsupported, p)
}

// SignRaw applies the private RSA operation to a block as long as the modulus.
func (k *PrivateKey) SignRaw(block []byte) ([]byte, error) {
	if k.alg != AlgorithmRSA {
		return nil, fmt.Errorf("%w: raw signature with EC key", ErrUnsupported)
	}

	if len(block) != (k.bits+7)/8 {
		return nil, fmt.Errorf("%w: block of %d bytes for %d bit modulus", ErrEncoding, len(block), k.bits)
	}

	return k.t.Sign(k.key.ID, AlgRSARaw, block)
}

// Decrypt implements crypto.Decrypter. nil opts and
// *rsa.PKCS1v15DecryptOptions remove PKCS#1 v1.5 padding on the token;
// RawDecryptOptions returns the plain RSA result. OAEP is not supported.
func (k *PrivateKey) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if k.alg != AlgorithmRSA {
		return nil, fmt.Errorf("%w: decryption with EC key", ErrUnsupported)
	}

	var alg byte

	switch opts.(type) {
	case nil, *rsa.PKCS1v15DecryptOptions:
		alg = AlgRSADecryptV15
	case RawDecryptOptions, *RawDecryptOptions:
		alg = AlgRSADecryptRaw
	default:
		return nil, fmt.Errorf("%w: decrypter options %T", ErrUnsupported, opts)
	}

	return k.t.Decipher(k.key.ID, alg, ciphertext)
}
