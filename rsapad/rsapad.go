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

// Package rsapad builds RSA signature blocks on the host.
//
// Smart cards often implement only the raw RSA private key operation for some
// digests, so the PKCS#1 v1.5 and PSS encodings are computed here and the
// finished block is sent to the card.
package rsapad

import (
	"crypto"
	_ "crypto/sha1" // register hashes used by DigestInfo and PSS
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrEncoding is the parent of every error returned by this package.
	ErrEncoding = errors.New("rsa padding")

	ErrMessageTooLong   = fmt.Errorf("%w: message too long for modulus", ErrEncoding)
	ErrModulusTooSmall  = fmt.Errorf("%w: modulus too small for digest", ErrEncoding)
	ErrUnsupportedHash  = fmt.Errorf("%w: unsupported hash", ErrEncoding)
	ErrBadDigestLength  = fmt.Errorf("%w: digest length does not match hash", ErrEncoding)
	ErrBadModulusLength = fmt.Errorf("%w: invalid modulus length", ErrEncoding)
)

// https://www.rfc-editor.org/rfc/rfc8017#appendix-B.1
var (
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// HashOID returns the algorithm identifier used in DigestInfo for h.
func HashOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return oidSHA1, nil
	case crypto.SHA224:
		return oidSHA224, nil
	case crypto.SHA256:
		return oidSHA256, nil
	case crypto.SHA384:
		return oidSHA384, nil
	case crypto.SHA512:
		return oidSHA512, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, h)
}

// DigestInfo wraps a hash value with its algorithm identifier:
//
//	DigestInfo ::= SEQUENCE {
//	    digestAlgorithm AlgorithmIdentifier,
//	    digest OCTET STRING
//	}
func DigestInfo(oid asn1.ObjectIdentifier, digest []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})

	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: building digest info: %v", ErrEncoding, err)
	}

	return out, nil
}

// EncodeDigestInfo is DigestInfo for a named hash. The digest length is checked
// against the hash output size.
func EncodeDigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, err := HashOID(h)
	if err != nil {
		return nil, err
	}

	if len(digest) != h.Size() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadDigestLength, len(digest), h.Size())
	}

	return DigestInfo(oid, digest)
}

// PadPKCS1v15 builds an EMSA-PKCS1-v1_5 block of type 1:
//
//	00 01 FF .. FF 00 t
//
// The block is exactly modulusBits/8 bytes long.
func PadPKCS1v15(t []byte, modulusBits int) ([]byte, error) {
	if modulusBits <= 0 {
		return nil, fmt.Errorf("%w: %d bits", ErrBadModulusLength, modulusBits)
	}

	k := (modulusBits + 7) / 8

	// 00 01 at least 8 bytes of FF and 00.
	if len(t)+11 > k {
		return nil, fmt.Errorf("%w: %d bytes with %d bit modulus", ErrMessageTooLong, len(t), modulusBits)
	}

	em := make([]byte, k)
	em[1] = 0x01
	for i := 2; i < k-len(t)-1; i++ {
		em[i] = 0xff
	}
	copy(em[k-len(t):], t)

	return em, nil
}
