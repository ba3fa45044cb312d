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
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PlainSignature converts a DER encoded ECDSA-Sig-Value to the fixed length
// r || s form used in card verifiable certificates.
func PlainSignature(der []byte, size int) ([]byte, error) {
	var (
		r, s  big.Int
		inner cryptobyte.String
	)

	in := cryptobyte.String(der)
	if !in.ReadASN1(&inner, cbasn1.SEQUENCE) || !in.Empty() ||
		!inner.ReadASN1Integer(&r) || !inner.ReadASN1Integer(&s) || !inner.Empty() {
		return nil, fmt.Errorf("%w: invalid ECDSA signature encoding", ErrSignature)
	}

	if r.Sign() <= 0 || s.Sign() <= 0 || len(r.Bytes()) > size || len(s.Bytes()) > size {
		return nil, fmt.Errorf("%w: signature values out of range", ErrSignature)
	}

	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])

	return out, nil
}

// DERSignature converts r || s to a DER encoded ECDSA-Sig-Value.
func DERSignature(plain []byte) ([]byte, error) {
	if len(plain) == 0 || len(plain)%2 != 0 {
		return nil, fmt.Errorf("%w: signature of %d bytes", ErrSignature, len(plain))
	}

	r := new(big.Int).SetBytes(plain[:len(plain)/2])
	s := new(big.Int).SetBytes(plain[len(plain)/2:])

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})

	return b.Bytes()
}
