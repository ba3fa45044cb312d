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

package rsapad

import (
	"crypto"
	"encoding/binary"
	"fmt"
	"io"
)

const pssTrailer = 0xbc

// MGF1 generates a mask of maskLen bytes from seed.
//
// https://www.rfc-editor.org/rfc/rfc8017#appendix-B.2.1
func MGF1(h crypto.Hash, seed []byte, maskLen int) []byte {
	var (
		counter [4]byte
		out     = make([]byte, 0, maskLen+h.Size())
		d       = h.New()
	)

	for i := uint32(0); len(out) < maskLen; i++ {
		binary.BigEndian.PutUint32(counter[:], i)

		d.Reset()
		d.Write(seed)
		d.Write(counter[:])
		out = d.Sum(out)
	}

	return out[:maskLen]
}

// EncodePSS produces an EMSA-PSS block for a raw RSA operation with a modulus
// of modulusBits. The salt is as long as the digest and is read from rand on
// every call.
//
// The result is left padded with zeros to the byte length of the modulus.
func EncodePSS(rand io.Reader, h crypto.Hash, mHash []byte, modulusBits int) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, h)
	}

	if len(mHash) != h.Size() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadDigestLength, len(mHash), h.Size())
	}

	salt := make([]byte, h.Size())
	if _, err := io.ReadFull(rand, salt); err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	return encodePSS(h, mHash, salt, modulusBits)
}

// https://www.rfc-editor.org/rfc/rfc8017#section-9.1.1
func encodePSS(h crypto.Hash, mHash, salt []byte, modulusBits int) ([]byte, error) {
	if modulusBits <= 1 {
		return nil, fmt.Errorf("%w: %d bits", ErrBadModulusLength, modulusBits)
	}

	hLen := h.Size()
	sLen := len(salt)
	emBits := modulusBits - 1
	emLen := (emBits + 7) / 8

	if emBits < 8*hLen+8*sLen+9 {
		return nil, fmt.Errorf("%w: %d bit modulus with %v", ErrModulusTooSmall, modulusBits, h)
	}

	var prefix [8]byte

	d := h.New()
	d.Write(prefix[:])
	d.Write(mHash)
	d.Write(salt)
	hash := d.Sum(nil)

	// DB = PS || 0x01 || salt
	db := make([]byte, emLen-hLen-1)
	db[len(db)-sLen-1] = 0x01
	copy(db[len(db)-sLen:], salt)

	mask := MGF1(h, hash, len(db))
	for i := range db {
		db[i] ^= mask[i]
	}

	// Keep the encoded message below 2^emBits.
	db[0] &= 0xff >> (8*emLen - emBits)

	k := (modulusBits + 7) / 8
	em := make([]byte, k)
	off := k - emLen
	copy(em[off:], db)
	copy(em[off+len(db):], hash)
	em[k-1] = pssTrailer

	return em, nil
}
