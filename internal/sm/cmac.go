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

package sm

import (
	"crypto/cipher"
	"crypto/subtle"
)

// rb is the constant of RFC 4493 section 2.3 for 128 bit blocks.
const rb = 0x87

func shiftLeft(in []byte) []byte {
	out := make([]byte, len(in))

	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}

	return out
}

func subkeys(b cipher.Block) ([]byte, []byte) {
	l := make([]byte, b.BlockSize())
	b.Encrypt(l, l)

	k1 := shiftLeft(l)
	if l[0]&0x80 != 0 {
		k1[len(k1)-1] ^= rb
	}

	k2 := shiftLeft(k1)
	if k1[0]&0x80 != 0 {
		k2[len(k2)-1] ^= rb
	}

	return k1, k2
}

// CMAC computes the AES-CMAC of msg as defined in RFC 4493.
func CMAC(b cipher.Block, msg []byte) []byte {
	bs := b.BlockSize()
	k1, k2 := subkeys(b)

	n := (len(msg) + bs - 1) / bs
	complete := n > 0 && len(msg)%bs == 0
	if n == 0 {
		n = 1
	}

	last := make([]byte, bs)
	if complete {
		copy(last, msg[(n-1)*bs:])
		subtle.XORBytes(last, last, k1)
	} else {
		copy(last, Pad(msg[(n-1)*bs:], bs))
		subtle.XORBytes(last, last, k2)
	}

	x := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		subtle.XORBytes(x, x, msg[i*bs:(i+1)*bs])
		b.Encrypt(x, x)
	}

	subtle.XORBytes(x, x, last)
	b.Encrypt(x, x)

	return x
}

// Pad applies ISO/IEC 9797-1 padding method 2: a single 80 followed by zeros
// up to the next multiple of the block size.
func Pad(data []byte, bs int) []byte {
	out := make([]byte, len(data), len(data)+bs)
	copy(out, data)
	out = append(out, 0x80)

	for len(out)%bs != 0 {
		out = append(out, 0x00)
	}

	return out
}

// Unpad removes padding method 2.
func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		}

		break
	}

	return nil, ErrPadding
}
