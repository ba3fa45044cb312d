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
	"crypto/elliptic"
	"fmt"
	"math/big"
)

// Curve holds the domain parameters of a short Weierstrass curve
// y^2 = x^3 + ax + b over GF(p), as carried in the public key of a CVCA
// certificate.
//
// The arithmetic is written for verification and key agreement with public
// data. It is not constant time and must not be used with long term secrets
// held by the host.
type Curve struct {
	P, A, B *big.Int
	Gx, Gy  *big.Int
	N       *big.Int
	H       int
}

var bigThree = big.NewInt(3)

// CurveFromElliptic returns the domain parameters of a NIST curve from the
// standard library.
func CurveFromElliptic(c elliptic.Curve) *Curve {
	p := c.Params()

	return &Curve{
		P:  new(big.Int).Set(p.P),
		A:  new(big.Int).Sub(p.P, bigThree),
		B:  new(big.Int).Set(p.B),
		Gx: new(big.Int).Set(p.Gx),
		Gy: new(big.Int).Set(p.Gy),
		N:  new(big.Int).Set(p.N),
		H:  1,
	}
}

// ByteSize is the length in bytes of a field element.
func (c *Curve) ByteSize() int {
	return (c.P.BitLen() + 7) / 8
}

// Equal reports whether both curves have the same domain parameters.
func (c *Curve) Equal(o *Curve) bool {
	if c == nil || o == nil {
		return c == o
	}

	return c.P.Cmp(o.P) == 0 && c.A.Cmp(o.A) == 0 && c.B.Cmp(o.B) == 0 &&
		c.Gx.Cmp(o.Gx) == 0 && c.Gy.Cmp(o.Gy) == 0 && c.N.Cmp(o.N) == 0
}

// Named returns the standard library curve with the same parameters, or nil.
func (c *Curve) Named() elliptic.Curve {
	for _, e := range []elliptic.Curve{elliptic.P224(), elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		if c.Equal(CurveFromElliptic(e)) {
			return e
		}
	}

	return nil
}

// IsOnCurve reports whether (x, y) satisfies the curve equation.
func (c *Curve) IsOnCurve(x, y *big.Int) bool {
	if x == nil || y == nil {
		return false
	}

	if x.Sign() < 0 || x.Cmp(c.P) >= 0 || y.Sign() < 0 || y.Cmp(c.P) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, c.P)

	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	ax := new(big.Int).Mul(c.A, x)
	rhs.Add(rhs, ax)
	rhs.Add(rhs, c.B)
	rhs.Mod(rhs, c.P)

	return y2.Cmp(rhs) == 0
}

// Add returns P1 + P2. The point at infinity is represented by nil
// coordinates.
func (c *Curve) Add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	if x1 == nil {
		return x2, y2
	}

	if x2 == nil {
		return x1, y1
	}

	if x1.Cmp(x2) == 0 {
		if y1.Cmp(y2) == 0 {
			return c.Double(x1, y1)
		}

		return nil, nil
	}

	// l = (y2 - y1) / (x2 - x1)
	num := new(big.Int).Sub(y2, y1)
	den := new(big.Int).Sub(x2, x1)
	den.Mod(den, c.P)
	den.ModInverse(den, c.P)

	l := num.Mul(num, den)
	l.Mod(l, c.P)

	return c.finish(l, x1, y1, x2)
}

// Double returns 2P.
func (c *Curve) Double(x, y *big.Int) (*big.Int, *big.Int) {
	if x == nil || y.Sign() == 0 {
		return nil, nil
	}

	// l = (3x^2 + a) / 2y
	num := new(big.Int).Mul(x, x)
	num.Mul(num, bigThree)
	num.Add(num, c.A)

	den := new(big.Int).Lsh(y, 1)
	den.Mod(den, c.P)
	den.ModInverse(den, c.P)

	l := num.Mul(num, den)
	l.Mod(l, c.P)

	return c.finish(l, x, y, x)
}

func (c *Curve) finish(l, x1, y1, x2 *big.Int) (*big.Int, *big.Int) {
	x3 := new(big.Int).Mul(l, l)
	x3.Sub(x3, x1)
	x3.Sub(x3, x2)
	x3.Mod(x3, c.P)

	y3 := new(big.Int).Sub(x1, x3)
	y3.Mul(y3, l)
	y3.Sub(y3, y1)
	y3.Mod(y3, c.P)

	return x3, y3
}

// ScalarMult returns k*(x, y) where k is a big endian integer.
func (c *Curve) ScalarMult(x, y *big.Int, k []byte) (*big.Int, *big.Int) {
	var rx, ry *big.Int

	for _, b := range k {
		for bit := 7; bit >= 0; bit-- {
			rx, ry = c.Double(rx, ry)
			if b>>uint(bit)&1 == 1 {
				rx, ry = c.Add(rx, ry, x, y)
			}
		}
	}

	return rx, ry
}

// ScalarBaseMult returns k*G.
func (c *Curve) ScalarBaseMult(k []byte) (*big.Int, *big.Int) {
	return c.ScalarMult(c.Gx, c.Gy, k)
}

// Marshal encodes a point in uncompressed form 04 || x || y.
func (c *Curve) Marshal(x, y *big.Int) []byte {
	n := c.ByteSize()
	out := make([]byte, 1+2*n)
	out[0] = 0x04
	x.FillBytes(out[1 : 1+n])
	y.FillBytes(out[1+n:])

	return out
}

// Unmarshal decodes an uncompressed point and checks that it is on the curve.
func (c *Curve) Unmarshal(data []byte) (*big.Int, *big.Int, error) {
	n := c.ByteSize()
	if len(data) != 1+2*n || data[0] != 0x04 {
		return nil, nil, fmt.Errorf("%w: point of %d bytes for %d bit field", ErrMalformed, len(data), c.P.BitLen())
	}

	x := new(big.Int).SetBytes(data[1 : 1+n])
	y := new(big.Int).SetBytes(data[1+n:])

	if !c.IsOnCurve(x, y) {
		return nil, nil, fmt.Errorf("%w: point not on curve", ErrMalformed)
	}

	return x, y, nil
}

// hashToInt converts a digest to an integer modulo the group order the way
// ECDSA does, keeping the leftmost bits when the digest is longer.
func (c *Curve) hashToInt(digest []byte) *big.Int {
	orderBits := c.N.BitLen()
	orderBytes := (orderBits + 7) / 8

	if len(digest) > orderBytes {
		digest = digest[:orderBytes]
	}

	e := new(big.Int).SetBytes(digest)
	if excess := len(digest)*8 - orderBits; excess > 0 {
		e.Rsh(e, uint(excess))
	}

	return e
}

// VerifyECDSA checks an ECDSA signature (r, s) over digest for the public
// point (qx, qy).
func (c *Curve) VerifyECDSA(qx, qy *big.Int, digest []byte, r, s *big.Int) bool {
	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(c.N) >= 0 || s.Cmp(c.N) >= 0 {
		return false
	}

	e := c.hashToInt(digest)

	w := new(big.Int).ModInverse(s, c.N)
	if w == nil {
		return false
	}

	u1 := new(big.Int).Mul(e, w)
	u1.Mod(u1, c.N)

	u2 := new(big.Int).Mul(r, w)
	u2.Mod(u2, c.N)

	x1, y1 := c.ScalarBaseMult(u1.Bytes())
	x2, y2 := c.ScalarMult(qx, qy, u2.Bytes())

	x, _ := c.Add(x1, y1, x2, y2)
	if x == nil {
		return false
	}

	x.Mod(x, c.N)

	return x.Cmp(r) == 0
}
