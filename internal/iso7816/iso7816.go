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

// Package iso7816 encodes and decodes ISO/IEC 7816-4 command APDUs.
package iso7816

import (
	"errors"
	"fmt"
)

const (
	// MaxShortData is the largest data field of a short APDU.
	MaxShortData = 0xff
	// MaxShortNe is the largest expected length of a short APDU, encoded as 00.
	MaxShortNe = 0x100
	// MaxExtendedNe is the largest expected length, encoded as 00 00.
	MaxExtendedNe = 0x10000
)

// Status words used across the package users.
const (
	SWOK               uint16 = 0x9000
	SWEndOfFile        uint16 = 0x6282
	SWWrongLength      uint16 = 0x6700
	SWSecurityStatus   uint16 = 0x6982
	SWAuthBlocked      uint16 = 0x6983
	SWConditions       uint16 = 0x6985
	SWSMObjectsMissing uint16 = 0x6987
	SWSMObjectsWrong   uint16 = 0x6988
	SWWrongData        uint16 = 0x6A80
	SWNotFound         uint16 = 0x6A82
	SWWrongP1P2        uint16 = 0x6B00
	SWInsNotSupported  uint16 = 0x6D00
	SWClaNotSupported  uint16 = 0x6E00
	SWUnknown          uint16 = 0x6F00
)

var ErrMalformed = errors.New("malformed APDU")

// Command is a command APDU.
//
// Ne is the number of expected response bytes; zero means none. Values above
// 256 force the extended encoding.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Ne   int
}

// Extended reports whether the command needs extended length fields.
func (c *Command) Extended() bool {
	return len(c.Data) > MaxShortData || c.Ne > MaxShortNe
}

// Bytes encodes the command using the shortest form able to carry it. Short
// and extended length fields are never mixed.
func (c *Command) Bytes() []byte {
	ext := c.Extended()

	out := make([]byte, 0, 4+3+len(c.Data)+3)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)

	if n := len(c.Data); n > 0 {
		if ext {
			out = append(out, 0x00, byte(n>>8), byte(n))
		} else {
			out = append(out, byte(n))
		}

		out = append(out, c.Data...)
	}

	if c.Ne > 0 {
		switch {
		case !ext:
			// 256 wraps to 00.
			out = append(out, byte(c.Ne))
		case len(c.Data) == 0:
			out = append(out, 0x00, byte(c.Ne>>8), byte(c.Ne))
		default:
			out = append(out, byte(c.Ne>>8), byte(c.Ne))
		}
	}

	return out
}

// String is used for logging and never includes the data field.
func (c *Command) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X Lc=%d Ne=%d", c.CLA, c.INS, c.P1, c.P2, len(c.Data), c.Ne)
}

func decodeNe(b []byte) int {
	n := 0
	for _, v := range b {
		n = n<<8 | int(v)
	}

	if n == 0 {
		if len(b) == 1 {
			return MaxShortNe
		}

		return MaxExtendedNe
	}

	return n
}

// ParseCommand decodes the four cases of ISO/IEC 7816-3 in short and extended
// form.
func ParseCommand(b []byte) (*Command, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	c := &Command{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	body := b[4:]

	switch {
	case len(body) == 0:
		// case 1
		return c, nil

	case len(body) == 1:
		// case 2 short
		c.Ne = decodeNe(body)

		return c, nil

	case body[0] != 0x00:
		// case 3 or 4 short
		n := int(body[0])
		switch len(body) {
		case 1 + n:
		case 2 + n:
			c.Ne = decodeNe(body[1+n:])
		default:
			return nil, fmt.Errorf("%w: short Lc %d with %d body bytes", ErrMalformed, n, len(body))
		}
		c.Data = body[1 : 1+n]

		return c, nil

	case len(body) == 3:
		// case 2 extended
		c.Ne = decodeNe(body[1:])

		return c, nil
	}

	if len(body) < 3 {
		return nil, fmt.Errorf("%w: truncated extended length", ErrMalformed)
	}

	n := int(body[1])<<8 | int(body[2])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero extended Lc", ErrMalformed)
	}

	switch len(body) {
	case 3 + n:
	case 5 + n:
		c.Ne = decodeNe(body[3+n:])
	default:
		return nil, fmt.Errorf("%w: extended Lc %d with %d body bytes", ErrMalformed, n, len(body))
	}

	c.Data = body[3 : 3+n]

	return c, nil
}

// SplitResponse separates a response APDU into data and status word.
func SplitResponse(b []byte) ([]byte, uint16, error) {
	if len(b) < 2 {
		return nil, 0, fmt.Errorf("%w: response of %d bytes", ErrMalformed, len(b))
	}

	n := len(b) - 2

	return b[:n], uint16(b[n])<<8 | uint16(b[n+1]), nil
}

// Response appends a status word to data.
func Response(data []byte, sw uint16) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, data...)

	return append(out, byte(sw>>8), byte(sw))
}
