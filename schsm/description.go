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
	"fmt"

	"github.com/areese/schsm-go/bertlv"
)

// PKCS#15 object descriptions as stored in the PRKD and CD files.
//
//	PrivateKeyObject ::= SEQUENCE (RSA) or [0] (EC) {
//	  CommonObjectAttributes SEQUENCE { label UTF8String }
//	  CommonKeyAttributes    SEQUENCE { iD OCTET STRING, usage BIT STRING }
//	  [1] SEQUENCE { SEQUENCE { path OCTET STRING } keySize INTEGER }
//	}
const (
	tagSequence     = 0x30
	tagUTF8String   = 0x0C
	tagOctetString  = 0x04
	tagBitString    = 0x03
	tagInteger      = 0x02
	tagPrivateECKey = 0xA0
	tagTypeAttrs    = 0xA1
)

var (
	usageRSA = []byte{0x05, 0x60}       // decrypt, sign
	usageEC  = []byte{0x06, 0x20, 0x40} // sign, derive
)

func encodeInteger(n int) []byte {
	var b []byte
	for v := n; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}

	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}

	return b
}

func decodeInteger(b []byte) (int, error) {
	if len(b) == 0 || len(b) > 4 || b[0]&0x80 != 0 {
		return 0, fmt.Errorf("%w: integer of %d bytes", ErrEncoding, len(b))
	}

	n := 0
	for _, v := range b {
		n = n<<8 | int(v)
	}

	return n, nil
}

// PrivateKeyDescription encodes the description of the key with id. A
// negative size is left out.
func PrivateKeyDescription(label string, id byte, alg KeyAlgorithm, size int) ([]byte, error) {
	var tag uint32
	var usage []byte

	switch alg {
	case AlgorithmRSA:
		tag, usage = tagSequence, usageRSA
	case AlgorithmEC:
		tag, usage = tagPrivateECKey, usageEC
	default:
		return nil, fmt.Errorf("%w: key type %s", ErrUnsupported, alg)
	}

	attrs := bertlv.NewConstructed(tagSequence,
		bertlv.NewConstructed(tagSequence,
			bertlv.NewPrimitive(tagOctetString, []byte{PrefixKey, id}),
		),
	)
	if size >= 0 {
		attrs.Add(bertlv.NewPrimitive(tagInteger, encodeInteger(size)))
	}

	return bertlv.NewConstructed(tag,
		bertlv.NewConstructed(tagSequence, bertlv.NewPrimitive(tagUTF8String, []byte(label))),
		bertlv.NewConstructed(tagSequence,
			bertlv.NewPrimitive(tagOctetString, []byte{id}),
			bertlv.NewPrimitive(tagBitString, usage),
		),
		bertlv.NewConstructed(tagTypeAttrs, attrs),
	).Bytes(), nil
}

// KeyDescription is the decoded content of a private key description.
type KeyDescription struct {
	Label     string
	Algorithm KeyAlgorithm
	// Size is -1 when the description does not carry it.
	Size int
}

// ParsePrivateKeyDescription decodes a private key description.
func ParsePrivateKeyDescription(b []byte) (*KeyDescription, error) {
	n, _, err := bertlv.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: private key description: %v", ErrEncoding, err)
	}

	d := &KeyDescription{Size: -1}

	switch n.Tag {
	case tagSequence:
		d.Algorithm = AlgorithmRSA
	case tagPrivateECKey:
		d.Algorithm = AlgorithmEC
	default:
		return nil, fmt.Errorf("%w: private key description tag %X", ErrEncoding, n.Tag)
	}

	if d.Label, err = label(n); err != nil {
		return nil, err
	}

	if seq, err := n.Get(tagTypeAttrs, tagSequence); err == nil {
		if size := seq.Find(tagInteger); size != nil {
			if d.Size, err = decodeInteger(size.Value()); err != nil {
				return nil, err
			}
		}
	}

	return d, nil
}

// CertificateDescription encodes the description of the CA certificate with id.
func CertificateDescription(label string, id byte) []byte {
	return bertlv.NewConstructed(tagSequence,
		bertlv.NewConstructed(tagSequence, bertlv.NewPrimitive(tagUTF8String, []byte(label))),
		bertlv.NewConstructed(tagSequence, bertlv.NewPrimitive(tagOctetString, []byte{id})),
		bertlv.NewConstructed(tagTypeAttrs,
			bertlv.NewConstructed(tagSequence,
				bertlv.NewConstructed(tagSequence,
					bertlv.NewPrimitive(tagOctetString, []byte{PrefixCACertificate, id}),
				),
			),
		),
	).Bytes()
}

// ParseCertificateDescription returns the label of a certificate description.
func ParseCertificateDescription(b []byte) (string, error) {
	n, _, err := bertlv.Parse(b)
	if err != nil {
		return "", fmt.Errorf("%w: certificate description: %v", ErrEncoding, err)
	}

	return label(n)
}

func label(n *bertlv.Node) (string, error) {
	l, err := n.Get(tagSequence, tagUTF8String)
	if err != nil {
		return "", fmt.Errorf("%w: description without label", ErrEncoding)
	}

	return string(l.Value()), nil
}
