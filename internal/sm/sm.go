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

// Package sm implements AES secure messaging of BSI TR-03110 part 3 for both
// ends of the channel.
package sm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // mandated by the key derivation function
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/areese/schsm-go/bertlv"
	"github.com/areese/schsm-go/internal/iso7816"
)

var (
	ErrPadding = errors.New("secure messaging: invalid padding")
	ErrMAC     = errors.New("secure messaging: checksum mismatch")
	ErrFormat  = errors.New("secure messaging: malformed data objects")
)

const (
	// ClaSM marks a command as protected with header authentication.
	ClaSM = 0x0C

	macLen  = 8
	keySize = 16

	tagCryptogramOdd = 0x85
	tagCryptogram    = 0x87
	tagStatus        = 0x99
	tagMAC           = 0x8E
	tagLe            = 0x97

	paddingIndicator = 0x01

	counterEnc = 1
	counterMAC = 2
)

// OIDChipAuthentication is id-CA-ECDH-AES-CBC-CMAC-128 as content octets.
var OIDChipAuthentication = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x03, 0x02, 0x02}

// DeriveKey is the key derivation function of TR-03110 for AES-128.
func DeriveKey(secret, nonce []byte, counter uint32) []byte {
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)

	h := sha1.New() //nolint:gosec
	h.Write(secret)
	h.Write(nonce)
	h.Write(c[:])

	return h.Sum(nil)[:keySize]
}

// DeriveKeys returns the encryption and MAC keys for a shared secret.
func DeriveKeys(secret, nonce []byte) ([]byte, []byte) {
	return DeriveKey(secret, nonce, counterEnc), DeriveKey(secret, nonce, counterMAC)
}

// AuthenticationToken is the MAC over the ephemeral public key of the other
// party, encoded as a 7F49 template.
func AuthenticationToken(kmac, oid, point []byte) ([]byte, error) {
	b, err := aes.NewCipher(kmac)
	if err != nil {
		return nil, fmt.Errorf("creating MAC cipher: %w", err)
	}

	pk := bertlv.NewConstructed(0x7F49,
		bertlv.NewPrimitive(0x06, oid),
		bertlv.NewPrimitive(0x86, point),
	)

	return CMAC(b, pk.Bytes())[:macLen], nil
}

// Session holds the keys and the send sequence counter of an established
// channel. It is not safe for concurrent use.
type Session struct {
	enc cipher.Block
	mac cipher.Block
	ssc [aes.BlockSize]byte
}

// NewSession creates a session with a zero send sequence counter.
func NewSession(kenc, kmac []byte) (*Session, error) {
	enc, err := aes.NewCipher(kenc)
	if err != nil {
		return nil, fmt.Errorf("creating encryption cipher: %w", err)
	}

	mac, err := aes.NewCipher(kmac)
	if err != nil {
		return nil, fmt.Errorf("creating MAC cipher: %w", err)
	}

	return &Session{enc: enc, mac: mac}, nil
}

// SSC returns a copy of the current send sequence counter.
func (s *Session) SSC() []byte {
	return append([]byte(nil), s.ssc[:]...)
}

func (s *Session) increment() {
	for i := len(s.ssc) - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

func (s *Session) iv() []byte {
	iv := make([]byte, aes.BlockSize)
	s.enc.Encrypt(iv, s.ssc[:])

	return iv
}

func (s *Session) encrypt(data []byte) []byte {
	p := Pad(data, aes.BlockSize)
	cipher.NewCBCEncrypter(s.enc, s.iv()).CryptBlocks(p, p)

	return p
}

func (s *Session) decrypt(ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: cryptogram of %d bytes", ErrFormat, len(ct))
	}

	p := make([]byte, len(ct))
	cipher.NewCBCDecrypter(s.enc, s.iv()).CryptBlocks(p, ct)

	return Unpad(p)
}

func (s *Session) checksum(header []byte, dos []byte) []byte {
	in := append([]byte(nil), s.ssc[:]...)
	if header != nil {
		in = append(in, Pad(header, aes.BlockSize)...)
	}

	if len(dos) > 0 {
		in = append(in, Pad(dos, aes.BlockSize)...)
	}

	return CMAC(s.mac, in)[:macLen]
}

func encodeLe(ne int) []byte {
	if ne <= iso7816.MaxShortNe {
		return []byte{byte(ne)}
	}

	return []byte{byte(ne >> 8), byte(ne)}
}

func decodeLe(b []byte) int {
	n := 0
	for _, v := range b {
		n = n<<8 | int(v)
	}

	if n == 0 {
		if len(b) == 1 {
			return iso7816.MaxShortNe
		}

		return iso7816.MaxExtendedNe
	}

	return n
}

// WrapCommand protects a command on the terminal side.
func (s *Session) WrapCommand(c *iso7816.Command) *iso7816.Command {
	s.increment()

	cla := c.CLA | ClaSM
	header := []byte{cla, c.INS, c.P1, c.P2}

	var dos []byte
	if len(c.Data) > 0 {
		ct := s.encrypt(c.Data)
		if c.INS&1 == 1 {
			dos = append(dos, bertlv.NewPrimitive(tagCryptogramOdd, ct).Bytes()...)
		} else {
			dos = append(dos, bertlv.NewPrimitive(tagCryptogram, append([]byte{paddingIndicator}, ct...)).Bytes()...)
		}
	}

	if c.Ne > 0 {
		dos = append(dos, bertlv.NewPrimitive(tagLe, encodeLe(c.Ne)).Bytes()...)
	}

	mac := s.checksum(header, dos)
	data := append(dos, bertlv.NewPrimitive(tagMAC, mac).Bytes()...)

	ne := iso7816.MaxShortNe
	if c.Extended() || len(data) > iso7816.MaxShortData {
		ne = iso7816.MaxExtendedNe
	}

	return &iso7816.Command{CLA: cla, INS: c.INS, P1: c.P1, P2: c.P2, Data: data, Ne: ne}
}

type objects struct {
	cryptogram *bertlv.Node
	le         *bertlv.Node
	status     *bertlv.Node
	mac        *bertlv.Node
	// covered is the encoding of every object protected by the MAC.
	covered []byte
}

func parseObjects(data []byte) (*objects, error) {
	nodes, err := bertlv.ParseAll(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	o := &objects{}
	for _, n := range nodes {
		switch n.Tag {
		case tagCryptogram, tagCryptogramOdd:
			o.cryptogram = n
		case tagLe:
			o.le = n
		case tagStatus:
			o.status = n
		case tagMAC:
			o.mac = n

			continue
		default:
			return nil, fmt.Errorf("%w: unexpected tag %X", ErrFormat, n.Tag)
		}

		o.covered = append(o.covered, n.Raw()...)
	}

	if o.mac == nil {
		return nil, fmt.Errorf("%w: no checksum", ErrFormat)
	}

	return o, nil
}

func (s *Session) verify(header []byte, o *objects) error {
	want := s.checksum(header, o.covered)
	if subtle.ConstantTimeCompare(want, o.mac.Value()) != 1 {
		return ErrMAC
	}

	return nil
}

func (s *Session) plaintext(o *objects) ([]byte, error) {
	if o.cryptogram == nil {
		return nil, nil
	}

	ct := o.cryptogram.Value()
	if o.cryptogram.Tag == tagCryptogram {
		if len(ct) == 0 || ct[0] != paddingIndicator {
			return nil, fmt.Errorf("%w: padding indicator", ErrFormat)
		}
		ct = ct[1:]
	}

	return s.decrypt(ct)
}

// UnwrapResponse verifies and decrypts a protected response on the terminal
// side. The result is the plain data followed by the protected status word.
func (s *Session) UnwrapResponse(resp []byte) ([]byte, error) {
	s.increment()

	data, sw, err := iso7816.SplitResponse(resp)
	if err != nil {
		return nil, err
	}

	o, err := parseObjects(data)
	if err != nil {
		return nil, err
	}

	if err := s.verify(nil, o); err != nil {
		return nil, err
	}

	plain, err := s.plaintext(o)
	if err != nil {
		return nil, err
	}

	if o.status != nil {
		st := o.status.Value()
		if len(st) != 2 {
			return nil, fmt.Errorf("%w: status object of %d bytes", ErrFormat, len(st))
		}
		sw = uint16(st[0])<<8 | uint16(st[1])
	}

	return iso7816.Response(plain, sw), nil
}

// UnwrapCommand verifies and decrypts a protected command on the card side.
func (s *Session) UnwrapCommand(c *iso7816.Command) (*iso7816.Command, error) {
	s.increment()

	o, err := parseObjects(c.Data)
	if err != nil {
		return nil, err
	}

	if err := s.verify([]byte{c.CLA, c.INS, c.P1, c.P2}, o); err != nil {
		return nil, err
	}

	plain, err := s.plaintext(o)
	if err != nil {
		return nil, err
	}

	out := &iso7816.Command{CLA: c.CLA &^ ClaSM, INS: c.INS, P1: c.P1, P2: c.P2, Data: plain}
	if o.le != nil {
		out.Ne = decodeLe(o.le.Value())
	}

	return out, nil
}

// WrapResponse protects a response on the card side.
func (s *Session) WrapResponse(data []byte, sw uint16) []byte {
	s.increment()

	var dos []byte
	if len(data) > 0 {
		dos = append(dos, bertlv.NewPrimitive(tagCryptogram, append([]byte{paddingIndicator}, s.encrypt(data)...)).Bytes()...)
	}

	dos = append(dos, bertlv.NewPrimitive(tagStatus, []byte{byte(sw >> 8), byte(sw)}).Bytes()...)
	mac := s.checksum(nil, dos)
	dos = append(dos, bertlv.NewPrimitive(tagMAC, mac).Bytes()...)

	return iso7816.Response(dos, sw)
}
