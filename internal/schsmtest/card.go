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

// Package schsmtest simulates a SmartCard-HSM for tests.
package schsmtest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/areese/schsm-go/bertlv"
	"github.com/areese/schsm-go/cvc"
	"github.com/areese/schsm-go/internal/iso7816"
	"github.com/areese/schsm-go/internal/sm"
)

// Reader names a PC/SC reader with a token that tests may modify.
var Reader = flag.String("schsm-reader", "", "run hardware tests against the token in this reader, erasing keys")

// AID is the application identifier answered by the card.
var AID = []byte{0xE8, 0x2B, 0x06, 0x01, 0x04, 0x01, 0x81, 0xC3, 0x1F, 0x02, 0x01}

const (
	// FIDDeviceCertificate is EF.C_DevAut.
	FIDDeviceCertificate uint16 = 0x2F02

	prefixKey = 0xCC
)

// Exchange is a command processed by the card.
type Exchange struct {
	Command iso7816.Command
	// SM is set when the command arrived protected.
	SM bool
	SW uint16
}

// Key is a private key in a key slot. Exactly one field is set.
type Key struct {
	RSA *rsa.PrivateKey
	EC  *ecdsa.PrivateKey
}

// Card is a simulated token. It implements the channel interface of the
// driver. The zero value is not usable; use NewCard.
type Card struct {
	// Files maps file identifiers to their content.
	Files map[uint16][]byte
	// Keys maps key ids to key slots.
	Keys map[byte]*Key

	PIN        []byte
	MaxRetries int
	Retries    int

	// DeviceKey is the static key of chip authentication.
	DeviceKey *ecdsa.PrivateKey

	// DKEKShares is the number of shares of the key encryption key.
	DKEKShares int

	// Failure injection: a status word returned instead of processing the
	// command for the file.
	FailRead   map[uint16]uint16
	FailUpdate map[uint16]uint16
	FailDelete map[uint16]uint16

	// AcquireErr, ReleaseErr and TransceiveErr are returned by the channel
	// methods when set.
	AcquireErr    error
	ReleaseErr    error
	TransceiveErr error

	// MaxResponse, when positive, splits longer responses using 61xx and
	// GET RESPONSE.
	MaxResponse int

	// Acquired and Released count the channel calls.
	Acquired int
	Released int

	Log []Exchange

	Rand io.Reader

	verified  bool
	caPending bool
	session   *sm.Session
	pending   []byte

	dkek     []byte
	imported int
}

// NewCard returns a card with PIN 648219 and no objects.
func NewCard() *Card {
	return &Card{
		Files:      make(map[uint16][]byte),
		Keys:       make(map[byte]*Key),
		PIN:        []byte("648219"),
		MaxRetries: 3,
		Retries:    3,
		DKEKShares: 1,
		FailRead:   make(map[uint16]uint16),
		FailUpdate: make(map[uint16]uint16),
		FailDelete: make(map[uint16]uint16),
		Rand:       rand.Reader,
	}
}

// Acquire implements the channel interface.
func (c *Card) Acquire() error {
	if c.AcquireErr != nil {
		return c.AcquireErr
	}

	c.Acquired++

	return nil
}

// Release implements the channel interface.
func (c *Card) Release() error {
	c.Released++

	return c.ReleaseErr
}

// Balanced reports whether every acquisition was released.
func (c *Card) Balanced() bool {
	return c.Acquired == c.Released
}

// SecureMessaging reports whether a session is established.
func (c *Card) SecureMessaging() bool {
	return c.session != nil
}

// Verified reports whether the PIN was presented.
func (c *Card) Verified() bool {
	return c.verified
}

// Count returns the number of logged commands with ins.
func (c *Card) Count(ins byte) int {
	n := 0
	for _, e := range c.Log {
		if e.Command.INS == ins {
			n++
		}
	}

	return n
}

// Transceive implements the channel interface.
func (c *Card) Transceive(cmd []byte) ([]byte, error) {
	if c.TransceiveErr != nil {
		return nil, c.TransceiveErr
	}

	apdu, err := iso7816.ParseCommand(cmd)
	if err != nil {
		return iso7816.Response(nil, iso7816.SWWrongLength), nil
	}

	if apdu.INS == 0xC0 && apdu.CLA&sm.ClaSM == 0 {
		return c.chunk(c.pending, apdu.Ne), nil
	}

	c.pending = nil

	if apdu.CLA&sm.ClaSM != sm.ClaSM {
		data, sw := c.handle(apdu)
		c.Log = append(c.Log, Exchange{Command: *apdu, SW: sw})

		return c.chunk(iso7816.Response(data, sw), 0), nil
	}

	if c.session == nil {
		c.Log = append(c.Log, Exchange{Command: *apdu, SM: true, SW: iso7816.SWSMObjectsMissing})

		return iso7816.Response(nil, iso7816.SWSMObjectsMissing), nil
	}

	plain, err := c.session.UnwrapCommand(apdu)
	if err != nil {
		c.session = nil
		c.Log = append(c.Log, Exchange{Command: *apdu, SM: true, SW: iso7816.SWSMObjectsWrong})

		return iso7816.Response(nil, iso7816.SWSMObjectsWrong), nil
	}

	data, sw := c.handle(plain)
	c.Log = append(c.Log, Exchange{Command: *plain, SM: true, SW: sw})

	if c.session == nil {
		// The command terminated the session.
		return c.chunk(iso7816.Response(data, sw), 0), nil
	}

	return c.chunk(c.session.WrapResponse(data, sw), 0), nil
}

// chunk returns resp, or its first part followed by 61xx when it exceeds
// MaxResponse or the length requested by GET RESPONSE.
func (c *Card) chunk(resp []byte, ne int) []byte {
	if len(resp) < 2 {
		return iso7816.Response(nil, iso7816.SWConditions)
	}

	limit := c.MaxResponse
	if ne > 0 && (limit <= 0 || ne < limit) {
		limit = ne
	}

	data := resp[:len(resp)-2]
	if limit <= 0 || len(data) <= limit {
		c.pending = nil

		return resp
	}

	c.pending = append(append([]byte(nil), data[limit:]...), resp[len(resp)-2:]...)

	rest := len(c.pending) - 2
	if rest > 0xFF {
		rest = 0
	}

	return iso7816.Response(data[:limit], 0x6100|uint16(rest))
}

func (c *Card) handle(cmd *iso7816.Command) ([]byte, uint16) {
	switch cmd.INS {
	case 0xA4:
		return c.selectApp(cmd)
	case 0x20:
		return c.verify(cmd)
	case 0xB1:
		return c.readBinary(cmd)
	case 0xD7:
		return c.updateBinary(cmd)
	case 0xE4:
		return c.deleteFile(cmd)
	case 0x58:
		return c.enumerate()
	case 0x68:
		return c.sign(cmd)
	case 0x62:
		return c.decipher(cmd)
	case 0x46:
		return c.generate(cmd)
	case 0x52:
		return c.importDKEK(cmd)
	case 0x72:
		return c.wrap(cmd)
	case 0x74:
		return c.unwrap(cmd)
	case 0x22:
		return c.manageSE(cmd)
	case 0x86:
		return c.generalAuthenticate(cmd)
	}

	return nil, iso7816.SWInsNotSupported
}

func (c *Card) selectApp(cmd *iso7816.Command) ([]byte, uint16) {
	if cmd.P1 != 0x04 || !bytes.Equal(cmd.Data, AID) {
		return nil, iso7816.SWNotFound
	}

	c.verified = false
	c.caPending = false
	c.session = nil

	return nil, iso7816.SWOK
}

func (c *Card) verify(cmd *iso7816.Command) ([]byte, uint16) {
	if cmd.P2 != 0x81 {
		return nil, iso7816.SWWrongP1P2
	}

	if len(cmd.Data) == 0 {
		switch {
		case c.verified:
			return nil, iso7816.SWOK
		case c.Retries == 0:
			return nil, iso7816.SWAuthBlocked
		}

		return nil, 0x63C0 | uint16(c.Retries)
	}

	if c.Retries == 0 {
		return nil, iso7816.SWAuthBlocked
	}

	if !bytes.Equal(cmd.Data, c.PIN) {
		c.verified = false
		c.Retries--

		if c.Retries == 0 {
			return nil, iso7816.SWAuthBlocked
		}

		return nil, 0x63C0 | uint16(c.Retries)
	}

	c.verified = true
	c.Retries = c.MaxRetries

	return nil, iso7816.SWOK
}

func fid(cmd *iso7816.Command) uint16 {
	return uint16(cmd.P1)<<8 | uint16(cmd.P2)
}

func offset(b []byte) (int, []byte, bool) {
	if len(b) < 4 || b[0] != 0x54 || b[1] != 0x02 {
		return 0, nil, false
	}

	return int(b[2])<<8 | int(b[3]), b[4:], true
}

func (c *Card) readBinary(cmd *iso7816.Command) ([]byte, uint16) {
	f := fid(cmd)
	if sw, ok := c.FailRead[f]; ok {
		return nil, sw
	}

	content, ok := c.Files[f]
	if !ok {
		return nil, iso7816.SWNotFound
	}

	off, _, ok := offset(cmd.Data)
	if !ok {
		return nil, iso7816.SWWrongData
	}

	if off > len(content) {
		return nil, iso7816.SWWrongP1P2
	}

	end := off + cmd.Ne
	if end >= len(content) {
		end = len(content)
	}

	out := append([]byte(nil), content[off:end]...)
	if len(out) < cmd.Ne {
		return out, iso7816.SWEndOfFile
	}

	return out, iso7816.SWOK
}

func (c *Card) updateBinary(cmd *iso7816.Command) ([]byte, uint16) {
	f := fid(cmd)
	if sw, ok := c.FailUpdate[f]; ok {
		return nil, sw
	}

	off, rest, ok := offset(cmd.Data)
	if !ok {
		return nil, iso7816.SWWrongData
	}

	n, _, err := bertlv.Parse(rest)
	if err != nil || n.Tag != 0x53 {
		return nil, iso7816.SWWrongData
	}

	content := c.Files[f]
	if off > len(content) {
		return nil, iso7816.SWWrongP1P2
	}

	data := n.Value()
	if end := off + len(data); end > len(content) {
		content = append(content, make([]byte, end-len(content))...)
	}

	copy(content[off:], data)
	c.Files[f] = content

	return nil, iso7816.SWOK
}

func (c *Card) deleteFile(cmd *iso7816.Command) ([]byte, uint16) {
	if cmd.P1 != 0x02 || len(cmd.Data) != 2 {
		return nil, iso7816.SWWrongP1P2
	}

	f := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
	if sw, ok := c.FailDelete[f]; ok {
		return nil, sw
	}

	if byte(f>>8) == prefixKey {
		if _, ok := c.Keys[byte(f)]; !ok {
			return nil, iso7816.SWNotFound
		}

		delete(c.Keys, byte(f))

		return nil, iso7816.SWOK
	}

	if _, ok := c.Files[f]; !ok {
		return nil, iso7816.SWNotFound
	}

	delete(c.Files, f)

	return nil, iso7816.SWOK
}

// FIDs returns the identifiers of all keys and files in ascending order.
func (c *Card) FIDs() []uint16 {
	var fids []uint16
	for id := range c.Keys {
		fids = append(fids, uint16(prefixKey)<<8|uint16(id))
	}

	for f := range c.Files {
		switch byte(f >> 8) {
		case 0xC4, 0xC9, 0xCE, 0xCA:
			fids = append(fids, f)
		}
	}

	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	return fids
}

func (c *Card) enumerate() ([]byte, uint16) {
	var out []byte
	for _, f := range c.FIDs() {
		out = append(out, byte(f>>8), byte(f))
	}

	return out, iso7816.SWOK
}

func rsaPrivate(k *rsa.PrivateKey, data []byte) ([]byte, bool) {
	m := new(big.Int).SetBytes(data)
	if m.Cmp(k.N) >= 0 {
		return nil, false
	}

	s := new(big.Int).Exp(m, k.D, k.N)

	return s.FillBytes(make([]byte, k.Size())), true
}

func (c *Card) key(id byte) (*Key, uint16) {
	if !c.verified {
		return nil, iso7816.SWSecurityStatus
	}

	k, ok := c.Keys[id]
	if !ok {
		return nil, 0x6A88
	}

	return k, iso7816.SWOK
}

func (c *Card) sign(cmd *iso7816.Command) ([]byte, uint16) {
	k, sw := c.key(cmd.P1)
	if sw != iso7816.SWOK {
		return nil, sw
	}

	switch {
	case cmd.P2 == 0x20 && k.RSA != nil:
		s, ok := rsaPrivate(k.RSA, cmd.Data)
		if !ok {
			return nil, iso7816.SWWrongData
		}

		return s, iso7816.SWOK

	case cmd.P2 == 0x70 && k.EC != nil:
		s, err := ecdsa.SignASN1(c.Rand, k.EC, cmd.Data)
		if err != nil {
			return nil, iso7816.SWUnknown
		}

		return s, iso7816.SWOK
	}

	return nil, iso7816.SWWrongData
}

func ecdh(priv *ecdsa.PrivateKey, point []byte) ([]byte, bool) {
	curve := cvc.CurveFromElliptic(priv.Curve)

	x, y, err := curve.Unmarshal(point)
	if err != nil {
		return nil, false
	}

	sx, sy := curve.ScalarMult(x, y, priv.D.Bytes())
	if sx == nil {
		return nil, false
	}

	return curve.Marshal(sx, sy), true
}

func (c *Card) decipher(cmd *iso7816.Command) ([]byte, uint16) {
	k, sw := c.key(cmd.P1)
	if sw != iso7816.SWOK {
		return nil, sw
	}

	switch {
	case cmd.P2 == 0x21 && k.RSA != nil:
		p, ok := rsaPrivate(k.RSA, cmd.Data)
		if !ok {
			return nil, iso7816.SWWrongData
		}

		return p, iso7816.SWOK

	case cmd.P2 == 0x22 && k.RSA != nil:
		p, err := rsa.DecryptPKCS1v15(nil, k.RSA, cmd.Data)
		if err != nil {
			return nil, iso7816.SWWrongData
		}

		return p, iso7816.SWOK

	case cmd.P2 == 0x80 && k.EC != nil:
		p, ok := ecdh(k.EC, cmd.Data)
		if !ok {
			return nil, iso7816.SWWrongData
		}

		return p, iso7816.SWOK
	}

	return nil, iso7816.SWWrongData
}

func (c *Card) manageSE(cmd *iso7816.Command) ([]byte, uint16) {
	if cmd.P1 != 0x41 || cmd.P2 != 0xA4 {
		return nil, iso7816.SWWrongP1P2
	}

	n, _, err := bertlv.Parse(cmd.Data)
	if err != nil || n.Tag != 0x80 || !bytes.Equal(n.Value(), sm.OIDChipAuthentication) {
		return nil, iso7816.SWWrongData
	}

	c.caPending = true

	return nil, iso7816.SWOK
}

func (c *Card) generalAuthenticate(cmd *iso7816.Command) ([]byte, uint16) {
	if !c.caPending || c.DeviceKey == nil {
		return nil, iso7816.SWConditions
	}

	c.caPending = false

	n, _, err := bertlv.Parse(cmd.Data)
	if err != nil || n.Tag != 0x7C {
		return nil, iso7816.SWWrongData
	}

	q := n.Find(0x80)
	if q == nil {
		return nil, iso7816.SWWrongData
	}

	shared, ok := ecdh(c.DeviceKey, q.Value())
	if !ok {
		return nil, iso7816.SWWrongData
	}

	size := (len(shared) - 1) / 2
	nonce := make([]byte, 8)

	if _, err := io.ReadFull(c.Rand, nonce); err != nil {
		return nil, iso7816.SWUnknown
	}

	kenc, kmac := sm.DeriveKeys(shared[1:1+size], nonce)

	token, err := sm.AuthenticationToken(kmac, sm.OIDChipAuthentication, q.Value())
	if err != nil {
		return nil, iso7816.SWUnknown
	}

	s, err := sm.NewSession(kenc, kmac)
	if err != nil {
		return nil, iso7816.SWUnknown
	}

	// The response itself is sent in plain.
	c.session = s

	return bertlv.NewConstructed(0x7C,
		bertlv.NewPrimitive(0x81, nonce),
		bertlv.NewPrimitive(0x82, token),
	).Bytes(), iso7816.SWOK
}

// String summarizes the card state for test failures.
func (c *Card) String() string {
	return fmt.Sprintf("card: %d files, %d keys, verified %t, sm %t, acquired %d, released %d",
		len(c.Files), len(c.Keys), c.verified, c.session != nil, c.Acquired, c.Released)
}
