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
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/areese/schsm-go/internal/iso7816"
)

const (
	claISO         = 0x00
	claProprietary = 0x80

	insSelect          = 0xA4
	insVerify          = 0x20
	insSign            = 0x68
	insDecipher        = 0x62
	insReadBinary      = 0xB1
	insUpdateBinary    = 0xD7
	insDeleteFile      = 0xE4
	insEnumerate       = 0x58
	insImportDKEK      = 0x52
	insWrapKey         = 0x72
	insUnwrapKey       = 0x74
	insMSE             = 0x22
	insGeneralAuth     = 0x86
	insGenerateKeyPair = 0x46
	insGetResponse     = 0xC0

	sw1MoreData = 0x61

	tagOffset = 0x54
	tagLength = 0x53

	// All reads a file from offset 0 to its end.
	All = -1
)

// AID is the application identifier of the SmartCard-HSM.
var AID = []byte{0xE8, 0x2B, 0x06, 0x01, 0x04, 0x01, 0x81, 0xC3, 0x1F, 0x02, 0x01}

// Transport frames commands for the token, applies secure messaging and
// splits large transfers into chunks. A Transport is not safe for
// concurrent use.
type Transport struct {
	ch       Channel
	log      logrus.FieldLogger
	metrics  *Metrics
	trace    *ClientTrace
	observer func(from, to SMState)
	rand     io.Reader

	maxReadChunk  int
	maxWriteChunk int

	auth    ChipAuthenticator
	state   SMState
	channel SecureChannel

	depth int
}

// NewTransport creates a transport over ch with secure messaging disabled.
func NewTransport(ch Channel, opts ...Option) *Transport {
	c := defaultConfig()
	for _, o := range opts {
		o(c)
	}

	return newTransport(ch, c)
}

func newTransport(ch Channel, c *config) *Transport {
	return &Transport{
		ch:            ch,
		log:           c.log,
		metrics:       c.metrics,
		trace:         c.trace,
		observer:      c.observer,
		rand:          c.rand,
		maxReadChunk:  c.maxReadChunk,
		maxWriteChunk: c.maxWriteChunk,
		auth:          c.authenticator,
	}
}

// State returns the secure messaging state.
func (t *Transport) State() SMState {
	return t.state
}

// SetChipAuthenticator replaces the handshake used by EstablishSecureMessaging.
func (t *Transport) SetChipAuthenticator(a ChipAuthenticator) {
	t.auth = a
}

func (t *Transport) transition(to SMState) error {
	from := t.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: invalid state transition from %s to %s", ErrSecureMessaging, from, to)
	}

	t.state = to
	if to != SMActive {
		t.channel = nil
	}

	t.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("secure messaging state change")
	t.metrics.observeTransition(from, to)
	t.trace.stateChange(from, to)

	if t.observer != nil {
		t.observer(from, to)
	}

	return nil
}

// EstablishSecureMessaging runs the chip authenticator. An active session is
// terminated first.
func (t *Transport) EstablishSecureMessaging() error {
	if t.auth == nil {
		return fmt.Errorf("%w: no chip authenticator configured", ErrSecureMessaging)
	}

	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	return t.establish()
}

func (t *Transport) establish() error {
	if t.state == SMActive {
		if err := t.transition(SMDisabled); err != nil {
			return err
		}
	}

	if err := t.transition(SMEstablishing); err != nil {
		return err
	}

	ch, err := t.auth.Authenticate(t)
	if err != nil {
		if terr := t.transition(SMDisabled); terr != nil {
			return terr
		}

		return fmt.Errorf("%w: chip authentication: %w", ErrSecureMessaging, err)
	}

	t.channel = ch

	return t.transition(SMActive)
}

// command is a command APDU together with how it is dispatched.
type command struct {
	name string
	apdu iso7816.Command
	// plain bypasses secure messaging.
	plain bool
	// sensitive keeps the data field out of logs.
	sensitive bool
}

func (t *Transport) dump(c *command, what string, b []byte) {
	if c.sensitive {
		t.log.Debugf("%s %s: %d bytes masked", c.name, what, len(b))

		return
	}

	t.log.Debugf("%s %s:\n%s", c.name, what, hex.Dump(b))
}

// exchange sends req and collects the data of all GET RESPONSE rounds. The
// returned response always ends with the final status word.
func (t *Transport) exchange(req []byte) ([]byte, error) {
	var data []byte

	for {
		t.trace.transmit(req)

		resp, err := t.ch.Transceive(req)
		if err != nil {
			return nil, &TransportError{Op: "transmit", Err: err}
		}

		t.trace.transmitResult(req, resp)
		t.metrics.observeBytes(len(req), len(resp))

		body, sw, err := iso7816.SplitResponse(resp)
		if err != nil {
			return nil, &TransportError{Op: "transmit", Err: err}
		}

		data = append(data, body...)

		if sw>>8 != sw1MoreData {
			return iso7816.Response(data, sw), nil
		}

		ne := int(sw & 0xFF)
		if ne == 0 {
			ne = iso7816.MaxShortNe
		}

		req = (&iso7816.Command{CLA: claISO, INS: insGetResponse, Ne: ne}).Bytes()
	}
}

// transmit sends a command and returns the response data and status word.
// While secure messaging is active, non-plain commands are wrapped and
// responses carrying more than a status word are unwrapped.
func (t *Transport) transmit(c *command) ([]byte, uint16, error) {
	start := time.Now()
	raw := c.apdu.Bytes()
	protect := t.state == SMActive && !c.plain

	t.log.WithFields(logrus.Fields{
		"command": c.name,
		"apdu":    c.apdu.String(),
		"sm":      protect,
	}).Debug("transmit")
	t.dump(c, "request", raw)

	req := raw
	if protect {
		var err error
		if req, err = t.channel.Wrap(raw); err != nil {
			t.dropSecureMessaging()

			return nil, 0, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	resp, err := t.exchange(req)
	if err != nil {
		t.metrics.observeCommand(c.name, 0, err, start)
		t.log.WithError(err).WithField("command", c.name).Debug("transmit failed")

		return nil, 0, err
	}

	if protect && len(resp) > 2 {
		if resp, err = t.channel.Unwrap(resp); err != nil {
			t.dropSecureMessaging()
			t.metrics.observeCommand(c.name, 0, err, start)

			return nil, 0, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	data, sw, err := iso7816.SplitResponse(resp)
	if err != nil {
		return nil, 0, &TransportError{Op: "transmit", Err: err}
	}

	// The card terminates the session when it rejects the protection.
	if protect && (sw == iso7816.SWSMObjectsMissing || sw == iso7816.SWSMObjectsWrong) {
		t.dropSecureMessaging()
	}

	t.metrics.observeCommand(c.name, sw, nil, start)
	t.log.WithFields(logrus.Fields{"command": c.name, "sw": fmt.Sprintf("%04X", sw)}).Debug("response")
	t.dump(c, "response", data)

	return data, sw, nil
}

func (t *Transport) dropSecureMessaging() {
	if t.state == SMActive {
		// Active to disabled is always allowed.
		_ = t.transition(SMDisabled)
	}
}

// run transmits c and fails unless the status word is one of expect, or
// 9000 when none is given.
func (t *Transport) run(c *command, expect ...uint16) ([]byte, uint16, error) {
	data, sw, err := t.transmit(c)
	if err != nil {
		return nil, 0, err
	}

	if len(expect) == 0 {
		expect = []uint16{iso7816.SWOK}
	}

	for _, e := range expect {
		if sw == e {
			return data, sw, nil
		}
	}

	return nil, sw, &StatusError{Command: c.name, SW: sw}
}

// do runs a single command while holding the channel.
func (t *Transport) do(c *command, expect ...uint16) ([]byte, error) {
	if err := t.acquire(); err != nil {
		return nil, err
	}
	defer t.release()

	data, _, err := t.run(c, expect...)

	return data, err
}

// SelectApplication selects an application by AID. Selection is always sent
// in plain and resets the card's secure messaging, so an active session is
// terminated and established again.
func (t *Transport) SelectApplication(aid []byte) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	wasActive := t.state == SMActive
	if wasActive {
		if err := t.transition(SMDisabled); err != nil {
			return err
		}
	}

	_, _, err := t.run(&command{
		name:  "SELECT",
		apdu:  iso7816.Command{CLA: claISO, INS: insSelect, P1: 0x04, P2: 0x0C, Data: aid},
		plain: true,
	})
	if err != nil {
		return err
	}

	if wasActive {
		return t.establish()
	}

	return nil
}

// Verify presents the user PIN. A wrong PIN results in an error wrapping
// AuthErr.
func (t *Transport) Verify(pin []byte) error {
	_, err := t.do(&command{
		name:      "VERIFY",
		apdu:      iso7816.Command{CLA: claISO, INS: insVerify, P1: 0x00, P2: 0x81, Data: pin},
		sensitive: true,
	})

	return err
}

// PINState is the status of the user PIN.
type PINState struct {
	// Verified is set when the PIN was presented in this session.
	Verified bool
	// Retries is the number of attempts left. It is only reported while the
	// PIN is not verified.
	Retries int
	Blocked bool
}

// PINStatus queries the PIN without presenting it.
func (t *Transport) PINStatus() (PINState, error) {
	if err := t.acquire(); err != nil {
		return PINState{}, err
	}
	defer t.release()

	_, sw, err := t.transmit(&command{
		name: "VERIFY",
		apdu: iso7816.Command{CLA: claISO, INS: insVerify, P1: 0x00, P2: 0x81},
	})
	if err != nil {
		return PINState{}, err
	}

	switch {
	case sw == iso7816.SWOK:
		return PINState{Verified: true, Retries: -1}, nil
	case sw == iso7816.SWAuthBlocked:
		return PINState{Blocked: true}, nil
	case sw&0xFFF0 == 0x63C0:
		return PINState{Retries: int(sw & 0x0F)}, nil
	}

	return PINState{}, &StatusError{Command: "VERIFY", SW: sw}
}

// Sign runs a signature operation with the card algorithm alg on the key.
func (t *Transport) Sign(keyID, alg byte, data []byte) ([]byte, error) {
	return t.do(&command{
		name: "SIGN",
		apdu: iso7816.Command{CLA: claProprietary, INS: insSign, P1: keyID, P2: alg, Data: data, Ne: iso7816.MaxExtendedNe},
	})
}

// Decipher runs a decryption or, with AlgECDH, a key agreement on the key.
func (t *Transport) Decipher(keyID, alg byte, data []byte) ([]byte, error) {
	return t.do(&command{
		name: "DECIPHER",
		apdu: iso7816.Command{CLA: claProprietary, INS: insDecipher, P1: keyID, P2: alg, Data: data, Ne: iso7816.MaxExtendedNe},
	})
}

func offsetObject(offset int) []byte {
	return []byte{tagOffset, 0x02, byte(offset >> 8), byte(offset)}
}

// ReadBinary reads length bytes at offset from an elementary file. With All
// the file is read from offset 0 to its end. A file shorter than requested
// yields the bytes up to its end.
func (t *Transport) ReadBinary(fid uint16, offset, length int) ([]byte, error) {
	if length == All {
		offset = 0
	}

	if err := t.acquire(); err != nil {
		return nil, err
	}
	defer t.release()

	var out []byte

	for length == All || len(out) < length {
		n := t.maxReadChunk
		if length != All && length-len(out) < n {
			n = length - len(out)
		}

		data, sw, err := t.run(&command{
			name: "READ BINARY",
			apdu: iso7816.Command{
				CLA:  claISO,
				INS:  insReadBinary,
				P1:   byte(fid >> 8),
				P2:   byte(fid),
				Data: offsetObject(offset + len(out)),
				Ne:   n,
			},
		}, iso7816.SWOK, iso7816.SWEndOfFile)
		if err != nil {
			return nil, err
		}

		if sw == iso7816.SWEndOfFile {
			// Some cards append the status word to a full chunk at the end of file.
			if len(data) == n && n >= 2 {
				data = data[:n-2]
			}

			return append(out, data...), nil
		}

		out = append(out, data...)

		if len(data) < n {
			break
		}
	}

	return out, nil
}

// UpdateBinary writes data at offset to an elementary file, creating it when
// absent. Any failing chunk fails the whole write.
func (t *Transport) UpdateBinary(fid uint16, offset int, data []byte) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	for pos := 0; ; {
		n := len(data) - pos
		if n > t.maxWriteChunk {
			n = t.maxWriteChunk
		}

		chunk := data[pos : pos+n]
		payload := append(offsetObject(offset+pos), tagLength)
		payload = appendLength(payload, len(chunk))
		payload = append(payload, chunk...)

		_, _, err := t.run(&command{
			name: "UPDATE BINARY",
			apdu: iso7816.Command{CLA: claISO, INS: insUpdateBinary, P1: byte(fid >> 8), P2: byte(fid), Data: payload},
		})
		if err != nil {
			return err
		}

		pos += n
		if pos >= len(data) {
			return nil
		}
	}
}

// appendLength appends a BER length field.
func appendLength(b []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(b, byte(n))
	case n <= 0xFF:
		return append(b, 0x81, byte(n))
	default:
		return append(b, 0x82, byte(n>>8), byte(n))
	}
}

// DeleteFile deletes an elementary file.
func (t *Transport) DeleteFile(fid uint16) error {
	_, err := t.do(&command{
		name: "DELETE FILE",
		apdu: iso7816.Command{CLA: claISO, INS: insDeleteFile, P1: 0x02, P2: 0x00, Data: []byte{byte(fid >> 8), byte(fid)}},
	})

	return err
}

// EnumerateObjects lists the file identifiers of all objects on the token.
func (t *Transport) EnumerateObjects() ([]uint16, error) {
	data, err := t.do(&command{
		name: "ENUMERATE OBJECTS",
		apdu: iso7816.Command{CLA: claProprietary, INS: insEnumerate, Ne: iso7816.MaxExtendedNe},
	})
	if err != nil {
		return nil, err
	}

	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: object list of %d bytes", ErrEncoding, len(data))
	}

	fids := make([]uint16, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		fids = append(fids, uint16(data[i])<<8|uint16(data[i+1]))
	}

	return fids, nil
}

// DKEKStatus reports the progress of assembling the device key encryption key.
type DKEKStatus struct {
	// Shares is the number of shares the DKEK is composed of.
	Shares int
	// Outstanding is the number of shares still to be imported.
	Outstanding int
	// KCV is the key check value of the DKEK, once complete.
	KCV []byte
}

// ImportDKEKShare imports a key share. A nil share only queries the status.
func (t *Transport) ImportDKEKShare(share []byte) (DKEKStatus, error) {
	data, err := t.do(&command{
		name:      "IMPORT DKEK SHARE",
		apdu:      iso7816.Command{CLA: claProprietary, INS: insImportDKEK, Data: share, Ne: iso7816.MaxShortNe},
		sensitive: true,
	})
	if err != nil {
		return DKEKStatus{}, err
	}

	if len(data) < 2 {
		return DKEKStatus{}, fmt.Errorf("%w: DKEK status of %d bytes", ErrEncoding, len(data))
	}

	return DKEKStatus{Shares: int(data[0]), Outstanding: int(data[1]), KCV: data[2:]}, nil
}

// WrapKey exports a key encrypted under the DKEK.
func (t *Transport) WrapKey(keyID byte) ([]byte, error) {
	return t.do(&command{
		name: "WRAP KEY",
		apdu: iso7816.Command{CLA: claProprietary, INS: insWrapKey, P1: keyID, P2: AlgWrap, Ne: iso7816.MaxExtendedNe},
	})
}

// UnwrapKey imports a key blob created by WrapKey into the key slot.
func (t *Transport) UnwrapKey(keyID byte, blob []byte) error {
	_, err := t.do(&command{
		name: "UNWRAP KEY",
		apdu: iso7816.Command{CLA: claProprietary, INS: insUnwrapKey, P1: keyID, P2: AlgUnwrap, Data: blob},
	})

	return err
}

// ManageSecurityEnvironment sends MANAGE SECURITY ENVIRONMENT.
func (t *Transport) ManageSecurityEnvironment(p1, p2 byte, data []byte) error {
	_, err := t.do(&command{
		name: "MANAGE SECURITY ENVIRONMENT",
		apdu: iso7816.Command{CLA: claISO, INS: insMSE, P1: p1, P2: p2, Data: data},
	})

	return err
}

// GeneralAuthenticate sends GENERAL AUTHENTICATE and returns the dynamic
// authentication data.
func (t *Transport) GeneralAuthenticate(data []byte) ([]byte, error) {
	return t.do(&command{
		name: "GENERAL AUTHENTICATE",
		apdu: iso7816.Command{CLA: claISO, INS: insGeneralAuth, Data: data, Ne: iso7816.MaxExtendedNe},
	})
}

// GenerateAsymmetricKeyPair generates a key in the slot. data is the
// certificate signing request template; the card returns the request.
func (t *Transport) GenerateAsymmetricKeyPair(keyID byte, data []byte) ([]byte, error) {
	return t.do(&command{
		name: "GENERATE ASYMMETRIC KEY PAIR",
		apdu: iso7816.Command{CLA: claISO, INS: insGenerateKeyPair, P1: keyID, Data: data, Ne: iso7816.MaxExtendedNe},
	})
}
