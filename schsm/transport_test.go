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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/areese/schsm-go/internal/schsmtest"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}

	return b
}

func TestTransportGetResponse(t *testing.T) {
	t.Parallel()

	s := &schsmtest.Script{Steps: []schsmtest.Step{
		{Want: schsmtest.Hex("80680120000003AABBCC0000"), Resp: schsmtest.Hex("0102 6104")},
		{Want: schsmtest.Hex("00C0000004"), Resp: schsmtest.Hex("03040506 6100")},
		{Want: schsmtest.Hex("00C0000000"), Resp: schsmtest.Hex("07 9000")},
	}}

	tr := NewTransport(s)

	got, err := tr.Sign(0x01, AlgRSARaw, []byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	assert.Equal(t, schsmtest.Hex("01020304050607"), got)
	assert.True(t, s.Done())
	assert.Equal(t, 1, s.Acquired)
	assert.Equal(t, 1, s.Released)
}

func TestTransportReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, 2, 100, 1022, 1023, 1024, 1025, 2048, 3000, 5000, 10000}

	for _, size := range sizes {
		size := size
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			t.Parallel()

			card := schsmtest.NewCard()
			tr := NewTransport(card)
			fid := FID(PrefixEECertificate, 1)
			want := pattern(size)

			require.NoError(t, tr.UpdateBinary(fid, 0, want))

			wantChunks := (size + DefaultMaxWriteChunk - 1) / DefaultMaxWriteChunk
			if wantChunks == 0 {
				wantChunks = 1
			}
			assert.Equal(t, wantChunks, card.Count(insUpdateBinary))

			got, err := tr.ReadBinary(fid, 0, All)
			require.NoError(t, err)
			require.Len(t, got, size)
			assert.True(t, bytes.Equal(want, got))
			assert.True(t, card.Balanced(), card.String())
		})
	}
}

func TestTransportSmallChunks(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	card.MaxResponse = 100

	tr := NewTransport(card, WithMaxReadChunk(300), WithMaxWriteChunk(77))
	fid := FID(PrefixCACertificate, 2)
	want := pattern(1000)

	require.NoError(t, tr.UpdateBinary(fid, 0, want))
	assert.Equal(t, 13, card.Count(insUpdateBinary))
	assert.Equal(t, want, card.Files[fid])

	got, err := tr.ReadBinary(fid, 0, All)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 4, card.Count(insReadBinary))
}

func TestTransportReadRange(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	fid := FID(PrefixEECertificate, 3)
	content := pattern(3000)
	card.Files[fid] = content

	tr := NewTransport(card)

	tests := []struct {
		name           string
		offset, length int
		want           []byte
	}{
		{"head", 0, 10, content[:10]},
		{"middle", 100, 50, content[100:150]},
		{"across chunks", 1000, 1500, content[1000:2500]},
		{"past end", 2990, 100, content[2990:]},
		{"all ignores offset", 500, All, content},
	}

	for _, tc := range tests {
		got, err := tr.ReadBinary(fid, tc.offset, tc.length)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestTransportReadEndOfFileQuirk(t *testing.T) {
	t.Parallel()

	// The second chunk is full but ends with the status word repeated in
	// the data.
	s := &schsmtest.Script{Steps: []schsmtest.Step{
		{Want: schsmtest.Hex("00B1CE01045402000004"), Resp: schsmtest.Hex("01020304 9000")},
		{Want: schsmtest.Hex("00B1CE01045402000404"), Resp: schsmtest.Hex("05066282 6282")},
	}}

	tr := NewTransport(s, WithMaxReadChunk(4))

	got, err := tr.ReadBinary(FID(PrefixEECertificate, 1), 0, All)
	require.NoError(t, err)
	assert.Equal(t, schsmtest.Hex("010203040506"), got)
	assert.True(t, s.Done())
}

func TestTransportUpdateBinaryEncoding(t *testing.T) {
	t.Parallel()

	s := &schsmtest.Script{Steps: []schsmtest.Step{
		{Want: schsmtest.Hex("00D7C4050A5402000053 04 01020304"), Resp: schsmtest.Hex("9000")},
		{Want: schsmtest.Hex("00D7C4050854020004 53 02 0506"), Resp: schsmtest.Hex("9000")},
	}}

	tr := NewTransport(s, WithMaxWriteChunk(4))

	require.NoError(t, tr.UpdateBinary(FID(PrefixPrivateKeyDescription, 5), 0, schsmtest.Hex("010203040506")))
	assert.True(t, s.Done())
}

func TestTransportStatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resp     string
		notFound bool
		auth     *AuthErr
	}{
		{name: "not found", resp: "6A82", notFound: true},
		{name: "security status", resp: "6982"},
		{name: "wrong pin", resp: "63C2", auth: &AuthErr{Retries: 2}},
		{name: "blocked", resp: "6983", auth: &AuthErr{Retries: 0}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := &schsmtest.Script{Steps: []schsmtest.Step{{Resp: schsmtest.Hex(tc.resp)}}}
			err := NewTransport(s).Verify([]byte(testPIN))
			require.Error(t, err)

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, schsmtest.Hex(tc.resp), []byte{byte(se.Status() >> 8), byte(se.Status())})
			assert.Equal(t, tc.notFound, errors.Is(err, ErrNotFound))

			var ae AuthErr
			if tc.auth == nil {
				assert.False(t, errors.As(err, &ae))

				return
			}

			require.ErrorAs(t, err, &ae)
			assert.Equal(t, *tc.auth, ae)
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	t.Parallel()

	err := &StatusError{Command: "READ BINARY", SW: 0x6A82}
	assert.Equal(t, "READ BINARY: unexpected status word 6A82: object not found", err.Error())

	err = &StatusError{Command: "VERIFY", SW: 0x63C1}
	assert.Equal(t, "VERIFY: unexpected status word 63C1: verification failed (1 retry remaining)", err.Error())

	err = &StatusError{Command: "SIGN", SW: 0x6A88}
	assert.Equal(t, "SIGN: unexpected status word 6A88: referenced data not found", err.Error())
}

func TestTransportFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("reader removed")

	t.Run("acquire", func(t *testing.T) {
		t.Parallel()

		card := schsmtest.NewCard()
		card.AcquireErr = boom

		_, err := NewTransport(card).EnumerateObjects()

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "acquire", te.Op)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, card.Log)
		assert.Zero(t, card.Released)
	})

	t.Run("transmit", func(t *testing.T) {
		t.Parallel()

		card := schsmtest.NewCard()
		card.TransceiveErr = boom

		_, err := NewTransport(card).ReadBinary(FIDDeviceCertificate, 0, All)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "transmit", te.Op)
		assert.ErrorIs(t, err, boom)
		assert.True(t, card.Balanced(), card.String())
	})

	t.Run("short response", func(t *testing.T) {
		t.Parallel()

		s := &schsmtest.Script{Steps: []schsmtest.Step{{Resp: []byte{0x90}}}}
		err := NewTransport(s).DeleteFile(FID(PrefixEECertificate, 1))

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 1, s.Released)
	})

	t.Run("status", func(t *testing.T) {
		t.Parallel()

		card := schsmtest.NewCard()
		err := NewTransport(card).DeleteFile(FID(PrefixEECertificate, 1))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, card.Balanced(), card.String())
	})

	t.Run("release", func(t *testing.T) {
		t.Parallel()

		card := schsmtest.NewCard()
		card.ReleaseErr = boom
		l, hook := testLogger()

		_, err := NewTransport(card, WithLogger(l)).EnumerateObjects()
		require.NoError(t, err)

		var warned bool
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == "releasing channel" {
				warned = true
			}
		}
		assert.True(t, warned)
	})
}

func TestTransportNestedAcquire(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tr := NewTransport(card)

	err := tr.WithChannel(func() error {
		if err := tr.UpdateBinary(FID(PrefixEECertificate, 1), 0, pattern(10)); err != nil {
			return err
		}

		if _, err := tr.ReadBinary(FID(PrefixEECertificate, 1), 0, All); err != nil {
			return err
		}

		_, err := tr.EnumerateObjects()

		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, card.Acquired)
	assert.Equal(t, 1, card.Released)
}

func TestTransportEnumerateObjects(t *testing.T) {
	t.Parallel()

	s := &schsmtest.Script{Steps: []schsmtest.Step{
		{Want: schsmtest.Hex("80580000000000"), Resp: schsmtest.Hex("CC01 C401 CE01 CA00 9000")},
		{Resp: schsmtest.Hex("CC 9000")},
	}}
	tr := NewTransport(s)

	fids, err := tr.EnumerateObjects()
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xCC01, 0xC401, 0xCE01, 0xCA00}, fids)

	_, err = tr.EnumerateObjects()
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestTransportMasksSensitiveData(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	l, hook := testLogger()

	require.NoError(t, NewTransport(card, WithLogger(l)).Verify([]byte(testPIN)))

	var masked bool
	for _, e := range hook.AllEntries() {
		assert.NotContains(t, e.Message, testPIN)
		assert.NotContains(t, e.Message, "36 34 38 32 31 39")

		if strings.Contains(e.Message, "masked") {
			masked = true
		}
	}
	assert.True(t, masked)
}

func TestTransportMetrics(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	m := NewMetrics(prometheus.NewRegistry())
	h := newTestHSM(t, card, WithMetrics(m))

	require.Error(t, h.Login("000000"))
	require.NoError(t, h.Login(testPIN))

	card.TransceiveErr = errors.New("gone")
	require.Error(t, h.Login(testPIN))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("SELECT", "9000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("VERIFY", "63C2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("VERIFY", "9000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("VERIFY", StatusTransportError)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
	assert.Greater(t, testutil.ToFloat64(m.bytes.WithLabelValues(DirectionSent)), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.bytes.WithLabelValues(DirectionReceived)), 0.0)
}

func TestClientTraceCompose(t *testing.T) {
	t.Parallel()

	var first, second int
	var sws []byte

	card := schsmtest.NewCard()
	tr := NewTransport(card,
		WithClientTrace(&ClientTrace{Transmit: func([]byte) { first++ }}),
		WithClientTrace(&ClientTrace{
			Transmit: func([]byte) { second++ },
			TransmitResult: func(_, _ []byte, sw1, sw2 byte) {
				sws = append(sws, sw1, sw2)
			},
		}),
	)

	require.NoError(t, tr.SelectApplication(AID))
	_, err := tr.PINStatus()
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, schsmtest.Hex("9000 63C3"), sws)
}
