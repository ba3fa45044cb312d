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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/areese/schsm-go/internal/schsmtest"
)

func TestPrivateKeyDescriptionEncoding(t *testing.T) {
	t.Parallel()

	got, err := PrivateKeyDescription("a", 1, AlgorithmRSA, 1024)
	require.NoError(t, err)

	want := schsmtest.Hex("301C" +
		"3003 0C0161" +
		"3007 040101 03020560" +
		"A10C 300A 3004 0402CC01 02020400")
	assert.Equal(t, want, got)
}

func TestPrivateKeyDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		label string
		alg   KeyAlgorithm
		size  int
	}{
		{"rsa", "signing key", AlgorithmRSA, 2048},
		{"rsa 4096", "k", AlgorithmRSA, 4096},
		{"ec", "ecc key", AlgorithmEC, 256},
		{"ec 521", "p521", AlgorithmEC, 528},
		{"no size", "unsized", AlgorithmEC, -1},
		{"utf8", "schlüssel", AlgorithmRSA, 3072},
		{"size with high bit", "odd", AlgorithmRSA, 128},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b, err := PrivateKeyDescription(tc.label, 7, tc.alg, tc.size)
			require.NoError(t, err)

			d, err := ParsePrivateKeyDescription(b)
			require.NoError(t, err)
			assert.Equal(t, &KeyDescription{Label: tc.label, Algorithm: tc.alg, Size: tc.size}, d)
		})
	}

	_, err := PrivateKeyDescription("x", 1, AlgorithmUnknown, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParsePrivateKeyDescriptionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"truncated", "3010 3003"},
		{"wrong tag", "3103 3001 05"},
		{"no label", "3005 3003 040101"},
		{"negative size", "3012 3003 0C0161 A10B 3009 3004 0402CC01 020180"},
	}

	for _, tc := range tests {
		_, err := ParsePrivateKeyDescription(schsmtest.Hex(tc.data))
		assert.ErrorIs(t, err, ErrEncoding, tc.name)
	}
}

func TestCertificateDescription(t *testing.T) {
	t.Parallel()

	b := CertificateDescription("root ca", 3)

	l, err := ParseCertificateDescription(b)
	require.NoError(t, err)
	assert.Equal(t, "root ca", l)

	_, err = ParseCertificateDescription([]byte{0x30, 0x02, 0x04, 0x00})
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestIntegerEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int
		want string
	}{
		{0, "00"},
		{1, "01"},
		{127, "7F"},
		{128, "0080"},
		{256, "0100"},
		{1024, "0400"},
		{2048, "0800"},
		{65535, "00FFFF"},
	}

	for _, tc := range tests {
		b := encodeInteger(tc.n)
		assert.Equal(t, schsmtest.Hex(tc.want), b, tc.n)

		n, err := decodeInteger(b)
		require.NoError(t, err)
		assert.Equal(t, tc.n, n)
	}
}
