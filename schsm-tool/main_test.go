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

package main

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/areese/schsm-go/internal/schsmtest"
	"github.com/areese/schsm-go/schsm"
)

const (
	testReader = "CardContact SmartCard-HSM [CCID Interface] 00 00"
	testPIN    = "648219"
)

// tool runs schsm-tool against a simulated card.
type tool struct {
	t      *testing.T
	card   *schsmtest.Card
	dir    string
	config string

	readers []string
	pin     func(string) (string, error)
}

func newTool(t *testing.T, card *schsmtest.Card) *tool {
	t.Helper()

	dir := t.TempDir()
	tl := &tool{
		t:       t,
		card:    card,
		dir:     dir,
		config:  filepath.Join(dir, "schsm.yaml"),
		readers: []string{"Yubico YubiKey OTP+FIDO+CCID 00 00", testReader},
		pin: func(string) (string, error) {
			return "", errors.New("unexpected PIN prompt")
		},
	}

	tl.writeConfig("")

	return tl
}

// writeConfig writes the configuration file with extra appended to the
// defaults of the test.
func (tl *tool) writeConfig(extra string) {
	tl.t.Helper()

	body := fmt.Sprintf("credentials: %q\nlog_level: debug\n%s", filepath.Join(tl.dir, "creds"), extra)
	require.NoError(tl.t, os.WriteFile(tl.config, []byte(body), 0o600))
}

func (tl *tool) file(name string, data []byte) string {
	tl.t.Helper()

	p := filepath.Join(tl.dir, name)
	require.NoError(tl.t, os.WriteFile(p, data, 0o600))

	return p
}

func (tl *tool) run(args ...string) (stdout, stderr string, err error) {
	var out, log bytes.Buffer

	a := newApp()
	a.stdout = &out
	a.stderr = &log
	a.stdin = strings.NewReader("data from stdin")
	a.readers = func() ([]string, error) { return tl.readers, nil }
	a.readPIN = tl.pin
	a.dial = func(reader string, opts ...schsm.Option) (*schsm.SmartCardHSM, error) {
		if reader != testReader {
			return nil, fmt.Errorf("no token in %q", reader)
		}

		return schsm.New(tl.card, opts...)
	}

	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--config", tl.config}, args...))
	err = cmd.Execute()

	return out.String(), log.String(), err
}

func (tl *tool) mustRun(args ...string) string {
	tl.t.Helper()

	out, log, err := tl.run(args...)
	require.NoError(tl.t, err, log)

	return out
}

func listObjects(t *testing.T, tl *tool) []objectInfo {
	t.Helper()

	var l objectList
	require.NoError(t, json.Unmarshal([]byte(tl.mustRun("list", "-o", "json")), &l))

	return l.Objects
}

func TestReaders(t *testing.T) {
	t.Parallel()

	tl := newTool(t, schsmtest.NewCard())

	out := tl.mustRun("readers")
	assert.Equal(t, "Yubico YubiKey OTP+FIDO+CCID 00 00\n"+testReader+"\n", out)

	var l readerList
	require.NoError(t, yaml.Unmarshal([]byte(tl.mustRun("readers", "-o", "yaml")), &l))
	assert.Equal(t, tl.readers, l.Readers)

	tl.readers = nil
	assert.Equal(t, "No readers found\n", tl.mustRun("readers"))
}

func TestReaderSelection(t *testing.T) {
	t.Parallel()

	tl := newTool(t, schsmtest.NewCard())

	// The SmartCard-HSM is picked among other readers.
	tl.mustRun("pin-status")

	tl.readers = []string{"Reader A", "Reader B"}
	_, _, err := tl.run("pin-status")
	assert.ErrorContains(t, err, "no SmartCard-HSM found in 2 readers")

	_, _, err = tl.run("pin-status", "--reader", "Reader A")
	assert.ErrorContains(t, err, "opening token")

	tl.mustRun("pin-status", "-r", testReader)
}

func TestGenerateListDelete(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tl := newTool(t, card)

	assert.Equal(t, "No objects found\n", tl.mustRun("list"))

	req := filepath.Join(tl.dir, "signing.cvreq")
	out := tl.mustRun("generate", "signing", "--pin", testPIN, "--chr", "UTTM00001", "--request", req)
	assert.Equal(t, "Generated key \"signing\" with id 1, request holder UTTM00001\nRequest written to "+req+"\n", out)

	raw, err := os.ReadFile(req)
	require.NoError(t, err)
	assert.Equal(t, card.Files[schsm.FID(schsm.PrefixEECertificate, 1)], raw)

	tl.mustRun("generate", "p384", "--pin", testPIN, "--curve", "p-384")

	assert.Equal(t, []objectInfo{
		{Label: "p384", Type: "key", ID: 2, Algorithm: "EC", Size: 384, Subject: "p384"},
		{Label: "signing", Type: "key", ID: 1, Algorithm: "EC", Size: 256, Subject: "UTTM00001"},
	}, listObjects(t, tl))

	out = tl.mustRun("list")
	assert.Contains(t, out, "LABEL")
	assert.Contains(t, out, "signing")

	_, _, err = tl.run("generate", "signing", "--pin", testPIN)
	assert.ErrorIs(t, err, schsm.ErrLabelExists)

	_, _, err = tl.run("generate", "bad", "--pin", testPIN, "--curve", "P-224")
	assert.ErrorContains(t, err, "unsupported curve")

	_, _, err = tl.run("generate", "bad", "--pin", testPIN, "--algorithm", "dsa")
	assert.ErrorContains(t, err, "unsupported algorithm")

	assert.Equal(t, "Deleted \"p384\"\n", tl.mustRun("delete", "p384", "--pin", testPIN))
	assert.NotContains(t, card.Keys, byte(2))

	objs := listObjects(t, tl)
	require.Len(t, objs, 1)
	assert.Equal(t, "signing", objs[0].Label)

	_, _, err = tl.run("delete", "missing", "--pin", testPIN)
	assert.ErrorIs(t, err, schsm.ErrNotFound)
}

func TestGenerateRequiresPIN(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tl := newTool(t, card)

	_, _, err := tl.run("generate", "k")
	assert.ErrorContains(t, err, "unexpected PIN prompt")

	_, _, err = tl.run("generate", "k", "--pin", "000000")

	var ae schsm.AuthErr
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 2, ae.Retries)
	assert.Empty(t, card.Keys)

	// The prompt is used when nothing else provides the PIN.
	tl.pin = func(prompt string) (string, error) {
		assert.Equal(t, "PIN: ", prompt)

		return testPIN, nil
	}

	tl.mustRun("generate", "k")
	assert.Len(t, card.Keys, 1)
}

func TestSign(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tl := newTool(t, card)
	tl.mustRun("generate", "ec", "--pin", testPIN)

	msg := []byte("message to sign")
	in := tl.file("msg", msg)
	sigFile := filepath.Join(tl.dir, "msg.sig")

	var s signature
	out := tl.mustRun("sign", "ec", "--pin", testPIN, "--in", in, "--out", sigFile, "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, "sha256", s.Hash)

	sig, err := hex.DecodeString(s.Signature)
	require.NoError(t, err)

	raw, err := os.ReadFile(sigFile)
	require.NoError(t, err)
	assert.Equal(t, sig, raw)

	d := sha256.Sum256(msg)
	assert.True(t, ecdsa.VerifyASN1(&card.Keys[1].EC.PublicKey, d[:], sig))

	// Input from stdin.
	out = tl.mustRun("sign", "ec", "--pin", testPIN, "--hash", "SHA384")
	sig, err = hex.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)

	h := crypto.SHA384.New()
	h.Write([]byte("data from stdin"))
	assert.True(t, ecdsa.VerifyASN1(&card.Keys[1].EC.PublicKey, h.Sum(nil), sig))

	_, _, err = tl.run("sign", "ec", "--pin", testPIN, "--hash", "md5")
	assert.ErrorContains(t, err, "unsupported hash")

	_, _, err = tl.run("sign", "ec", "--pin", testPIN, "--pss")
	assert.ErrorIs(t, err, schsm.ErrUnsupported)

	_, _, err = tl.run("sign", "missing", "--pin", testPIN)
	assert.ErrorIs(t, err, schsm.ErrNotFound)
}

func TestSignRSAPSS(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tl := newTool(t, card)
	tl.mustRun("generate", "rsa", "--pin", testPIN, "--algorithm", "rsa", "--bits", "1024")

	in := tl.file("msg", []byte("pss"))
	out := tl.mustRun("sign", "rsa", "--pin", testPIN, "--in", in, "--pss")

	sig, err := hex.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)

	d := sha256.Sum256([]byte("pss"))
	pub := &card.Keys[1].RSA.PublicKey
	assert.NoError(t, rsa.VerifyPSS(pub, crypto.SHA256, d[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}))

	out = tl.mustRun("sign", "rsa", "--pin", testPIN, "--in", in)
	sig, err = hex.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, d[:], sig))
}

func caCertificate(t *testing.T) []byte {
	t.Helper()

	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	require.NoError(t, err)

	return der
}

func TestImportCA(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tl := newTool(t, card)

	der := caCertificate(t)
	pemFile := tl.file("ca.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	assert.Equal(t, "Stored \"root\" with id 0\n", tl.mustRun("import-ca", "root", pemFile, "--pin", testPIN))
	assert.Equal(t, der, card.Files[schsm.FID(schsm.PrefixCACertificate, 0)])

	derFile := tl.file("ca.der", der)
	assert.Equal(t, "Stored \"second\" with id 1\n", tl.mustRun("import-ca", "second", derFile, "--pin", testPIN))

	assert.Equal(t, []objectInfo{
		{Label: "root", Type: "certificate authority", ID: 0, Subject: "CN=Test Root CA"},
		{Label: "second", Type: "certificate authority", ID: 1, Subject: "CN=Test Root CA"},
	}, listObjects(t, tl))

	keyFile := tl.file("key.pem", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}))
	_, _, err := tl.run("import-ca", "bad", keyFile, "--pin", testPIN)
	assert.ErrorContains(t, err, "no PEM CERTIFICATE block")

	_, _, err = tl.run("import-ca", "bad", tl.file("garbage", []byte{1, 2, 3}), "--pin", testPIN)
	assert.ErrorIs(t, err, schsm.ErrEncoding)
}

func TestPINStatus(t *testing.T) {
	t.Parallel()

	card := schsmtest.NewCard()
	tl := newTool(t, card)

	assert.Equal(t, "PIN not verified, 3 attempts left\n", tl.mustRun("pin-status"))

	_, _, err := tl.run("delete", "x", "--pin", "000000")
	require.Error(t, err)

	var s pinStatus
	require.NoError(t, json.Unmarshal([]byte(tl.mustRun("pin-status", "-o", "json")), &s))
	assert.Equal(t, pinStatus{Retries: 2}, s)

	card.Retries = 0
	assert.Equal(t, "PIN blocked\n", tl.mustRun("pin-status"))
}

func TestRemember(t *testing.T) {
	t.Parallel()

	p, err := schsmtest.NewPKI(schsm.RootTest)
	require.NoError(t, err)

	card := schsmtest.NewCard()
	card.InstallDevice(p, false)
	tl := newTool(t, card)

	_, _, err = tl.run("remember", "--pin", "000000")
	assert.Error(t, err)

	out := tl.mustRun("remember", "--pin", testPIN)
	assert.Equal(t, "Remembered PIN of "+schsmtest.DeviceCHR+"\n", out)

	data, err := os.ReadFile(filepath.Join(tl.dir, "creds"))
	require.NoError(t, err)
	assert.Equal(t, schsmtest.DeviceCHR+" "+testPIN+"\n", string(data))

	// No prompt is needed with a remembered PIN.
	tl.mustRun("generate", "k")
	assert.Len(t, card.Keys, 1)

	// A token without device certificate does not use remembered PINs.
	other := newTool(t, schsmtest.NewCard())
	other.file("creds", data)

	_, _, err = other.run("generate", "k")
	assert.ErrorContains(t, err, "unexpected PIN prompt")

	_, _, err = other.run("remember", "--pin", testPIN)
	assert.ErrorIs(t, err, schsm.ErrNotFound)
}

func (tl *tool) trust(p *schsmtest.PKI) {
	tl.t.Helper()

	issuer := tl.file("issuer.cvcert", p.Issuer)
	root := tl.file("root.cvcert", p.Root)

	tl.writeConfig(fmt.Sprintf("trust:\n  issuer: %q\n  roots:\n    %s: %q\n", issuer, schsm.RootTest, root))
}

func TestVerifyDevice(t *testing.T) {
	t.Parallel()

	p, err := schsmtest.NewPKI(schsm.RootTest)
	require.NoError(t, err)

	card := schsmtest.NewCard()
	card.InstallDevice(p, true)
	tl := newTool(t, card)

	_, _, err = tl.run("verify-device")
	assert.ErrorContains(t, err, "trust.issuer is not configured")

	tl.trust(p)

	var s deviceStatus
	require.NoError(t, yaml.Unmarshal([]byte(tl.mustRun("verify-device", "-o", "yaml")), &s))
	assert.Equal(t, deviceStatus{
		Device:    schsmtest.DeviceCHR,
		Issuer:    schsmtest.IssuerCHR,
		Roots:     []string{schsm.RootTest},
		Algorithm: "EC",
		Size:      256,
	}, s)

	// A chain of another PKI is rejected.
	other, err := schsmtest.NewPKI(schsm.RootTest)
	require.NoError(t, err)

	card.InstallDevice(other, true)

	_, _, err = tl.run("verify-device")
	assert.ErrorIs(t, err, schsm.ErrChainValidation)
}

func TestSecureMessaging(t *testing.T) {
	t.Parallel()

	p, err := schsmtest.NewPKI(schsm.RootTest)
	require.NoError(t, err)

	card := schsmtest.NewCard()
	card.InstallDevice(p, false)
	tl := newTool(t, card)
	tl.trust(p)

	tl.mustRun("generate", "k", "--pin", testPIN, "--secure-messaging")

	var protected int
	for _, e := range card.Log {
		if e.Command.INS == 0x46 {
			assert.True(t, e.SM)
			protected++
		}
	}
	assert.Equal(t, 1, protected)

	// The configuration file enables secure messaging as well.
	card.Log = nil
	tl.writeConfig(fmt.Sprintf("secure_messaging: true\ntrust:\n  issuer: %q\n", filepath.Join(tl.dir, "missing")))

	_, _, err = tl.run("list")
	assert.ErrorContains(t, err, "reading issuer certificate")
	assert.Empty(t, card.Log)
}

func TestMetricsFile(t *testing.T) {
	t.Parallel()

	tl := newTool(t, schsmtest.NewCard())
	metrics := filepath.Join(tl.dir, "schsm.prom")

	tl.mustRun("pin-status", "--metrics-file", metrics)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `schsm_apdu_commands_total{command="SELECT",status="9000"} 1`)
	assert.Contains(t, string(data), "schsm_apdu_bytes_total")
}

func TestLogging(t *testing.T) {
	t.Parallel()

	tl := newTool(t, schsmtest.NewCard())

	_, log, err := tl.run("pin-status", "--log-format", "json")
	require.NoError(t, err)

	line, _, _ := strings.Cut(log, "\n")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, testReader, entry["reader"])

	_, _, err = tl.run("pin-status", "--log-level", "loud")
	assert.Error(t, err)

	_, _, err = tl.run("pin-status", "--log-format", "xml")
	assert.ErrorContains(t, err, "unknown log format")

	_, _, err = tl.run("pin-status", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
