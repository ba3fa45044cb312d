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
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/areese/schsm-go/cvc"
)

// DeviceAuthenticationLabel is the reserved label of the device
// authentication certificate.
const DeviceAuthenticationLabel = "DeviceAuthentication"

// CertificateKind tells where a certificate is stored.
type CertificateKind int

const (
	EndEntity CertificateKind = iota
	CertificateAuthority
	DeviceAuthentication
)

func (k CertificateKind) String() string {
	switch k {
	case EndEntity:
		return "end entity"
	case CertificateAuthority:
		return "certificate authority"
	case DeviceAuthentication:
		return "device authentication"
	}

	return fmt.Sprintf("CertificateKind(%d)", int(k))
}

// Certificate is a certificate stored on the token. Exactly one of CVC and
// X509 is set.
type Certificate struct {
	ID   byte
	Kind CertificateKind
	CVC  *cvc.Certificate
	X509 *x509.Certificate
	Raw  []byte
	// Description is the certificate description of CA certificates.
	Description []byte
	Label       string
}

func parseCertificate(raw []byte) (*Certificate, error) {
	c, cvcErr := cvc.Parse(raw)
	if cvcErr == nil {
		return &Certificate{CVC: c, Raw: raw}, nil
	}

	x, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: neither card verifiable (%v) nor X.509 (%v)", ErrEncoding, cvcErr, err)
	}

	return &Certificate{X509: x, Raw: raw}, nil
}

// PublicKey returns the certified key as *rsa.PublicKey or *ecdsa.PublicKey.
func (c *Certificate) PublicKey() (crypto.PublicKey, error) {
	if c.X509 != nil {
		return c.X509.PublicKey, nil
	}

	pk, err := c.CVC.PublicKey.CryptoPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	return pk, nil
}

// subject is the label used when no description names the certificate.
func (c *Certificate) subject() string {
	if c.CVC != nil {
		return c.CVC.CHR
	}

	return c.X509.Subject.CommonName
}

// keyInfo derives the type and size of the certified key.
func (c *Certificate) keyInfo() (KeyAlgorithm, int) {
	if c.CVC != nil {
		pk := c.CVC.PublicKey
		if pk.IsRSA() {
			return AlgorithmRSA, pk.Size()
		}

		return AlgorithmEC, pk.Size()
	}

	switch pk := c.X509.PublicKey.(type) {
	case *rsa.PublicKey:
		return AlgorithmRSA, len(pk.N.Bytes()) * 8
	case *ecdsa.PublicKey:
		return AlgorithmEC, (pk.Curve.Params().BitSize + 7) / 8 * 8
	}

	return AlgorithmUnknown, -1
}

// Entry is a labeled object of the catalog, either a *KeyEntry or a
// *CertificateEntry.
type Entry interface {
	Label() string
	entry()
}

// KeyEntry is a private key and the end entity certificate for it, if any.
type KeyEntry struct {
	Key         *KeyReference
	Certificate *Certificate
}

// Label implements Entry.
func (e *KeyEntry) Label() string { return e.Key.Label }

func (*KeyEntry) entry() {}

// CertificateEntry is a certificate without a private key on the token.
type CertificateEntry struct {
	Certificate *Certificate
}

// Label implements Entry.
func (e *CertificateEntry) Label() string { return e.Certificate.Label }

func (*CertificateEntry) entry() {}

// Catalog is the in-memory index of the keys and certificates on the
// token. It is not safe for concurrent use.
type Catalog struct {
	t   *Transport
	log logrus.FieldLogger

	byLabel map[string]Entry
	keys    map[byte]*KeyReference
	caCerts map[byte]*Certificate
}

// NewCatalog creates an empty catalog. Call Enumerate to fill it.
func NewCatalog(t *Transport) *Catalog {
	c := &Catalog{t: t, log: t.log}
	c.reset()

	return c
}

func (c *Catalog) reset() {
	c.byLabel = make(map[string]Entry)
	c.keys = make(map[byte]*KeyReference)
	c.caCerts = make(map[byte]*Certificate)
}

func (c *Catalog) index(e Entry) {
	if old, ok := c.byLabel[e.Label()]; ok && old != e {
		c.log.WithField("label", e.Label()).Warn("duplicate label, replacing entry")
	}

	c.byLabel[e.Label()] = e
}

// read reads a whole object. ok is false when the object vanished.
func (c *Catalog) read(fid uint16) (data []byte, ok bool, err error) {
	data, err = c.t.ReadBinary(fid, 0, All)
	if errors.Is(err, ErrNotFound) {
		c.log.WithFields(logrus.Fields{"fid": fmt.Sprintf("%04X", fid)}).Debug("object not found, skipping")

		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return data, true, nil
}

// Enumerate rebuilds the catalog from the objects on the token.
func (c *Catalog) Enumerate() error {
	return c.t.WithChannel(c.enumerate)
}

func (c *Catalog) enumerate() error {
	c.reset()

	if err := c.registerDevice(); err != nil {
		return err
	}

	fids, err := c.t.EnumerateObjects()
	if err != nil {
		return err
	}

	byPrefix := make(map[byte][]byte)
	for _, fid := range fids {
		prefix := byte(fid >> 8)
		byPrefix[prefix] = append(byPrefix[prefix], byte(fid))
	}

	for _, id := range byPrefix[PrefixKey] {
		c.keys[id] = &KeyReference{ID: id, Size: -1}
	}

	steps := []struct {
		prefix byte
		fn     func(id byte, data []byte) error
	}{
		{PrefixPrivateKeyDescription, c.addKeyDescription},
		{PrefixCACertificate, c.addCACertificate},
		{PrefixCertificateDescription, c.addCertificateDescription},
		{PrefixEECertificate, c.addEECertificate},
	}

	for _, s := range steps {
		for _, id := range byPrefix[s.prefix] {
			data, ok, err := c.read(FID(s.prefix, id))
			if err != nil {
				return err
			}

			if !ok {
				continue
			}

			if err := s.fn(id, data); err != nil {
				return fmt.Errorf("object %04X: %w", FID(s.prefix, id), err)
			}
		}
	}

	for id, k := range c.keys {
		if k.Label == "" {
			k.Label = fmt.Sprintf("Key%d", id)
			c.index(&KeyEntry{Key: k})
		}
	}

	return nil
}

func (c *Catalog) registerDevice() error {
	data, ok, err := c.read(FIDDeviceCertificate)
	if err != nil || !ok {
		return err
	}

	certs, err := cvc.ParseChain(data)
	if err != nil {
		return fmt.Errorf("%w: device certificate: %v", ErrEncoding, err)
	}

	c.byLabel[DeviceAuthenticationLabel] = &CertificateEntry{Certificate: &Certificate{
		Kind:  DeviceAuthentication,
		CVC:   certs[0],
		Raw:   certs[0].Raw,
		Label: DeviceAuthenticationLabel,
	}}

	return nil
}

func (c *Catalog) addKeyDescription(id byte, data []byte) error {
	k, ok := c.keys[id]
	if !ok {
		c.log.WithFields(logrus.Fields{"id": id}).Debug("description without key, skipping")

		return nil
	}

	d, err := ParsePrivateKeyDescription(data)
	if err != nil {
		return err
	}

	k.Label = d.Label
	k.Size = d.Size
	k.Algorithm = d.Algorithm
	k.Description = data

	// Unlabeled keys are named by their certificate or id later on.
	if k.Label != "" {
		c.index(&KeyEntry{Key: k})
	}

	return nil
}

func (c *Catalog) addCACertificate(id byte, data []byte) error {
	cert, err := parseCertificate(data)
	if err != nil {
		return err
	}

	cert.ID = id
	cert.Kind = CertificateAuthority
	c.caCerts[id] = cert

	return nil
}

func (c *Catalog) addCertificateDescription(id byte, data []byte) error {
	cert, ok := c.caCerts[id]
	if !ok {
		c.log.WithFields(logrus.Fields{"id": id}).Debug("description without CA certificate, skipping")

		return nil
	}

	l, err := ParseCertificateDescription(data)
	if err != nil {
		return err
	}

	cert.Label = l
	cert.Description = data
	c.index(&CertificateEntry{Certificate: cert})

	return nil
}

func (c *Catalog) addEECertificate(id byte, data []byte) error {
	k, ok := c.keys[id]
	if !ok {
		return nil
	}

	cert, err := parseCertificate(data)
	if err != nil {
		return err
	}

	cert.ID = id
	cert.Kind = EndEntity

	alg, size := cert.keyInfo()
	if k.Size < 0 {
		k.Size = size
	}

	if k.Algorithm == AlgorithmUnknown {
		k.Algorithm = alg
	}

	if k.Label == "" {
		k.Label = cert.subject()
	}

	cert.Label = k.Label

	if e, ok := c.byLabel[k.Label].(*KeyEntry); ok && e.Key == k {
		e.Certificate = cert

		return nil
	}

	c.index(&KeyEntry{Key: k, Certificate: cert})

	return nil
}

// Entry returns the entry with label.
func (c *Catalog) Entry(label string) (Entry, error) {
	e, ok := c.byLabel[label]
	if !ok {
		return nil, fmt.Errorf("%w: label %q", ErrNotFound, label)
	}

	return e, nil
}

// Labels returns all labels in sorted order.
func (c *Catalog) Labels() []string {
	out := make([]string, 0, len(c.byLabel))
	for l := range c.byLabel {
		out = append(out, l)
	}

	sort.Strings(out)

	return out
}

// KeyByID returns the key with id.
func (c *Catalog) KeyByID(id byte) (*KeyReference, error) {
	k, ok := c.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %d", ErrNotFound, id)
	}

	return k, nil
}

// CACertificate returns the cached CA certificate with id.
func (c *Catalog) CACertificate(id byte) (*Certificate, error) {
	cert, ok := c.caCerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: CA certificate %d", ErrNotFound, id)
	}

	return cert, nil
}

// DetermineFreeKeyID returns the lowest id in [1, KeyCapacity) without a key.
func (c *Catalog) DetermineFreeKeyID() (byte, error) {
	for id := 1; id < KeyCapacity; id++ {
		if _, ok := c.keys[byte(id)]; !ok {
			return byte(id), nil
		}
	}

	return 0, ErrNoFreeID
}

// DetermineFreeCAID enumerates the token and returns one more than the
// highest CA certificate id, or 0 when there is no CA certificate.
func (c *Catalog) DetermineFreeCAID() (byte, error) {
	if err := c.Enumerate(); err != nil {
		return 0, err
	}

	if len(c.caCerts) == 0 {
		return 0, nil
	}

	highest := 0
	for id := range c.caCerts {
		if int(id) > highest {
			highest = int(id)
		}
	}

	if highest == 0xFF {
		return 0, ErrNoFreeID
	}

	return byte(highest + 1), nil
}

// deleteIfPresent deletes an object which may legitimately be missing.
func (c *Catalog) deleteIfPresent(fid uint16) error {
	err := c.t.DeleteFile(fid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}

	return err
}

// RemoveEntry deletes the objects of the entry with label from the token.
// The catalog is only changed once every object is deleted.
func (c *Catalog) RemoveEntry(label string) error {
	if label == DeviceAuthenticationLabel {
		return fmt.Errorf("%w: %s", ErrReservedLabel, label)
	}

	e, err := c.Entry(label)
	if err != nil {
		return err
	}

	return c.t.WithChannel(func() error {
		switch e := e.(type) {
		case *KeyEntry:
			return c.removeKey(e)
		case *CertificateEntry:
			return c.removeCertificate(e)
		}

		return fmt.Errorf("unexpected entry %T", e)
	})
}

// removeKey deletes the key object last. A failed removal leaves the key on
// the token and in the catalog.
func (c *Catalog) removeKey(e *KeyEntry) error {
	id := e.Key.ID

	if err := c.deleteIfPresent(FID(PrefixPrivateKeyDescription, id)); err != nil {
		return err
	}

	if e.Certificate != nil {
		if err := c.deleteIfPresent(FID(PrefixEECertificate, id)); err != nil {
			return err
		}
	}

	if err := c.t.DeleteFile(FID(PrefixKey, id)); err != nil {
		return err
	}

	delete(c.keys, id)
	delete(c.byLabel, e.Key.Label)

	return nil
}

func (c *Catalog) removeCertificate(e *CertificateEntry) error {
	cert := e.Certificate

	switch cert.Kind {
	case CertificateAuthority:
		if err := c.deleteIfPresent(FID(PrefixCertificateDescription, cert.ID)); err != nil {
			return err
		}

		if err := c.t.DeleteFile(FID(PrefixCACertificate, cert.ID)); err != nil {
			return err
		}

		delete(c.caCerts, cert.ID)
	case EndEntity:
		if err := c.t.DeleteFile(FID(PrefixEECertificate, cert.ID)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s certificate", ErrReservedLabel, cert.Kind)
	}

	delete(c.byLabel, cert.Label)

	return nil
}

// GenerateKey generates a key pair in the lowest free slot, stores its
// description and the certificate request returned by the token, and adds
// the key to the catalog.
func (c *Catalog) GenerateKey(label string, spec *GenerationSpec) (*KeyEntry, error) {
	if err := c.checkLabel(label); err != nil {
		return nil, err
	}

	var entry *KeyEntry

	err := c.t.WithChannel(func() error {
		id, err := c.DetermineFreeKeyID()
		if err != nil {
			return err
		}

		tmpl, err := spec.Template()
		if err != nil {
			return err
		}

		req, err := c.t.GenerateAsymmetricKeyPair(id, tmpl)
		if err != nil {
			return err
		}

		cert, desc, err := c.storeGenerated(label, id, spec, req)
		if err != nil {
			c.discardKey(id)

			return err
		}

		cert.ID = id
		cert.Kind = EndEntity
		cert.Label = label

		k := &KeyReference{ID: id, Label: label, Size: spec.Size(), Description: desc, Algorithm: spec.Algorithm()}
		entry = &KeyEntry{Key: k, Certificate: cert}
		c.keys[id] = k
		c.index(entry)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// storeGenerated writes description and request of a freshly generated key.
func (c *Catalog) storeGenerated(label string, id byte, spec *GenerationSpec, req []byte) (*Certificate, []byte, error) {
	cert, err := parseCertificate(req)
	if err != nil {
		return nil, nil, err
	}

	desc, err := PrivateKeyDescription(label, id, spec.Algorithm(), spec.Size())
	if err != nil {
		return nil, nil, err
	}

	if err := c.t.UpdateBinary(FID(PrefixPrivateKeyDescription, id), 0, desc); err != nil {
		return nil, nil, err
	}

	if err := c.t.UpdateBinary(FID(PrefixEECertificate, id), 0, req); err != nil {
		return nil, nil, err
	}

	return cert, desc, nil
}

// discardKey removes the objects of a generated key that never made it into
// the catalog.
func (c *Catalog) discardKey(id byte) {
	for _, fid := range []uint16{
		FID(PrefixEECertificate, id),
		FID(PrefixPrivateKeyDescription, id),
		FID(PrefixKey, id),
	} {
		if err := c.deleteIfPresent(fid); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"fid": fmt.Sprintf("%04X", fid), "id": id}).Warn("discarding generated key")
		}
	}
}

// StoreCertificate replaces the end entity certificate of the key with label,
// e.g. with the certificate issued for the generated request.
func (c *Catalog) StoreCertificate(label string, raw []byte) error {
	e, err := c.Entry(label)
	if err != nil {
		return err
	}

	ke, ok := e.(*KeyEntry)
	if !ok {
		return fmt.Errorf("%w: %q is not a key", ErrUnsupported, label)
	}

	cert, err := parseCertificate(raw)
	if err != nil {
		return err
	}

	if err := c.t.UpdateBinary(FID(PrefixEECertificate, ke.Key.ID), 0, raw); err != nil {
		return err
	}

	cert.ID = ke.Key.ID
	cert.Kind = EndEntity
	cert.Label = label
	ke.Certificate = cert

	return nil
}

// AddCACertificate stores a CA certificate with its description under the
// next free CA id.
func (c *Catalog) AddCACertificate(label string, raw []byte) (*CertificateEntry, error) {
	if err := c.checkLabel(label); err != nil {
		return nil, err
	}

	cert, err := parseCertificate(raw)
	if err != nil {
		return nil, err
	}

	var entry *CertificateEntry

	err = c.t.WithChannel(func() error {
		id, err := c.DetermineFreeCAID()
		if err != nil {
			return err
		}

		// DetermineFreeCAID enumerated again.
		if err := c.checkLabel(label); err != nil {
			return err
		}

		desc := CertificateDescription(label, id)

		if err := c.t.UpdateBinary(FID(PrefixCACertificate, id), 0, raw); err != nil {
			return err
		}

		if err := c.t.UpdateBinary(FID(PrefixCertificateDescription, id), 0, desc); err != nil {
			return err
		}

		cert.ID = id
		cert.Kind = CertificateAuthority
		cert.Label = label
		cert.Description = desc

		c.caCerts[id] = cert
		entry = &CertificateEntry{Certificate: cert}
		c.index(entry)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (c *Catalog) checkLabel(label string) error {
	if label == DeviceAuthenticationLabel {
		return fmt.Errorf("%w: %s", ErrReservedLabel, label)
	}

	if label == "" {
		return fmt.Errorf("%w: empty label", ErrEncoding)
	}

	if _, ok := c.byLabel[label]; ok {
		return fmt.Errorf("%w: %q", ErrLabelExists, label)
	}

	return nil
}
