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
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// PCSCChannel is a Channel to a reader of the PC/SC subsystem.
type PCSCChannel struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
}

var _ Channel = (*PCSCChannel)(nil)

// Readers lists the readers known to the PC/SC subsystem. No readers is not
// an error.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, &TransportError{Op: "establish context", Err: err}
	}
	defer ctx.Release() //nolint:errcheck

	readers, err := ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}

	if err != nil {
		return nil, &TransportError{Op: "list readers", Err: err}
	}

	return readers, nil
}

// OpenPCSC connects to the token in reader in shared mode. Exclusive access
// is taken per operation through transactions.
func OpenPCSC(reader string) (*PCSCChannel, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, &TransportError{Op: "establish context", Err: err}
	}

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release() //nolint:errcheck

		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("reader %q: %w", reader, err)}
	}

	return &PCSCChannel{ctx: ctx, card: card, reader: reader}, nil
}

// Reader returns the name of the connected reader.
func (p *PCSCChannel) Reader() string {
	return p.reader
}

// Acquire implements Channel.
func (p *PCSCChannel) Acquire() error {
	return p.card.BeginTransaction()
}

// Release implements Channel.
func (p *PCSCChannel) Release() error {
	return p.card.EndTransaction(scard.LeaveCard)
}

// Transceive implements Channel.
func (p *PCSCChannel) Transceive(cmd []byte) ([]byte, error) {
	return p.card.Transmit(cmd)
}

// Close disconnects from the card and releases the context.
func (p *PCSCChannel) Close() error {
	err := p.card.Disconnect(scard.LeaveCard)
	if rerr := p.ctx.Release(); err == nil {
		err = rerr
	}

	if err != nil {
		return fmt.Errorf("closing reader %q: %w", p.reader, err)
	}

	return nil
}
