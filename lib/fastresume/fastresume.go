// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fastresume implements the bencoded resume-data envelope written
// by save_resume_data: the storage backend's own payload plus the
// engine's view of which pieces carry a finalized digest.
package fastresume

import (
	"bytes"
	"errors"
	"fmt"

	bencode "github.com/jackpal/bencode-go"

	"github.com/willf/bitset"
)

const version = 1

// Data is the resume-data envelope.
type Data struct {
	// Exported for bencoding.
	Version   int
	BlockSize int
	Pieces    string
	Backend   string
}

// New builds an envelope from the engine's block size, the hashed-piece
// bitfield and the backend payload.
func New(blockSize int, hashed *bitset.BitSet, payload []byte) *Data {
	raw, _ := hashed.MarshalBinary()
	return &Data{
		Version:   version,
		BlockSize: blockSize,
		Pieces:    string(raw),
		Backend:   string(payload),
	}
}

// Marshal bencodes the envelope.
func (d *Data) Marshal() ([]byte, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *d); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return b.Bytes(), nil
}

// BackendPayload returns the storage backend's portion of the envelope.
func (d *Data) BackendPayload() []byte {
	return []byte(d.Backend)
}

// HashedPieces returns the bitfield of pieces with a finalized digest.
func (d *Data) HashedPieces() (*bitset.BitSet, error) {
	b := bitset.New(0)
	if err := b.UnmarshalBinary([]byte(d.Pieces)); err != nil {
		return nil, fmt.Errorf("unmarshal piece bitfield: %s", err)
	}
	return b, nil
}

// Parse decodes a resume-data envelope.
func Parse(raw []byte) (*Data, error) {
	var d Data
	if err := bencode.Unmarshal(bytes.NewReader(raw), &d); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	if d.Version != version {
		return nil, errors.New("unsupported resume data version")
	}
	return &d, nil
}
