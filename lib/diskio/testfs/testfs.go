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

// Package testfs implements an in-memory storage backend for tests and
// the bench tool. It records every vectored call it receives and supports
// error injection.
package testfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/riptide-io/riptide/lib/diskio"
)

// Call records one vectored operation the backend received.
type Call struct {
	Piece   int
	Offset  int
	Lengths []int
}

// Bytes returns the total byte count of the call.
func (c Call) Bytes() int {
	n := 0
	for _, l := range c.Lengths {
		n += l
	}
	return n
}

type geometry struct {
	pieceLength int
	length      int
}

func (g geometry) NumPieces() int {
	return (g.length + g.pieceLength - 1) / g.pieceLength
}

func (g geometry) PieceSize(i int) int {
	if i == g.NumPieces()-1 {
		if n := g.length % g.pieceLength; n != 0 {
			return n
		}
	}
	return g.pieceLength
}

// Backend is an in-memory diskio.Backend.
type Backend struct {
	mu sync.Mutex

	geometry geometry
	data     []byte

	reads  []Call
	writes []Call

	released  bool
	deleted   bool
	moved     string
	renames   map[int]string
	prios     []byte
	finalized map[int]bool
	resume    []byte
	ticks     int
	tickMore  bool

	// readErr and writeErr, when set, fail all matching operations.
	readErr  error
	writeErr error
}

// New creates an empty backend with the given geometry.
func New(pieceLength, length int) *Backend {
	return &Backend{
		geometry:  geometry{pieceLength, length},
		data:      make([]byte, length),
		renames:   make(map[int]string),
		finalized: make(map[int]bool),
		tickMore:  true,
	}
}

// Files implements diskio.Backend.
func (b *Backend) Files() diskio.FileGeometry { return b.geometry }

// ReadV implements diskio.Backend.
func (b *Backend) ReadV(bufs [][]byte, piece, offset int, flags diskio.JobFlags) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readErr != nil {
		return 0, b.readErr
	}

	call := Call{Piece: piece, Offset: offset}
	pos := piece*b.geometry.pieceLength + offset
	n := 0
	for _, buf := range bufs {
		if pos+len(buf) > len(b.data) {
			return n, fmt.Errorf("read past end: pos %d len %d", pos, len(buf))
		}
		copy(buf, b.data[pos:])
		pos += len(buf)
		n += len(buf)
		call.Lengths = append(call.Lengths, len(buf))
	}
	b.reads = append(b.reads, call)
	return n, nil
}

// WriteV implements diskio.Backend.
func (b *Backend) WriteV(bufs [][]byte, piece, offset int, flags diskio.JobFlags) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writeErr != nil {
		return 0, b.writeErr
	}
	if b.deleted {
		return 0, errors.New("files deleted")
	}

	call := Call{Piece: piece, Offset: offset}
	pos := piece*b.geometry.pieceLength + offset
	n := 0
	for _, buf := range bufs {
		if pos+len(buf) > len(b.data) {
			return n, fmt.Errorf("write past end: pos %d len %d", pos, len(buf))
		}
		copy(b.data[pos:], buf)
		pos += len(buf)
		n += len(buf)
		call.Lengths = append(call.Lengths, len(buf))
	}
	b.writes = append(b.writes, call)
	return n, nil
}

// Move implements diskio.Backend.
func (b *Backend) Move(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moved = target
	return nil
}

// Rename implements diskio.Backend.
func (b *Backend) Rename(fileIndex int, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renames[fileIndex] = newName
	return nil
}

// ReleaseFiles implements diskio.Backend.
func (b *Backend) ReleaseFiles() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

// DeleteFiles implements diskio.Backend.
func (b *Backend) DeleteFiles() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
	b.data = make([]byte, len(b.data))
	return nil
}

// CheckFastResume implements diskio.Backend.
func (b *Backend) CheckFastResume(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resume != nil && string(data) != string(b.resume) {
		return errors.New("resume data mismatch")
	}
	return nil
}

// WriteResumeData implements diskio.Backend.
func (b *Backend) WriteResumeData() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resume = []byte(fmt.Sprintf("testfs:%d", len(b.data)))
	return b.resume, nil
}

// SetFilePriority implements diskio.Backend.
func (b *Backend) SetFilePriority(prios []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prios = append([]byte(nil), prios...)
	return nil
}

// FinalizeFile implements diskio.Backend.
func (b *Backend) FinalizeFile(idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized[idx] = true
	return nil
}

// Tick implements diskio.Backend.
func (b *Backend) Tick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks++
	return b.tickMore
}

// Seed fills the backend with data.
func (b *Backend) Seed(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data, data)
}

// Data returns a copy of the stored bytes.
func (b *Backend) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Reads returns the recorded read calls.
func (b *Backend) Reads() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.reads...)
}

// Writes returns the recorded write calls.
func (b *Backend) Writes() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.writes...)
}

// Moved returns the path the storage was moved to, if any.
func (b *Backend) Moved() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moved
}

// Released returns true if ReleaseFiles was called.
func (b *Backend) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Deleted returns true if DeleteFiles was called.
func (b *Backend) Deleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}

// Renamed returns the recorded rename for fileIndex.
func (b *Backend) Renamed(fileIndex int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renames[fileIndex]
}

// Ticks returns how many ticks the backend received.
func (b *Backend) Ticks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticks
}

// SetTickMore controls the Tick return value.
func (b *Backend) SetTickMore(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickMore = v
}

// SetReadErr injects a read error.
func (b *Backend) SetReadErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErr = err
}

// SetWriteErr injects a write error.
func (b *Backend) SetWriteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}
