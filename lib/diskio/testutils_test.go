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
package diskio

import (
	"math/rand"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
)

// memCall records one vectored call the stub backend received.
type memCall struct {
	piece   int
	offset  int
	lengths []int
}

type memGeometry struct {
	pieceLength int
	length      int
}

func (g memGeometry) NumPieces() int {
	return (g.length + g.pieceLength - 1) / g.pieceLength
}

func (g memGeometry) PieceSize(i int) int {
	if i == g.NumPieces()-1 {
		if n := g.length % g.pieceLength; n != 0 {
			return n
		}
	}
	return g.pieceLength
}

// memBackend is a minimal in-memory Backend for white-box tests.
type memBackend struct {
	mu       sync.Mutex
	geo      memGeometry
	data     []byte
	reads    []memCall
	writes   []memCall
	readErr  error
	writeErr error
	deleted  bool
	released bool
	moved    string
}

func newMemBackend(pieceLength, length int) *memBackend {
	return &memBackend{
		geo:  memGeometry{pieceLength, length},
		data: make([]byte, length),
	}
}

func (b *memBackend) Files() FileGeometry { return b.geo }

func (b *memBackend) ReadV(bufs [][]byte, piece, offset int, flags JobFlags) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	call := memCall{piece: piece, offset: offset}
	pos := piece*b.geo.pieceLength + offset
	n := 0
	for _, buf := range bufs {
		copy(buf, b.data[pos:])
		pos += len(buf)
		n += len(buf)
		call.lengths = append(call.lengths, len(buf))
	}
	b.reads = append(b.reads, call)
	return n, nil
}

func (b *memBackend) WriteV(bufs [][]byte, piece, offset int, flags JobFlags) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	call := memCall{piece: piece, offset: offset}
	pos := piece*b.geo.pieceLength + offset
	n := 0
	for _, buf := range bufs {
		copy(b.data[pos:], buf)
		pos += len(buf)
		n += len(buf)
		call.lengths = append(call.lengths, len(buf))
	}
	b.writes = append(b.writes, call)
	return n, nil
}

func (b *memBackend) Move(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moved = target
	return nil
}

func (b *memBackend) Rename(fileIndex int, newName string) error { return nil }

func (b *memBackend) ReleaseFiles() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

func (b *memBackend) DeleteFiles() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
	return nil
}

func (b *memBackend) CheckFastResume(data []byte) error { return nil }

func (b *memBackend) WriteResumeData() ([]byte, error) { return []byte("resume"), nil }

func (b *memBackend) SetFilePriority(prios []byte) error { return nil }

func (b *memBackend) FinalizeFile(idx int) error { return nil }

func (b *memBackend) Tick() bool { return true }

func (b *memBackend) numWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func (b *memBackend) numReads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reads)
}

func (b *memBackend) writeCall(i int) memCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[i]
}

func (b *memBackend) readCall(i int) memCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads[i]
}

func (b *memBackend) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *memBackend) seed(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data, data)
}

func (b *memBackend) setWriteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

// engineFixture is an Engine with no workers; tests drive handlers
// directly for determinism.
type engineFixture struct {
	engine  *Engine
	backend *memBackend
	handle  *Handle
	clk     *clock.Mock

	mu        sync.Mutex
	completed []*Job
}

func newEngineFixture(config Config, pieceLength, length int) *engineFixture {
	f := &engineFixture{
		backend: newMemBackend(pieceLength, length),
		clk:     clock.NewMock(),
	}
	f.engine = newEngine(
		config, tally.NoopScope, f.clk,
		ExecutorFunc(func(g func()) { g() }), nil, nil)
	f.handle = f.engine.NewHandle(f.backend)
	return f
}

// record is a job callback collecting completions. The job is snapshotted
// because engine-owned read buffers are reclaimed once the callback
// returns.
func (f *engineFixture) record(j *Job) {
	jc := *j
	if j.Buffer != nil {
		jc.Buffer = append([]byte(nil), j.Buffer...)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, &jc)
}

func (f *engineFixture) numCompleted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func (f *engineFixture) completedJob(i int) *Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[i]
}

func (f *engineFixture) blockSize() int {
	return f.engine.cache.BlockSize()
}

// writeBlock pushes one block through doWrite, the way a dispatched write
// job would run.
func (f *engineFixture) writeBlock(piece, block int, data []byte) (*Job, outcome) {
	buf := f.engine.AllocateBuffer("test write")
	if buf == nil {
		panic("no buffer")
	}
	copy(buf, data)
	buf = buf[:len(data)]

	j := &Job{
		Action:   ActionWrite,
		Piece:    piece,
		Offset:   block * f.blockSize(),
		Length:   len(data),
		Buffer:   buf,
		Callback: f.record,
		storage:  f.handle,
	}
	f.handle.fence.enter(j, false)
	return j, f.engine.doWrite(j)
}

// fillPiece writes every block of the piece with random bytes and returns
// the payload.
func (f *engineFixture) fillPiece(piece int) []byte {
	bs := f.blockSize()
	size := f.handle.PieceSize(piece)
	payload := randomBytes(size)
	for off := 0; off < size; off += bs {
		n := bs
		if size-off < n {
			n = size - off
		}
		f.writeBlock(piece, off/bs, payload[off:off+n])
	}
	return payload
}

// runQueued pops and performs every queued job. Returns the number of
// jobs run.
func (f *engineFixture) runQueued() int {
	n := 0
	for {
		f.engine.jobMu.Lock()
		j := f.engine.queued.pop()
		if j == nil {
			j = f.engine.queuedHash.pop()
		}
		f.engine.jobMu.Unlock()
		if j == nil {
			return n
		}
		f.engine.performJob(j)
		n++
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}
