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
	"github.com/satori/go.uuid"
)

// FileGeometry describes how a torrent's content divides into pieces.
type FileGeometry interface {
	NumPieces() int

	// PieceSize returns the byte size of piece i. Only the last piece may
	// be short.
	PieceSize(i int) int
}

// Backend performs the actual reads, writes and filesystem operations for
// one torrent. The engine never holds any of its mutexes while calling
// into a Backend.
type Backend interface {
	// ReadV fills bufs with consecutive data starting at (piece, offset).
	// Returns the number of bytes read.
	ReadV(bufs [][]byte, piece, offset int, flags JobFlags) (int, error)

	// WriteV writes bufs as consecutive data starting at (piece, offset).
	// Returns the number of bytes written.
	WriteV(bufs [][]byte, piece, offset int, flags JobFlags) (int, error)

	Move(target string) error
	Rename(fileIndex int, newName string) error
	ReleaseFiles() error
	DeleteFiles() error
	CheckFastResume(data []byte) error
	WriteResumeData() ([]byte, error)
	SetFilePriority(prios []byte) error
	FinalizeFile(idx int) error

	// Tick returns true if the storage wants further ticks.
	Tick() bool

	Files() FileGeometry
}

// Handle is the engine's reference to a single torrent's on-disk state.
// It carries the piece fence serializing destructive operations against
// outstanding I/O. Handle implements blockcache.Owner.
type Handle struct {
	id      string
	backend Backend
	engine  *Engine
	fence   fence
}

// NewHandle registers a storage backend with the engine and returns its
// handle. All async entry points operate on handles.
func (e *Engine) NewHandle(b Backend) *Handle {
	h := &Handle{
		id:      uuid.NewV4().String(),
		backend: b,
		engine:  e,
	}
	e.handles.Store(h.id, h)
	return h
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Backend returns the underlying storage backend.
func (h *Handle) Backend() Backend { return h.backend }

// NumPieces implements blockcache.Owner.
func (h *Handle) NumPieces() int { return h.backend.Files().NumPieces() }

// PieceSize implements blockcache.Owner.
func (h *Handle) PieceSize(i int) int { return h.backend.Files().PieceSize(i) }

// NumOutstandingJobs returns the number of in-progress jobs on the handle.
func (h *Handle) NumOutstandingJobs() int { return h.fence.numOutstanding() }

// NumBlockedJobs returns the number of jobs blocked behind the fence.
func (h *Handle) NumBlockedJobs() int { return h.fence.numBlocked() }

// blocksInPiece returns the number of blocks piece i divides into.
func (h *Handle) blocksInPiece(i, blockSize int) int {
	return (h.PieceSize(i) + blockSize - 1) / blockSize
}
