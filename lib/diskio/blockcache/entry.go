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
package blockcache

import (
	"container/list"
	"time"

	"github.com/opencontainers/go-digest"
)

// Owner identifies the storage a cached piece belongs to and provides its
// piece geometry. The cache holds owners only for lookup, never for
// lifetime.
type Owner interface {
	NumPieces() int
	PieceSize(piece int) int
}

// Job is an I/O job suspended on a cached piece. Jobs are opaque to the
// cache; routing completed or aborted jobs is the caller's concern.
type Job interface{}

// State is the LRU list a cached piece lives on.
type State int

// Cache states.
const (
	StateWriteLRU State = iota
	StateReadLRU1
	StateReadLRU2
	StateReadLRU1Ghost
	StateReadLRU2Ghost
	StateVolatileReadLRU
	numStates
)

func (s State) String() string {
	switch s {
	case StateWriteLRU:
		return "write_lru"
	case StateReadLRU1:
		return "read_lru1"
	case StateReadLRU2:
		return "read_lru2"
	case StateReadLRU1Ghost:
		return "read_lru1_ghost"
	case StateReadLRU2Ghost:
		return "read_lru2_ghost"
	case StateVolatileReadLRU:
		return "volatile_read_lru"
	}
	return "unknown"
}

// Ghost returns true if s is a ghost state. Ghost entries carry no buffers,
// only the header survives to detect re-references.
func (s State) Ghost() bool {
	return s == StateReadLRU1Ghost || s == StateReadLRU2Ghost
}

// RefReason tags a block reference count with the operation holding it.
type RefReason int

// Block reference reasons.
const (
	RefFlushing RefReason = iota
	RefHashing
	RefReading
	RefRetained
	numRefReasons
)

// Block is a single cached block of a piece.
type Block struct {
	// Buf is the block's buffer, nil when the block is not populated.
	Buf []byte

	// Dirty is set when the block was written by a peer and has not been
	// persisted yet.
	Dirty bool

	// Pending is set while the block is inside a storage write call.
	// Invariant: Pending implies Dirty and a live buffer.
	Pending bool

	refs     [numRefReasons]int32
	refcount int32
}

// Pinned returns true if any reference is held on the block.
func (b *Block) Pinned() bool {
	return b.refcount > 0
}

// Refs returns the reference count held for the given reason.
func (b *Block) Refs(reason RefReason) int {
	return int(b.refs[reason])
}

// PartialHash is the running digest of a piece, updated in block order.
type PartialHash struct {
	// Digester accumulates the digest of the first Offset bytes.
	Digester digest.Digester

	// Offset is the number of bytes consumed so far. Always a multiple of
	// the block size except when equal to the piece size.
	Offset int
}

// NewPartialHash creates an empty running digest.
func NewPartialHash() *PartialHash {
	return &PartialHash{Digester: digest.SHA256.Digester()}
}

// Entry is a cached piece. All fields are guarded by the cache mutex.
type Entry struct {
	Owner Owner
	Piece int

	// Blocks is sized to the piece's block count. Ghost entries have all
	// buffers freed.
	Blocks []Block

	// NumDirty counts dirty blocks, including pending ones.
	NumDirty int

	// NumBlocks counts populated blocks.
	NumBlocks int

	// PieceRefcount pins the entry against eviction while non-zero.
	PieceRefcount int

	// Hashing is true while a worker is updating Hash. At most one worker
	// may hash an entry at a time.
	Hashing bool

	// HashingDone is set once the digest covered the whole piece and was
	// reported. Implies Hash == nil.
	HashingDone bool

	// NeedReadback is set when a write-before-hash pattern forces the
	// piece to be re-read for hashing.
	NeedReadback bool

	// OutstandingFlush is set while a flush_hashed job is queued for this
	// piece, cleared when the job starts running. At most one such job is
	// queued per piece.
	OutstandingFlush bool

	// MarkedForDeletion defers removal until the last reference drops.
	MarkedForDeletion bool

	// Hash is the running piece digest, nil when no hashing is in
	// progress for the piece.
	Hash *PartialHash

	// Expire is the last-use instant, used for the write-cache timeout.
	Expire time.Time

	// State is the LRU list the entry lives on.
	State State

	// Jobs are I/O jobs suspended waiting on this piece.
	Jobs []Job

	elem *list.Element
}

// BlocksInPiece returns the number of blocks the piece divides into.
func (e *Entry) BlocksInPiece() int {
	return len(e.Blocks)
}

// Pinned returns true if the entry must not be evicted: either the piece
// refcount is held or some block is referenced.
func (e *Entry) Pinned() bool {
	if e.PieceRefcount > 0 {
		return true
	}
	for i := range e.Blocks {
		if e.Blocks[i].Pinned() {
			return true
		}
	}
	return false
}

// HashCursor returns the index of the first block not yet consumed by the
// running digest.
func (e *Entry) HashCursor(blockSize int) int {
	if e.Hash == nil {
		return 0
	}
	return e.Hash.Offset / blockSize
}

// TakeJobs removes and returns all jobs suspended on the entry.
func (e *Entry) TakeJobs() []Job {
	jobs := e.Jobs
	e.Jobs = nil
	return jobs
}
