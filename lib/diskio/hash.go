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
	"time"

	"github.com/riptide-io/riptide/lib/diskio/blockcache"

	"github.com/opencontainers/go-digest"
)

// kickHasher advances the running digest of pe over every cached block
// following the hash cursor. The blocks are pinned, the digest runs with
// the cache unlocked, and the pins drop afterwards. If the digest now
// covers the whole piece, suspended hash jobs are finalized and completed.
// Caller holds the cache lock. At most one worker hashes a piece at a
// time.
func (e *Engine) kickHasher(pe *blockcache.Entry) {
	if pe.Hash == nil || pe.Hashing {
		return
	}

	pieceSize := pe.Owner.PieceSize(pe.Piece)
	ph := pe.Hash
	if ph.Offset >= pieceSize {
		return
	}

	bs := e.cache.BlockSize()
	cursor := ph.Offset / bs
	end := cursor
	for i := cursor; i < pe.BlocksInPiece(); i++ {
		if pe.Blocks[i].Buf == nil {
			break
		}
		e.cache.IncBlockRef(pe, i, blockcache.RefHashing)
		end++
	}
	if end == cursor {
		return
	}

	pe.Hashing = true

	e.cache.Unlock()

	start := e.clk.Now()
	w := ph.Digester.Hash()
	for i := cursor; i < end; i++ {
		size := bs
		if pieceSize-ph.Offset < bs {
			size = pieceSize - ph.Offset
		}
		w.Write(pe.Blocks[i].Buf[:size])
		ph.Offset += size
	}
	e.hashTime.Add(e.clk.Now().Sub(start) / time.Duration(end-cursor))

	e.cache.Lock()

	pe.Hashing = false
	for i := cursor; i < end; i++ {
		e.cache.DecBlockRef(pe, i, blockcache.RefHashing)
	}

	if ph.Offset != pieceSize {
		return
	}

	// The digest covers the piece; harvest hash jobs hanging off it.
	var hashJobs []*Job
	var remain []blockcache.Job
	for _, cj := range pe.Jobs {
		j := cj.(*Job)
		if j.Action == ActionHash {
			hashJobs = append(hashJobs, j)
		} else {
			remain = append(remain, cj)
		}
	}
	pe.Jobs = remain

	if len(hashJobs) > 0 {
		result := ph.Digester.Digest()
		for _, j := range hashJobs {
			j.PieceHash = result
			j.Ret = 0
		}
		pe.Hash = nil
		if pe.State != blockcache.StateVolatileReadLRU {
			pe.HashingDone = true
		}
		e.addCompletedJobs(hashJobs)
	}
}

// doHash computes the piece digest, feeding cached blocks directly and
// reading missing blocks back from storage (inserting them into the read
// cache on the way). Returns retry if another worker is hashing the piece
// right now.
func (e *Engine) doHash(j *Job) outcome {
	cfg := e.config()
	if cfg.CacheSize == 0 {
		return e.doUncachedHash(j)
	}

	h := j.storage
	pieceSize := h.PieceSize(j.Piece)

	e.cache.Lock()

	pe := e.cache.FindPiece(h, j.Piece)
	if pe != nil && !pe.State.Ghost() {
		e.cache.Touch(pe, j.Flags&FlagVolatileRead != 0)

		e.cache.IncPieceRef(pe)
		e.kickHasher(pe)
		e.abortFreedJobs(e.cache.DecPieceRef(pe))

		// kickHasher may have finished the piece off.
		if pe.Hash != nil && !pe.Hashing && pe.Hash.Offset == pieceSize {
			j.PieceHash = pe.Hash.Digester.Digest()
			pe.Hash = nil
			if pe.State != blockcache.StateVolatileReadLRU {
				pe.HashingDone = true
			}
			e.cache.Unlock()
			return done(0)
		}
	}

	if (pe == nil || pe.State.Ghost()) && !cfg.useReadCache() {
		e.cache.Unlock()
		// The piece is not cached and the read cache is off: everything
		// is on disk already and caching the read-back would be wasted.
		return e.doUncachedHash(j)
	}

	if pe == nil || pe.State.Ghost() {
		state := blockcache.StateReadLRU1
		if j.Flags&FlagVolatileRead != 0 {
			state = blockcache.StateVolatileReadLRU
		}
		pe = e.cache.AllocatePiece(h, j.Piece, state)
	}
	if pe == nil {
		e.cache.Unlock()
		j.Err = opError(OpAllocCachePiece, ErrNoMemory)
		return done(-1)
	}

	if pe.Hashing {
		// Another worker is mid-digest; try again in a little bit.
		e.cache.Unlock()
		return retryJob
	}

	pe.Hashing = true
	e.cache.IncPieceRef(pe)

	if pe.Hash == nil {
		pe.HashingDone = false
		pe.Hash = blockcache.NewPartialHash()
	}
	ph := pe.Hash

	bs := e.cache.BlockSize()
	n := pe.BlocksInPiece()

	// Pin every block that is already cached so the walk below can feed
	// them to the digest without the lock.
	var locked []int
	for i := ph.Offset / bs; i < n; i++ {
		if pe.Blocks[i].Buf != nil {
			e.cache.IncBlockRef(pe, i, blockcache.RefHashing)
			locked = append(locked, i)
		}
	}

	e.cache.Unlock()

	w := ph.Digester.Hash()
	var readErr error
	next := 0
	for i := ph.Offset / bs; i < n; i++ {
		size := bs
		if pieceSize-ph.Offset < bs {
			size = pieceSize - ph.Offset
		}

		if next < len(locked) && locked[next] == i {
			next++
			w.Write(pe.Blocks[i].Buf[:size])
			ph.Offset += size
			continue
		}

		buf := e.pool.Allocate("hashing")
		if buf == nil {
			e.cache.Lock()
			for _, li := range locked {
				e.cache.DecBlockRef(pe, li, blockcache.RefHashing)
			}
			pe.Hashing = false
			pe.Hash = nil
			freed := e.cache.DecPieceRef(pe)
			e.cache.Unlock()
			e.abortFreedJobs(freed)

			j.Err = opError(OpAllocCachePiece, ErrNoMemory)
			return done(-1)
		}

		start := e.clk.Now()
		if _, err := h.backend.ReadV([][]byte{buf[:size]}, j.Piece, ph.Offset, j.Flags); err != nil {
			e.pool.Release(buf)
			readErr = err
			break
		}
		e.readTime.Add(e.clk.Now().Sub(start))
		e.blocksRead.Inc()
		e.blocksReadBack.Add(int64(size))

		w.Write(buf[:size])
		ph.Offset += size

		e.cache.Lock()
		e.cache.InsertBlocks(pe, i, [][]byte{buf[:size]})
		e.cache.Unlock()
	}

	e.cache.Lock()
	for _, li := range locked {
		e.cache.DecBlockRef(pe, li, blockcache.RefHashing)
	}
	pe.Hashing = false

	if readErr == nil {
		j.PieceHash = ph.Digester.Digest()
		pe.Hash = nil
		if pe.State != blockcache.StateVolatileReadLRU {
			pe.HashingDone = true
		}
	}
	freed := e.cache.DecPieceRef(pe)
	e.cache.Unlock()
	e.abortFreedJobs(freed)

	if readErr != nil {
		j.Err = opError(OpReadV, readErr)
		return done(-1)
	}
	return done(0)
}

// doUncachedHash reads the piece block by block into a scratch buffer and
// digests it, bypassing the cache entirely.
func (e *Engine) doUncachedHash(j *Job) outcome {
	h := j.storage
	pieceSize := h.PieceSize(j.Piece)
	bs := e.cache.BlockSize()

	buf := e.pool.Allocate("hashing")
	if buf == nil {
		j.Err = opError(OpAllocCachePiece, ErrNoMemory)
		return done(-1)
	}
	defer e.pool.Release(buf)

	d := digest.SHA256.Digester()
	w := d.Hash()
	offset := 0
	for offset < pieceSize {
		size := bs
		if pieceSize-offset < bs {
			size = pieceSize - offset
		}

		start := e.clk.Now()
		if _, err := h.backend.ReadV([][]byte{buf[:size]}, j.Piece, offset, j.Flags); err != nil {
			j.Err = opError(OpReadV, err)
			return done(-1)
		}
		e.readTime.Add(e.clk.Now().Sub(start))
		e.blocksRead.Inc()

		w.Write(buf[:size])
		offset += size
	}

	j.PieceHash = d.Digest()
	return done(0)
}
