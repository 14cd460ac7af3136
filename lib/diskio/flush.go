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
	"github.com/riptide-io/riptide/utils/log"
)

// flushCache flags.
const (
	flushRead = 1 << iota
	flushWrite
	flushDelete
)

// maxExpiredFlush bounds how many pieces one expiry sweep pins at a time.
const maxExpiredFlush = 200

// blockLen returns the effective length of block i of pe. The last block
// of a short piece holds only the remainder.
func (e *Engine) blockLen(pe *blockcache.Entry, i int) int {
	bs := e.cache.BlockSize()
	if n := pe.Owner.PieceSize(pe.Piece) - i*bs; n < bs {
		return n
	}
	return bs
}

// buildIovec collects the flushable blocks of pe in [start, end): populated,
// dirty and not already pending. Each selected block is marked pending and
// pinned with a flushing reference. Block indices are emitted with base
// added, so iovecs spanning multiple pieces carry global indices.
// Caller holds the cache lock.
func (e *Engine) buildIovec(pe *blockcache.Entry, start, end, base int) ([][]byte, []int) {
	if end > pe.BlocksInPiece() {
		end = pe.BlocksInPiece()
	}

	var bufs [][]byte
	var indices []int
	for i := start; i < end; i++ {
		b := &pe.Blocks[i]
		if b.Buf == nil || b.Pending || !b.Dirty {
			continue
		}
		b.Pending = true
		e.cache.IncBlockRef(pe, i, blockcache.RefFlushing)
		bufs = append(bufs, b.Buf[:e.blockLen(pe, i)])
		indices = append(indices, i+base)
	}
	return bufs, indices
}

// flushIovec issues the actual writes: one WriteV per maximal run of
// consecutive block indices. basePiece is the piece index 0 maps to;
// blocksInPiece converts global block indices back into (piece, offset).
// Runs without any engine lock held.
func (e *Engine) flushIovec(
	h *Handle, basePiece, blocksInPiece int, bufs [][]byte, indices []int) error {

	e.writingThreads.Inc()
	defer e.writingThreads.Dec()

	bs := e.cache.BlockSize()
	start := e.clk.Now()

	var flushErr error
	runStart := 0
	for i := 1; i <= len(indices); i++ {
		if i < len(indices) && indices[i] == indices[i-1]+1 {
			continue
		}
		piece := basePiece + indices[runStart]/blocksInPiece
		offset := (indices[runStart] % blocksInPiece) * bs
		if _, err := h.backend.WriteV(bufs[runStart:i], piece, offset, 0); err != nil {
			flushErr = err
		}
		runStart = i
	}

	if flushErr == nil {
		d := e.clk.Now().Sub(start)
		e.writeTime.Add(d / time.Duration(len(indices)))
		e.blocksWritten.Add(int64(len(indices)))
	} else {
		log.Errorf("Flush of %d blocks at piece %d failed: %s", len(indices), basePiece, flushErr)
	}
	return flushErr
}

// iovecFlushed resets the state of blocks produced by buildIovec after the
// write returned. On success, suspended write jobs whose block turned
// clean complete; on failure every suspended job completes with the write
// error while the blocks keep their dirty bit for a later retry.
// Caller holds the cache lock.
func (e *Engine) iovecFlushed(pe *blockcache.Entry, indices []int, blockOffset int, flushErr error) {
	rel := make([]int, len(indices))
	for i := range indices {
		rel[i] = indices[i] - blockOffset
	}
	e.cache.BlocksFlushed(pe, rel, flushErr == nil)

	var completed []*Job
	if flushErr != nil {
		for _, cj := range pe.TakeJobs() {
			j := cj.(*Job)
			j.Ret = -1
			j.Err = opError(OpWriteV, flushErr)
			completed = append(completed, j)
		}
	} else {
		bs := e.cache.BlockSize()
		var remain []blockcache.Job
		for _, cj := range pe.Jobs {
			j := cj.(*Job)
			if j.Action == ActionWrite && !pe.Blocks[j.Offset/bs].Dirty {
				j.Ret = j.Length
				completed = append(completed, j)
			} else {
				remain = append(remain, cj)
			}
		}
		pe.Jobs = remain
	}
	e.addCompletedJobs(completed)
}

// flushRange issues write commands for the dirty blocks of pe in
// [start, end). Returns the number of blocks flushed. Caller holds the
// cache lock; it is released around the storage write.
func (e *Engine) flushRange(pe *blockcache.Entry, start, end int) int {
	bufs, indices := e.buildIovec(pe, start, end, 0)
	if len(indices) == 0 {
		return 0
	}
	h := pe.Owner.(*Handle)
	e.cache.IncPieceRef(pe)

	e.cache.Unlock()
	flushErr := e.flushIovec(h, pe.Piece, pe.BlocksInPiece(), bufs, indices)
	e.cache.Lock()

	freed := e.cache.DecPieceRef(pe)
	e.iovecFlushed(pe, indices, 0, flushErr)

	if evict := e.cache.NumToEvict(0); evict > 0 {
		e.cache.TryEvictBlocks(evict)
	}
	e.abortFreedJobs(freed)
	return len(indices)
}

// tryFlushHashed flushes as much of pe as has been hashed, subject to a
// contiguous-run floor of contBlock blocks. When the write cache line
// spans multiple pieces and partial stripe writes are not allowed, the
// whole aligned stripe must be ready or nothing is flushed. Returns the
// number of blocks flushed. Caller holds the cache lock.
func (e *Engine) tryFlushHashed(pe *blockcache.Entry, contBlock int, cfg Config) int {
	if contBlock <= 0 {
		contBlock = 1
	}
	if pe.Hash == nil && !pe.HashingDone && !cfg.DisableHashChecks {
		return 0
	}
	if pe.NumDirty == 0 {
		return 0
	}
	if pe.Hashing {
		// Another worker is advancing the digest; it flushes when done.
		return 0
	}

	bs := e.cache.BlockSize()
	n := pe.BlocksInPiece()

	// end is one past the last flushable block: round the hash offset up
	// to include a short last block.
	var end int
	switch {
	case cfg.DisableHashChecks || pe.HashingDone:
		end = n
	default:
		end = (pe.Hash.Offset + bs - 1) / bs
	}

	// Nothing hashed yet, nothing to flush.
	if end == 0 && !pe.NeedReadback {
		return 0
	}

	limit := contBlock
	if limit > n {
		limit = n
	}
	// A fully hashed piece may as well flush everything regardless of the
	// contiguous floor.
	if end == n {
		limit = 1
	}

	if pe.NeedReadback {
		// The piece will be re-read for hashing anyway; flushing frees
		// blocks that keep other pieces from being flushed prematurely.
		end = n
	}

	numDirty := 0
	for i := 0; i < end; i++ {
		if pe.Blocks[i].Dirty && !pe.Blocks[i].Pending {
			numDirty++
		}
	}
	if limit > numDirty {
		return 0
	}

	contPieces := contBlock / n
	if contPieces <= 1 || cfg.AllowPartialDiskWrites {
		return e.flushRange(pe, 0, end)
	}
	return e.flushStripe(pe, contPieces, cfg)
}

// flushStripe flushes the aligned run of contPieces pieces containing pe
// as one vectored write. Every other write piece in the stripe must be fully
// dirty and fully hashed (or exempt); otherwise nothing happens and the
// stripe keeps filling.
func (e *Engine) flushStripe(pe *blockcache.Entry, contPieces int, cfg Config) int {
	h := pe.Owner.(*Handle)
	bs := e.cache.BlockSize()
	n := pe.BlocksInPiece()

	rangeStart := (pe.Piece / contPieces) * contPieces
	rangeEnd := rangeStart + contPieces
	if np := h.NumPieces(); rangeEnd > np {
		rangeEnd = np
	}

	for i := rangeStart; i < rangeEnd; i++ {
		if i == pe.Piece {
			continue
		}
		p2 := e.cache.FindPiece(h, i)
		if p2 == nil || p2.State.Ghost() {
			return 0
		}
		if p2.State != blockcache.StateWriteLRU {
			// Read-cache piece, already flushed.
			continue
		}
		if p2.BlocksInPiece() != n {
			// A short piece breaks the stripe's block alignment.
			return 0
		}
		if p2.Hashing {
			return 0
		}
		cursor := p2.HashCursor(bs)
		if p2.NumDirty == n &&
			(p2.HashingDone || cursor == n || cfg.DisableHashChecks) {
			continue
		}
		return 0
	}

	// The stripe is ready. Build one iovec across all write pieces,
	// pinning each. Block indices are derived per piece so the write
	// dispatcher can split runs at any gap.
	type stripePiece struct {
		entry *blockcache.Entry
		from  int
		to    int
	}
	var pieces []stripePiece
	var bufs [][]byte
	var indices []int
	blockStart := 0
	for i := rangeStart; i < rangeEnd; i++ {
		p2 := pe
		if i != pe.Piece {
			p2 = e.cache.FindPiece(h, i)
		}
		if p2 == nil || p2.State != blockcache.StateWriteLRU {
			blockStart += n
			continue
		}
		e.cache.IncPieceRef(p2)
		from := len(indices)
		b2, i2 := e.buildIovec(p2, 0, n, blockStart)
		bufs = append(bufs, b2...)
		indices = append(indices, i2...)
		pieces = append(pieces, stripePiece{p2, from, len(indices)})
		blockStart += n
	}

	if len(indices) == 0 {
		for _, sp := range pieces {
			e.abortFreedJobs(e.cache.DecPieceRef(sp.entry))
		}
		return 0
	}

	e.cache.Unlock()
	flushErr := e.flushIovec(h, rangeStart, n, bufs, indices)
	e.cache.Lock()

	blockStart = 0
	for _, sp := range pieces {
		blockOffset := (sp.entry.Piece - rangeStart) * n
		freed := e.cache.DecPieceRef(sp.entry)
		e.iovecFlushed(sp.entry, indices[sp.from:sp.to], blockOffset, flushErr)
		e.abortFreedJobs(freed)
	}

	if evict := e.cache.NumToEvict(0); evict > 0 {
		e.cache.TryEvictBlocks(evict)
	}
	return len(indices)
}

// tryFlushWriteBlocks is called when the cache is over its size limit.
// The contiguous-block floor drops to one so every hashed block flushes;
// if that is not enough and nobody else is writing, degrade fully to LRU
// order.
func (e *Engine) tryFlushWriteBlocks(num int) {
	cfg := e.config()

	type target struct {
		owner *Handle
		piece int
	}
	var targets []target
	for _, pe := range e.cache.WriteLRUPieces() {
		if pe.NumDirty == 0 {
			continue
		}
		targets = append(targets, target{pe.Owner.(*Handle), pe.Piece})
	}

	for _, t := range targets {
		if num <= 0 {
			break
		}
		pe := e.cache.FindPiece(t.owner, t.piece)
		if pe == nil || pe.State.Ghost() {
			continue
		}
		e.cache.IncPieceRef(pe)
		e.kickHasher(pe)
		num -= e.tryFlushHashed(pe, 1, cfg)
		e.abortFreedJobs(e.cache.DecPieceRef(pe))
	}

	// Under high pressure a piece may not have had its flush_hashed job
	// run yet; only bypass the hash requirement if no other worker is
	// flushing right now.
	if num <= 0 || e.writingThreads.Load() > 0 {
		return
	}

	for _, t := range targets {
		if num <= 0 {
			break
		}
		pe := e.cache.FindPiece(t.owner, t.piece)
		if pe == nil || pe.State.Ghost() || pe.NumDirty == 0 || pe.Hashing {
			continue
		}
		e.cache.IncPieceRef(pe)
		num -= e.flushRange(pe, 0, pe.BlocksInPiece())
		e.abortFreedJobs(e.cache.DecPieceRef(pe))
	}
}

// flushExpiredWriteBlocks walks the write LRU in last-use order and
// flushes every piece older than the cache expiry. The list is ordered by
// expiry, so the walk stops at the first young entry. Caller holds the
// cache lock.
func (e *Engine) flushExpiredWriteBlocks() {
	cfg := e.config()
	now := e.clk.Now()

	var toFlush []*blockcache.Entry
	for _, pe := range e.cache.WriteLRUPieces() {
		if now.Sub(pe.Expire) < cfg.CacheExpiry {
			break
		}
		if pe.NumDirty == 0 {
			continue
		}
		e.cache.IncPieceRef(pe)
		toFlush = append(toFlush, pe)
		if len(toFlush) == maxExpiredFlush {
			break
		}
	}

	for _, pe := range toFlush {
		e.flushRange(pe, 0, pe.BlocksInPiece())
		e.abortFreedJobs(e.cache.DecPieceRef(pe))
	}
}

// flushPiece applies flushCache flags to one piece. Caller holds the
// cache lock.
func (e *Engine) flushPiece(pe *blockcache.Entry, flags int) {
	if flags&flushDelete != 0 {
		// Drop dirty blocks and fail the suspended jobs with an abort.
		e.abortSuspended(pe)
		e.cache.AbortDirty(pe)
	} else if flags&flushWrite != 0 && pe.NumDirty > 0 {
		e.flushRange(pe, 0, pe.BlocksInPiece())
	}

	if flags&(flushRead|flushDelete) != 0 {
		e.abortSuspended(pe)
		e.abortFreedJobs(e.cache.MarkForDeletion(pe))
	}
}

// flushCache applies flushCache flags to every cached piece of h, or to
// the whole cache if h is nil. Caller holds the cache lock.
func (e *Engine) flushCache(h *Handle, flags int) {
	var entries []*blockcache.Entry
	if h != nil {
		entries = e.cache.PiecesFor(h)
	} else {
		entries = e.cache.AllPieces()
	}
	for _, pe := range entries {
		if pe.State.Ghost() {
			continue
		}
		e.flushPiece(pe, flags)
	}
}

// abortSuspended fails all jobs suspended on pe with ErrAborted.
func (e *Engine) abortSuspended(pe *blockcache.Entry) {
	e.abortJobs(toJobs(pe.TakeJobs()))
}

// abortFreedJobs aborts jobs surfaced by a deferred piece deletion.
func (e *Engine) abortFreedJobs(jobs []blockcache.Job) {
	if len(jobs) == 0 {
		return
	}
	e.abortJobs(toJobs(jobs))
}
