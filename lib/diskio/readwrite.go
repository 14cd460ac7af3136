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
)

// doUncachedRead reads straight from storage into a single pool buffer.
func (e *Engine) doUncachedRead(j *Job) outcome {
	buf := e.pool.Allocate("send buffer")
	if buf == nil {
		j.Err = opError(OpAllocCachePiece, ErrNoMemory)
		return done(-1)
	}

	start := e.clk.Now()
	if _, err := j.storage.backend.ReadV(
		[][]byte{buf[:j.Length]}, j.Piece, j.Offset, j.Flags); err != nil {
		e.pool.Release(buf)
		j.Err = opError(OpReadV, err)
		return done(-1)
	}
	e.readTime.Add(e.clk.Now().Sub(start))
	e.blocksRead.Inc()
	e.blocksReadBack.Add(int64(j.Length))

	j.Buffer = buf[:j.Length]
	j.freeBuffer = true
	return done(j.Length)
}

// doRead serves a cache-missed read: the request is padded to the read
// cache line, read in one vectored call at a block-aligned offset, and
// the blocks inserted into the cache before copying out the originally
// requested range.
func (e *Engine) doRead(j *Job) outcome {
	cfg := e.config()
	if !cfg.useReadCache() {
		return e.doUncachedRead(j)
	}

	h := j.storage
	bs := e.cache.BlockSize()
	pieceSize := h.PieceSize(j.Piece)
	blocksInPiece := (pieceSize + bs - 1) / bs

	startBlock := j.Offset / bs
	needed := (j.Offset+j.Length+bs-1)/bs - startBlock
	iovLen := cfg.ReadCacheLineSize
	if iovLen < needed {
		iovLen = needed
	}
	if iovLen > blocksInPiece-startBlock {
		iovLen = blocksInPiece - startBlock
	}

	e.cache.Lock()
	if evict := e.cache.NumToEvict(iovLen); evict > 0 {
		e.cache.TryEvictBlocks(evict)
	}
	e.cache.Unlock()

	// Allocate the iovec buffers. Partial allocation rolls back and the
	// read degrades to the uncached path.
	bufs := make([][]byte, 0, iovLen)
	for i := 0; i < iovLen; i++ {
		b := e.pool.Allocate("read cache")
		if b == nil {
			for _, rb := range bufs {
				e.pool.Release(rb)
			}
			return e.doUncachedRead(j)
		}
		bufs = append(bufs, b)
	}

	adjustedOffset := startBlock * bs
	for i := range bufs {
		size := bs
		if n := pieceSize - adjustedOffset - i*bs; n < bs {
			size = n
		}
		bufs[i] = bufs[i][:size]
	}

	start := e.clk.Now()
	_, err := h.backend.ReadV(bufs, j.Piece, adjustedOffset, j.Flags)
	if err != nil {
		for _, rb := range bufs {
			e.pool.Release(rb)
		}
		j.Err = opError(OpReadV, err)
		return done(-1)
	}
	e.readTime.Add(e.clk.Now().Sub(start) / time.Duration(len(bufs)))
	e.blocksRead.Add(int64(len(bufs)))

	volatileRead := j.Flags&FlagVolatileRead != 0

	e.cache.Lock()
	pe := e.cache.FindPiece(h, j.Piece)
	if pe == nil || pe.State.Ghost() {
		state := blockcache.StateReadLRU1
		if volatileRead {
			state = blockcache.StateVolatileReadLRU
		}
		pe = e.cache.AllocatePiece(h, j.Piece, state)
	}
	if pe == nil {
		e.cache.Unlock()
		for _, rb := range bufs {
			e.pool.Release(rb)
		}
		j.Err = opError(OpAllocCachePiece, ErrNoMemory)
		return done(-1)
	}

	e.cache.InsertBlocks(pe, startBlock, bufs)

	buf, ref, rerr := e.cache.TryRead(
		h, j.Piece, j.Offset, j.Length, volatileRead, j.Flags&FlagForceCopy != 0)
	e.cache.Unlock()

	if rerr != nil {
		j.Err = opError(OpAllocCachePiece, ErrNoMemory)
		return done(-1)
	}
	j.Buffer = buf
	j.Ref = ref
	j.freeBuffer = !ref.Valid()
	return done(j.Length)
}

// doUncachedWrite writes the job's buffer straight through to storage and
// returns it to the pool.
func (e *Engine) doUncachedWrite(j *Job) outcome {
	start := e.clk.Now()
	e.writingThreads.Inc()
	_, err := j.storage.backend.WriteV(
		[][]byte{j.Buffer[:j.Length]}, j.Piece, j.Offset, j.Flags)
	e.writingThreads.Dec()

	e.pool.Release(j.Buffer)
	j.Buffer = nil

	if err != nil {
		j.Err = opError(OpWriteV, err)
		return done(-1)
	}
	e.writeTime.Add(e.clk.Now().Sub(start))
	e.blocksWritten.Inc()
	return done(j.Length)
}

// doWrite stages the block in the write cache, kicks the hasher forward
// and flushes if the piece satisfies the hashed-flush conditions. Falls
// through to the uncached path when the cache rejects the block.
func (e *Engine) doWrite(j *Job) outcome {
	cfg := e.config()

	if cfg.useWriteCache() {
		bs := e.cache.BlockSize()

		e.cache.Lock()
		pe := e.cache.AddDirtyBlock(j.storage, j.Piece, j.Offset/bs, j.Buffer, j)
		if pe != nil {
			if !pe.HashingDone && pe.Hash == nil && !cfg.DisableHashChecks {
				pe.Hash = blockcache.NewPartialHash()
			}

			e.cache.IncPieceRef(pe)

			// See if the new block can progress the hash cursor, then
			// flush if the piece satisfies the write-cache-line floor.
			e.kickHasher(pe)
			e.tryFlushHashed(pe, cfg.WriteCacheLineSize, cfg)

			e.abortFreedJobs(e.cache.DecPieceRef(pe))
			e.cache.Unlock()
			return deferHandler
		}
		e.cache.Unlock()
	}

	return e.doUncachedWrite(j)
}
