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
	"github.com/riptide-io/riptide/lib/diskio/blockcache"
	"github.com/riptide-io/riptide/lib/fastresume"

	"github.com/willf/bitset"
)

func (e *Engine) doMoveStorage(j *Job) outcome {
	if err := j.storage.backend.Move(j.Path); err != nil {
		j.Err = opError(OpMove, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doReleaseFiles(j *Job) outcome {
	e.cache.Lock()
	e.flushCache(j.storage, flushWrite)
	e.cache.Unlock()

	if err := j.storage.backend.ReleaseFiles(); err != nil {
		j.Err = opError(OpReleaseFiles, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doDeleteFiles(j *Job) outcome {
	e.cache.Lock()
	e.flushCache(j.storage, flushDelete)
	e.cache.Unlock()

	if err := j.storage.backend.DeleteFiles(); err != nil {
		j.Err = opError(OpDeleteFiles, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doCheckFastResume(j *Job) outcome {
	var payload []byte
	if len(j.ResumeData) > 0 {
		data, err := fastresume.Parse(j.ResumeData)
		if err != nil {
			j.Err = opError(OpCheckFastResume, err)
			return done(-1)
		}
		payload = data.BackendPayload()
	}
	if err := j.storage.backend.CheckFastResume(payload); err != nil {
		j.Err = opError(OpCheckFastResume, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doSaveResumeData(j *Job) outcome {
	e.cache.Lock()
	e.flushCache(j.storage, flushWrite)
	e.cache.Unlock()

	payload, err := j.storage.backend.WriteResumeData()
	if err != nil {
		j.Err = opError(OpWriteResumeData, err)
		return done(-1)
	}

	// Wrap the backend payload with the engine's view of which pieces
	// carry a finalized digest.
	hashed := bitset.New(uint(j.storage.NumPieces()))
	e.cache.Lock()
	for _, pe := range e.cache.PiecesFor(j.storage) {
		if pe.HashingDone {
			hashed.Set(uint(pe.Piece))
		}
	}
	e.cache.Unlock()

	data := fastresume.New(e.cache.BlockSize(), hashed, payload)
	raw, err := data.Marshal()
	if err != nil {
		j.Err = opError(OpWriteResumeData, err)
		return done(-1)
	}
	j.ResumeData = raw
	return done(0)
}

func (e *Engine) doRenameFile(j *Job) outcome {
	if err := j.storage.backend.Rename(j.FileIndex, j.Path); err != nil {
		j.Err = opError(OpRename, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doStopTorrent(j *Job) outcome {
	// Flush dirty blocks, drop the read cache, and forget the handle.
	e.cache.Lock()
	e.flushCache(j.storage, flushRead|flushWrite)
	e.cache.Unlock()

	e.handles.Delete(j.storage.id)
	return done(0)
}

// doCachePiece warms the read cache with every missing block of the
// piece, reading one block at a time.
func (e *Engine) doCachePiece(j *Job) outcome {
	cfg := e.config()
	if !cfg.useReadCache() {
		return done(0)
	}

	h := j.storage
	bs := e.cache.BlockSize()
	pieceSize := h.PieceSize(j.Piece)

	e.cache.Lock()
	pe := e.cache.FindPiece(h, j.Piece)
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
	e.cache.IncPieceRef(pe)

	var readErr error
	for i := 0; i < pe.BlocksInPiece(); i++ {
		if pe.Blocks[i].Buf != nil {
			continue
		}
		e.cache.Unlock()

		size := bs
		offset := i * bs
		if pieceSize-offset < bs {
			size = pieceSize - offset
		}
		buf := e.pool.Allocate("read cache")
		if buf == nil {
			e.cache.Lock()
			e.abortFreedJobs(e.cache.DecPieceRef(pe))
			e.cache.Unlock()
			j.Err = opError(OpAllocCachePiece, ErrNoMemory)
			return done(-1)
		}

		start := e.clk.Now()
		if _, err := h.backend.ReadV([][]byte{buf[:size]}, j.Piece, offset, j.Flags); err != nil {
			e.pool.Release(buf)
			readErr = err
			e.cache.Lock()
			break
		}
		e.readTime.Add(e.clk.Now().Sub(start))
		e.blocksRead.Inc()

		e.cache.Lock()
		e.cache.InsertBlocks(pe, i, [][]byte{buf[:size]})
	}

	e.abortFreedJobs(e.cache.DecPieceRef(pe))
	e.cache.Unlock()

	if readErr != nil {
		j.Err = opError(OpReadV, readErr)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doFinalizeFile(j *Job) outcome {
	if err := j.storage.backend.FinalizeFile(j.FileIndex); err != nil {
		j.Err = opError(OpFinalizeFile, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doFlushPiece(j *Job) outcome {
	cfg := e.config()

	e.cache.Lock()
	defer e.cache.Unlock()

	pe := e.cache.FindPiece(j.storage, j.Piece)
	if pe == nil || pe.State.Ghost() {
		return done(0)
	}
	e.tryFlushHashed(pe, cfg.WriteCacheLineSize, cfg)
	return done(0)
}

// doFlushHashed runs the piece's queued flush job. By the time it
// executes, the blocks may already have been flushed by another
// mechanism.
func (e *Engine) doFlushHashed(j *Job) outcome {
	cfg := e.config()

	e.cache.Lock()
	defer e.cache.Unlock()

	pe := e.cache.FindPiece(j.storage, j.Piece)
	if pe == nil || pe.State.Ghost() {
		return done(0)
	}
	pe.OutstandingFlush = false
	if pe.NumDirty == 0 {
		return done(0)
	}

	e.cache.IncPieceRef(pe)

	if !pe.HashingDone {
		if pe.Hash == nil && !cfg.DisableHashChecks {
			pe.Hash = blockcache.NewPartialHash()
		}
		// See if the blocks inserted since the job was queued progress
		// the hash cursor.
		e.kickHasher(pe)
	}

	e.tryFlushHashed(pe, cfg.WriteCacheLineSize, cfg)

	e.abortFreedJobs(e.cache.DecPieceRef(pe))
	return done(0)
}

func (e *Engine) doFlushStorage(j *Job) outcome {
	e.cache.Lock()
	e.flushCache(j.storage, flushWrite)
	e.cache.Unlock()
	return done(0)
}

// doTrimCache is a soft hint from the buffer pool: re-check the cache
// level under lock and complete.
func (e *Engine) doTrimCache(j *Job) outcome {
	e.cache.Lock()
	e.checkCacheLevel()
	e.cache.Unlock()
	return done(0)
}

func (e *Engine) doFilePriority(j *Job) outcome {
	if err := j.storage.backend.SetFilePriority(j.Priorities); err != nil {
		j.Err = opError(OpFilePriority, err)
		return done(-1)
	}
	return done(0)
}

func (e *Engine) doLoadTorrent(j *Job) outcome {
	info, err := LoadTorrentInfo(j.Path)
	if err != nil {
		j.Err = opError(OpLoadTorrent, err)
		return done(-1)
	}
	j.Info = info
	return done(0)
}

// doClearPiece aborts all outstanding jobs on the piece and evicts its
// buffers. Runs as a fence job, so previously issued writes have settled;
// a piece that still cannot be evicted is retried.
func (e *Engine) doClearPiece(j *Job) outcome {
	e.cache.Lock()

	pe := e.cache.FindPiece(j.storage, j.Piece)
	if pe == nil || pe.State.Ghost() {
		e.cache.Unlock()
		return done(0)
	}
	if pe.Hashing || pe.Pinned() {
		e.cache.Unlock()
		return retryJob
	}
	pe.HashingDone = false
	pe.Hash = nil

	// Cleared pieces do not survive as ghosts.
	pjobs := e.cache.MarkForDeletion(pe)
	e.cache.Unlock()

	e.abortJobs(toJobs(pjobs))
	return done(0)
}

func (e *Engine) doTick(j *Job) outcome {
	if j.storage.backend.Tick() {
		return done(1)
	}
	return done(0)
}
