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
	"errors"
	"testing"
	"time"

	"github.com/riptide-io/riptide/lib/diskio/blockcache"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

const (
	testPieceLength = 65536
	testLength      = 8 * testPieceLength
)

func TestWriteCacheLineTriggersSingleVectoredFlush(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          8,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	payload := randomBytes(testPieceLength)
	for block := 0; block < 3; block++ {
		j, out := f.writeBlock(0, block, payload[block*bs:(block+1)*bs])
		require.Equal(deferHandler, out)
		require.Nil(j.Err)
	}
	// Three blocks sit below the contiguous floor; nothing hit storage.
	require.Equal(0, f.backend.numWrites())

	_, out := f.writeBlock(0, 3, payload[3*bs:4*bs])
	require.Equal(deferHandler, out)

	// One writev of four iovecs.
	require.Equal(1, f.backend.numWrites())
	call := f.backend.writeCall(0)
	require.Equal(0, call.piece)
	require.Equal(0, call.offset)
	require.Equal([]int{bs, bs, bs, bs}, call.lengths)
	require.Equal(payload, f.backend.bytes()[:testPieceLength])

	// All four write jobs completed with their byte counts.
	require.Equal(4, f.numCompleted())
	for i := 0; i < 4; i++ {
		require.Nil(f.completedJob(i).Err)
		require.Equal(bs, f.completedJob(i).Ret)
	}

	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.NotNil(pe)
	require.Equal(0, pe.NumDirty)
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestWriteCacheLineFloorHoldsBackPartialPieces(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	// A hashed run of one block sits below the floor of four blocks.
	f.writeBlock(0, 0, randomBytes(bs))
	require.Equal(0, f.backend.numWrites())
	require.Equal(0, f.numCompleted())
}

func TestStripeFlushWaitsForWholeStripe(t *testing.T) {
	require := require.New(t)

	// write_cache_line_size of 8 blocks spans two 4-block pieces.
	f := newEngineFixture(Config{
		CacheSize:          32,
		WriteCacheLineSize: 8,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	f.fillPiece(0)
	require.Equal(0, f.backend.numWrites())

	// Half of piece 1 is not enough.
	payload1 := randomBytes(testPieceLength)
	f.writeBlock(1, 0, payload1[:bs])
	f.writeBlock(1, 1, payload1[bs:2*bs])
	require.Equal(0, f.backend.numWrites())

	// Completing piece 1 flushes the whole stripe as one writev.
	f.writeBlock(1, 2, payload1[2*bs:3*bs])
	f.writeBlock(1, 3, payload1[3*bs:4*bs])

	require.Equal(1, f.backend.numWrites())
	call := f.backend.writeCall(0)
	require.Equal(0, call.piece)
	require.Equal(0, call.offset)
	require.Len(call.lengths, 8)
	require.Equal(payload1, f.backend.bytes()[testPieceLength:2*testPieceLength])

	for _, piece := range []int{0, 1} {
		pe := f.engine.cache.FindPiece(f.handle, piece)
		require.NotNil(pe)
		require.Equal(0, pe.NumDirty)
	}
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestAllowPartialDiskWritesSkipsStripeWait(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:              32,
		WriteCacheLineSize:     8,
		AllowPartialDiskWrites: true,
	}, testPieceLength, testLength)

	f.fillPiece(0)
	// With partial stripe writes allowed, the fully hashed piece flushes
	// without waiting for its stripe sibling.
	require.Equal(1, f.backend.numWrites())
}

func TestWriteErrorKeepsDirtyBlocksForRetry(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          8,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)

	f.backend.setWriteErr(errors.New("disk on fire"))
	payload := f.fillPiece(0)

	// The flush failed: every suspended job completed with the write
	// error, but the blocks keep their dirty bit.
	require.Equal(4, f.numCompleted())
	for i := 0; i < 4; i++ {
		j := f.completedJob(i)
		require.Error(j.Err)
		require.Equal(OpWriteV, j.Err.(*Error).Op)
	}
	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.Equal(4, pe.NumDirty)
	for i := range pe.Blocks {
		require.False(pe.Blocks[i].Pending)
	}

	// A later flush retries the same blocks.
	f.backend.setWriteErr(nil)
	fj := &Job{Action: ActionFlushPiece, Piece: 0, storage: f.handle}
	f.handle.fence.enter(fj, false)
	f.engine.performJob(fj)

	require.Equal(0, pe.NumDirty)
	require.Equal(payload, f.backend.bytes()[:testPieceLength])
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestOutstandingFlushSingleQueuedJob(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          8,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	for block := 0; block < 4; block++ {
		buf := f.engine.AllocateBuffer("test")
		f.engine.AsyncWrite(f.handle, 0, block*bs, buf[:bs], f.record, 0)
	}

	// Back-to-back writes piled up exactly one flush_hashed job.
	f.engine.jobMu.Lock()
	flushJobs := 0
	for _, j := range f.engine.queued.jobs {
		if j.Action == ActionFlushHashed {
			flushJobs++
		}
	}
	f.engine.jobMu.Unlock()
	require.Equal(1, flushJobs)

	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.True(pe.OutstandingFlush)

	// Running the queued flush job clears the flag and, with the piece
	// fully written and hashed, flushes it.
	f.runQueued()
	require.False(pe.OutstandingFlush)
	require.Equal(1, f.backend.numWrites())
}

func TestHashDigestMatchesPayload(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)

	payload := f.fillPiece(0)
	expected := digest.FromBytes(payload)

	j := &Job{Action: ActionHash, Piece: 0, Callback: f.record, storage: f.handle}
	f.handle.fence.enter(j, false)
	f.engine.performJob(j)

	require.Nil(j.Err)
	require.Equal(expected, j.PieceHash)

	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.True(pe.HashingDone)
	require.Nil(pe.Hash)
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestHashReadsBackUncachedBlocks(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)

	// Seed the backend directly; nothing is cached.
	payload := randomBytes(testLength)
	f.backend.seed(payload)

	j := &Job{Action: ActionHash, Piece: 2, Callback: f.record, storage: f.handle}
	f.handle.fence.enter(j, false)
	f.engine.performJob(j)

	require.Nil(j.Err)
	require.Equal(digest.FromBytes(payload[2*testPieceLength:3*testPieceLength]), j.PieceHash)

	// The read-back populated the cache.
	pe := f.engine.cache.FindPiece(f.handle, 2)
	require.NotNil(pe)
	require.Equal(4, pe.NumBlocks)
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestHashRetriesWhileAnotherWorkerHashes(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)
	f.fillPiece(0)

	pe := f.engine.cache.FindPiece(f.handle, 0)
	pe.Hashing = true

	j := &Job{Action: ActionHash, Piece: 0, storage: f.handle}
	f.handle.fence.enter(j, false)
	require.Equal(retryJob, f.engine.doHash(j))

	pe.Hashing = false
	require.Equal(done(0), f.engine.doHash(j))
}

func TestAsyncHashInlineFastPath(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 4,
	}, testPieceLength, testLength)

	// Filling the piece advances the running digest to the full piece.
	payload := f.fillPiece(0)
	before := f.numCompleted()

	f.engine.AsyncHash(f.handle, 0, f.record, 0)

	// No dispatch: the digest was finalized inline.
	require.Equal(before+1, f.numCompleted())
	j := f.completedJob(f.numCompleted() - 1)
	require.Equal(digest.FromBytes(payload), j.PieceHash)
	f.engine.jobMu.Lock()
	require.Empty(f.engine.queuedHash.jobs)
	f.engine.jobMu.Unlock()
}

func TestReadPathPadsToCacheLine(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:         8,
		ReadCacheLineSize: 4,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	payload := randomBytes(testLength)
	f.backend.seed(payload)

	j := &Job{Action: ActionRead, Piece: 3, Offset: 0, Length: bs, Callback: f.record, storage: f.handle}
	f.handle.fence.enter(j, false)
	f.engine.performJob(j)

	require.Nil(j.Err)
	require.Equal(1, f.backend.numReads())
	call := f.backend.readCall(0)
	require.Equal(3, call.piece)
	require.Equal(0, call.offset)
	require.Equal([]int{bs, bs, bs, bs}, call.lengths)

	// The next block is already cached: the read completes inline with
	// no further storage call.
	before := f.numCompleted()
	f.engine.AsyncRead(f.handle, 3, bs, bs, f.record, FlagForceCopy)
	require.Equal(before+1, f.numCompleted())
	hit := f.completedJob(f.numCompleted() - 1)
	require.True(hit.Flags&FlagCacheHit != 0)
	require.Equal(payload[3*testPieceLength+bs:3*testPieceLength+2*bs], hit.Buffer)
	require.Equal(1, f.backend.numReads())
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestZeroCacheSizeUsesUncachedPaths(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{CacheSize: 0}, testPieceLength, testLength)
	bs := f.blockSize()

	payload := randomBytes(bs)
	j, out := f.writeBlock(0, 0, payload)
	require.Equal(done(bs), out)
	require.Nil(j.Err)
	require.Equal(1, f.backend.numWrites())

	// Nothing was cached.
	require.Nil(f.engine.cache.FindPiece(f.handle, 0))

	rj := &Job{Action: ActionRead, Piece: 0, Offset: 0, Length: bs, Callback: f.record, storage: f.handle}
	f.handle.fence.enter(rj, false)
	f.engine.performJob(rj)
	require.Equal(1, f.backend.numReads())
	require.Equal([]int{bs}, f.backend.readCall(0).lengths)
}

func TestWriteThenReadRoundTripRegardlessOfFlush(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 16,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	payload := randomBytes(bs)
	f.writeBlock(5, 1, payload)

	// Not flushed yet; the read is served from the write cache.
	require.Equal(0, f.backend.numWrites())

	before := f.numCompleted()
	f.engine.AsyncRead(f.handle, 5, bs, bs, f.record, FlagForceCopy)
	require.Equal(before+1, f.numCompleted())
	j := f.completedJob(f.numCompleted() - 1)
	require.Nil(j.Err)
	require.Equal(payload, j.Buffer)
}

func TestCacheResizeEvictsCleanBlocks(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:         32,
		ReadCacheLineSize: 4,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	// Cache 12 clean read blocks across three pieces.
	payload := randomBytes(testLength)
	f.backend.seed(payload)
	for piece := 0; piece < 3; piece++ {
		j := &Job{
			Action:  ActionRead,
			Piece:   piece,
			Offset:  0,
			Length:  bs,
			Flags:   FlagForceCopy,
			storage: f.handle,
		}
		f.handle.fence.enter(j, false)
		f.engine.performJob(j)
	}
	require.Equal(12, f.engine.cache.InUse())

	cfg := f.engine.config()
	cfg.CacheSize = 2
	f.engine.SetSettings(cfg)

	require.True(f.engine.cache.InUse() <= 2)
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestDeleteFilesAbortsQueuedJobsAndDropsCache(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 16,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	// A dirty block in cache and three queued reads.
	f.writeBlock(0, 0, randomBytes(bs))
	for i := 0; i < 3; i++ {
		f.engine.AsyncRead(f.handle, 1, i*bs, bs, f.record, 0)
	}

	f.engine.AsyncDeleteFiles(f.handle, f.record)

	// The write job and the reads were aborted; the dirty buffer was
	// dropped without a flush.
	aborted := 0
	f.mu.Lock()
	for _, j := range f.completed {
		if errors.Is(j.Err, ErrAborted) {
			aborted++
		}
	}
	f.mu.Unlock()
	require.Equal(4, aborted)
	require.Equal(0, f.backend.numWrites())
	require.Empty(f.engine.cache.PiecesFor(f.handle))

	// The fenced delete job runs at the head of the queue.
	f.runQueued()
	require.True(f.backend.deleted)
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestFlushExpiredWriteBlocks(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 16,
		CacheExpiry:        time.Minute,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	f.writeBlock(0, 0, randomBytes(bs))
	require.Equal(0, f.backend.numWrites())

	// Young pieces are left alone.
	f.engine.cache.Lock()
	f.engine.flushExpiredWriteBlocks()
	f.engine.cache.Unlock()
	require.Equal(0, f.backend.numWrites())

	f.clk.Add(2 * time.Minute)
	f.engine.cache.Lock()
	f.engine.flushExpiredWriteBlocks()
	f.engine.cache.Unlock()
	require.Equal(1, f.backend.numWrites())

	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.Equal(0, pe.NumDirty)
}

func TestStopTorrentFlushesAndDropsCache(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 16,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	payload := randomBytes(bs)
	f.writeBlock(0, 0, payload)

	f.engine.AsyncStopTorrent(f.handle, f.record)
	f.runQueued()

	// Dirty data hit the disk and the cache no longer knows the storage.
	require.Equal(1, f.backend.numWrites())
	require.Equal(payload, f.backend.bytes()[:bs])
	require.Empty(f.engine.cache.PiecesFor(f.handle))
}

func TestClearPieceDropsHashStateAndBuffers(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 16,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	f.writeBlock(0, 0, randomBytes(bs))
	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.NotNil(pe.Hash)

	f.engine.AsyncClearPiece(f.handle, 0, f.record)
	f.runQueued()

	// The clear is fenced: the outstanding write drained to disk first,
	// completing normally, then the piece was evicted.
	require.Nil(f.engine.cache.FindPiece(f.handle, 0))
	require.Equal(1, f.backend.numWrites())

	found := false
	f.mu.Lock()
	for _, j := range f.completed {
		if j.Action == ActionWrite {
			require.Nil(j.Err)
			require.Equal(bs, j.Ret)
			found = true
		}
	}
	f.mu.Unlock()
	require.True(found)
}

func TestVolatileReadsAreNotMarkedHashingDone(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize: 16,
	}, testPieceLength, testLength)

	payload := randomBytes(testLength)
	f.backend.seed(payload)

	j := &Job{Action: ActionHash, Piece: 0, Flags: FlagVolatileRead, storage: f.handle}
	f.handle.fence.enter(j, false)
	f.engine.performJob(j)

	require.Equal(digest.FromBytes(payload[:testPieceLength]), j.PieceHash)
	pe := f.engine.cache.FindPiece(f.handle, 0)
	require.NotNil(pe)
	require.Equal(blockcache.StateVolatileReadLRU, pe.State)
	require.False(pe.HashingDone)
}

func TestShortLastPieceFlushAndHash(t *testing.T) {
	require := require.New(t)

	// The last piece is 20000 bytes: one full block plus a 3616-byte
	// remainder.
	length := 3*testPieceLength + 20000
	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 1,
	}, testPieceLength, length)
	bs := f.blockSize()

	payload := randomBytes(20000)
	f.writeBlock(3, 0, payload[:bs])
	f.writeBlock(3, 1, payload[bs:])

	// The flush never writes past the piece's real bytes.
	require.Equal(2, f.backend.numWrites())
	last := f.backend.writeCall(1)
	require.Equal(3, last.piece)
	require.Equal([]int{20000 - bs}, last.lengths)
	require.Equal(payload, f.backend.bytes()[3*testPieceLength:])

	// The digest covers only the real bytes.
	j := &Job{Action: ActionHash, Piece: 3, storage: f.handle}
	f.handle.fence.enter(j, false)
	f.engine.performJob(j)
	require.Nil(j.Err)
	require.Equal(digest.FromBytes(payload), j.PieceHash)
	require.NoError(f.engine.cache.CheckInvariants())
}

func TestGetCacheInfoSnapshot(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(Config{
		CacheSize:          16,
		WriteCacheLineSize: 16,
	}, testPieceLength, testLength)
	bs := f.blockSize()

	f.writeBlock(0, 0, randomBytes(bs))
	f.writeBlock(0, 1, randomBytes(bs))

	info := f.engine.GetCacheInfo(f.handle, true)
	require.Equal(2, info.Blocks)
	require.Equal(2, info.DirtyBlocks)
	require.Len(info.Pieces, 1)
	require.Equal(0, info.Pieces[0].Piece)
	require.True(info.Pieces[0].Blocks.Test(0))
	require.True(info.Pieces[0].Blocks.Test(1))
	require.False(info.Pieces[0].Blocks.Test(2))
}
