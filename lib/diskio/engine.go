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

// Package diskio implements the disk I/O core of the riptide engine: an
// asynchronous job dispatcher over a worker pool, a shared block cache
// with hashed write-back, an incremental piece hasher, and per-storage
// fences serializing destructive operations.
package diskio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/riptide-io/riptide/lib/diskio/blockcache"
	"github.com/riptide-io/riptide/lib/diskio/bufferpool"
	"github.com/riptide-io/riptide/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/syncmap"
)

// Executor posts completion callbacks onto the caller's event loop. All
// job callbacks for one drain of the completion ring run in a single Post.
type Executor interface {
	Post(func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(func())

// Post implements Executor.
func (f ExecutorFunc) Post(g func()) { f(g) }

// Uncorker flushes network writes accumulated by completion handlers, so
// socket writes triggered by one completion batch coalesce.
type Uncorker interface {
	Uncork()
}

// Releaser releases pooled resources. Used for the disk file pool, closed
// by the last exiting worker.
type Releaser interface {
	Release()
}

// Engine dispatches asynchronous disk jobs across a worker pool and owns
// the block cache. One Engine serves many storages.
type Engine struct {
	stats tally.Scope
	clk   clock.Clock

	exec     Executor
	uncork   Uncorker
	filePool Releaser

	settings atomic.Value // Config

	pool  *bufferpool.Pool
	cache *blockcache.Cache

	jobMu       sync.Mutex
	queued      jobQueue
	queuedHash  jobQueue
	jobCond     *sync.Cond
	hashJobCond *sync.Cond
	numWorkers  int // target, guarded by jobMu
	spawned     int // guarded by jobMu

	runningWorkers  *uatomic.Int32
	outstandingJobs *uatomic.Int32
	blockedJobs     *uatomic.Int32
	writingThreads  *uatomic.Int32

	completedMu sync.Mutex
	completed   jobQueue

	handles syncmap.Map // id -> *Handle

	readTime  sampler
	writeTime sampler
	hashTime  sampler
	jobTime   sampler

	statsMu       sync.Mutex
	lastStatsFlip time.Time
	avgReadTime   time.Duration
	avgWriteTime  time.Duration
	avgHashTime   time.Duration
	avgJobTime    time.Duration

	blocksRead     *uatomic.Int64
	blocksWritten  *uatomic.Int64
	blocksReadBack *uatomic.Int64

	readTimeGauge  tally.Gauge
	writeTimeGauge tally.Gauge
	hashTimeGauge  tally.Gauge
	jobTimeGauge   tally.Gauge

	lastExpiry time.Time // worker 0 only

	stopped chan struct{}
}

// New creates an Engine and starts its workers. uncork and filePool may be
// nil.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	exec Executor,
	uncork Uncorker,
	filePool Releaser) *Engine {

	e := newEngine(config, stats, clk, exec, uncork, filePool)
	e.SetNumWorkers(e.config().NumWorkers)
	return e
}

// newEngine builds an Engine without spawning any workers.
func newEngine(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	exec Executor,
	uncork Uncorker,
	filePool Releaser) *Engine {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "diskio",
	})

	e := &Engine{
		stats:           stats,
		clk:             clk,
		exec:            exec,
		uncork:          uncork,
		filePool:        filePool,
		runningWorkers:  uatomic.NewInt32(0),
		outstandingJobs: uatomic.NewInt32(0),
		blockedJobs:     uatomic.NewInt32(0),
		writingThreads:  uatomic.NewInt32(0),
		blocksRead:      uatomic.NewInt64(0),
		blocksWritten:   uatomic.NewInt64(0),
		blocksReadBack:  uatomic.NewInt64(0),
		readTimeGauge:   stats.Gauge("avg_read_time_us"),
		writeTimeGauge:  stats.Gauge("avg_write_time_us"),
		hashTimeGauge:   stats.Gauge("avg_hash_time_us"),
		jobTimeGauge:    stats.Gauge("avg_job_time_us"),
		lastStatsFlip:   clk.Now(),
		lastExpiry:      clk.Now(),
		stopped:         make(chan struct{}),
	}
	e.jobCond = sync.NewCond(&e.jobMu)
	e.hashJobCond = sync.NewCond(&e.jobMu)

	e.pool = bufferpool.New(bufferpool.Config{
		BlockSize: config.BlockSize,
		MaxBlocks: poolLimit(config),
	}, stats, e.onPoolPressure)
	e.cache = blockcache.New(config.BlockCache, stats, e.pool, clk)
	e.cache.SetLimit(config.CacheSize)

	e.settings.Store(config)
	return e
}

// poolLimit leaves headroom above the cache budget for in-flight uncached
// operations. Zero cache size means uncached operation with no pool bound.
func poolLimit(config Config) int {
	if config.CacheSize == 0 {
		return 0
	}
	return config.CacheSize * 2
}

func (e *Engine) config() Config {
	return e.settings.Load().(Config)
}

// SetSettings publishes a new immutable settings snapshot. Workers pick it
// up at the top of their next job.
func (e *Engine) SetSettings(config Config) {
	config = config.applyDefaults()
	e.settings.Store(config)
	e.pool.SetMaxBlocks(poolLimit(config))

	e.cache.Lock()
	e.cache.SetLimit(config.CacheSize)
	e.checkCacheLevel()
	e.cache.Unlock()
}

// SetNumWorkers adjusts the worker pool. Shrinking is asynchronous:
// surplus workers exit after their current job.
func (e *Engine) SetNumWorkers(n int) {
	e.jobMu.Lock()
	e.numWorkers = n
	for id := e.spawned; id < n; id++ {
		typ := workerGeneric
		if id&0x3 == 3 {
			typ = workerHasher
		}
		go e.workerLoop(id, typ)
	}
	if n > e.spawned {
		e.spawned = n
	}
	e.jobCond.Broadcast()
	e.hashJobCond.Broadcast()
	e.jobMu.Unlock()
}

// Stop shuts down all workers and blocks until the last worker finished
// cleanup: pinned blocks reclaimed, cache drained, file pool released.
func (e *Engine) Stop() {
	e.SetNumWorkers(0)
	<-e.stopped
}

// Stopped is closed once the last worker finished cleanup.
func (e *Engine) Stopped() <-chan struct{} {
	return e.stopped
}

// AllocateBuffer returns a block buffer for a pending write, evicting
// cached blocks if the pool is under pressure. Returns nil when no buffer
// is available; the caller may SubscribeToDisk to be told when to retry.
func (e *Engine) AllocateBuffer(category string) []byte {
	b := e.pool.Allocate(category)
	if b != nil {
		return b
	}
	e.cache.Lock()
	e.cache.TryEvictBlocks(e.cache.NumToEvict(1))
	e.cache.Unlock()
	return e.pool.Allocate(category)
}

// FreeBuffer returns a buffer obtained from AllocateBuffer.
func (e *Engine) FreeBuffer(b []byte) {
	e.pool.Release(b)
}

// SubscribeToDisk registers an observer notified when the buffer pool
// frees memory.
func (e *Engine) SubscribeToDisk(o bufferpool.Observer) {
	e.pool.Subscribe(o)
}

// ReclaimBlock returns a zero-copy read buffer to the cache.
func (e *Engine) ReclaimBlock(ref blockcache.BlockRef) {
	e.cache.Lock()
	jobs := e.cache.ReclaimBlock(ref)
	e.cache.Unlock()
	e.abortJobs(toJobs(jobs))
}

// onPoolPressure is invoked by the buffer pool when it crosses its soft
// limit. Queues a trim job which re-checks the cache level under lock.
func (e *Engine) onPoolPressure() {
	e.addJob(&Job{Action: ActionTrimCache}, false)
}

// AsyncRead reads length bytes at (piece, offset). Cache hits complete
// inline on the caller; anything else is dispatched to the workers. The
// completion's Buffer is engine-owned unless Ref is valid, in which case
// the consumer must ReclaimBlock it.
func (e *Engine) AsyncRead(h *Handle, piece, offset, length int, cb Callback, flags JobFlags) {
	j := &Job{
		Action:   ActionRead,
		Piece:    piece,
		Offset:   offset,
		Length:   length,
		Flags:    flags,
		Callback: cb,
		storage:  h,
	}

	if e.config().useReadCache() {
		e.cache.Lock()
		buf, ref, err := e.cache.TryRead(
			h, piece, offset, length,
			flags&FlagVolatileRead != 0, flags&FlagForceCopy != 0)
		e.cache.Unlock()
		switch err {
		case nil:
			j.Flags |= FlagCacheHit
			j.Buffer = buf
			j.Ref = ref
			j.Ret = length
			j.freeBuffer = !ref.Valid()
			e.completeInline(j)
			return
		case blockcache.ErrNoMemory:
			j.Ret = -1
			j.Err = opError(OpAllocCachePiece, ErrNoMemory)
			e.completeInline(j)
			return
		}
	}
	e.addJob(j, false)
}

// AsyncWrite stages one block written by a peer. buf must come from
// AllocateBuffer; ownership passes to the engine. The completion fires
// once the block is accepted and flushed (cached path) or written through
// (uncached path).
func (e *Engine) AsyncWrite(h *Handle, piece, offset int, buf []byte, cb Callback, flags JobFlags) {
	j := &Job{
		Action:   ActionWrite,
		Piece:    piece,
		Offset:   offset,
		Length:   len(buf),
		Buffer:   buf,
		Flags:    flags,
		Callback: cb,
		storage:  h,
	}

	cfg := e.config()
	if cfg.useWriteCache() {
		if h.fence.enter(j, flags&FlagIgnoreFence != 0) {
			e.blockedJobs.Inc()
			return
		}

		bs := int(cfg.BlockSize)
		e.cache.Lock()
		pe := e.cache.AddDirtyBlock(h, piece, offset/bs, buf, j)
		if pe != nil {
			scheduleFlush := false
			if !pe.OutstandingFlush {
				// At most one queued flush_hashed job per piece.
				pe.OutstandingFlush = true
				scheduleFlush = true
			}
			e.cache.Unlock()
			if scheduleFlush {
				e.addJob(&Job{
					Action:  ActionFlushHashed,
					Piece:   piece,
					Flags:   flags,
					storage: h,
				}, false)
			}
			return
		}
		e.cache.Unlock()

		// The cache rejected the block; run the write uncached. The job
		// already entered the fence.
		e.enqueue(j)
		return
	}
	e.addJob(j, false)
}

// AsyncHash computes the piece digest. If the cache already holds a
// finalized-range digest covering the whole piece, the job completes
// inline.
func (e *Engine) AsyncHash(h *Handle, piece int, cb Callback, flags JobFlags) {
	j := &Job{
		Action:   ActionHash,
		Piece:    piece,
		Flags:    flags,
		Callback: cb,
		storage:  h,
	}

	pieceSize := h.PieceSize(piece)

	e.cache.Lock()
	pe := e.cache.FindPiece(h, piece)
	if pe != nil && !pe.Hashing && pe.Hash != nil && pe.Hash.Offset == pieceSize {
		j.PieceHash = pe.Hash.Digester.Digest()
		pe.Hash = nil
		if pe.State != blockcache.StateVolatileReadLRU {
			pe.HashingDone = true
		}
		e.cache.Unlock()
		e.completeInline(j)
		return
	}
	e.cache.Unlock()

	e.addJob(j, false)
}

// AsyncCachePiece reads every missing block of the piece into the read
// cache.
func (e *Engine) AsyncCachePiece(h *Handle, piece int, cb Callback, flags JobFlags) {
	e.addJob(&Job{
		Action:   ActionCachePiece,
		Piece:    piece,
		Flags:    flags,
		Callback: cb,
		storage:  h,
	}, false)
}

// AsyncFlushPiece flushes whatever has been hashed of the piece.
func (e *Engine) AsyncFlushPiece(h *Handle, piece int, cb Callback) {
	j := &Job{
		Action:   ActionFlushPiece,
		Piece:    piece,
		Callback: cb,
		storage:  h,
	}

	e.jobMu.Lock()
	noWorkers := e.numWorkers == 0
	e.jobMu.Unlock()
	if noWorkers {
		j.Ret = -1
		j.Err = ErrAborted
		e.completeInline(j)
		return
	}
	e.addJob(j, false)
}

// AsyncMoveStorage moves the storage to a new path. Fenced.
func (e *Engine) AsyncMoveStorage(h *Handle, target string, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:   ActionMoveStorage,
		Path:     target,
		Callback: cb,
		storage:  h,
	})
}

// AsyncReleaseFiles flushes dirty blocks and closes the storage's files.
// Fenced.
func (e *Engine) AsyncReleaseFiles(h *Handle, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:   ActionReleaseFiles,
		Callback: cb,
		storage:  h,
	})
}

// AsyncDeleteFiles drops all cached state for the storage, aborts its
// queued jobs and deletes its files. Fenced.
func (e *Engine) AsyncDeleteFiles(h *Handle, cb Callback) {
	// Drop cache blocks belonging to this storage before the fence goes
	// up: queued jobs for it are aborted, dirty buffers discarded.
	e.cache.Lock()
	e.flushCache(h, flushDelete)
	e.cache.Unlock()

	// Sweep still-queued jobs for this storage out of the general queue.
	e.jobMu.Lock()
	var keep, abort []*Job
	for _, qj := range e.queued.drain() {
		if qj.storage == h {
			abort = append(abort, qj)
		} else {
			keep = append(keep, qj)
		}
	}
	e.queued.jobs = keep
	e.jobMu.Unlock()
	e.abortJobs(abort)

	e.addFenceJob(h, &Job{
		Action:   ActionDeleteFiles,
		Callback: cb,
		storage:  h,
	})
}

// AsyncCheckFastResume validates resume data against the storage. Fenced.
func (e *Engine) AsyncCheckFastResume(h *Handle, data []byte, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:     ActionCheckFastResume,
		ResumeData: data,
		Callback:   cb,
		storage:    h,
	})
}

// AsyncSaveResumeData flushes dirty blocks and produces the resume-data
// envelope. Fenced.
func (e *Engine) AsyncSaveResumeData(h *Handle, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:   ActionSaveResumeData,
		Callback: cb,
		storage:  h,
	})
}

// AsyncRenameFile renames one file of the storage. Fenced.
func (e *Engine) AsyncRenameFile(h *Handle, fileIndex int, newName string, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:    ActionRenameFile,
		FileIndex: fileIndex,
		Path:      newName,
		Callback:  cb,
		storage:   h,
	})
}

// AsyncStopTorrent flushes and drops all cached state for the storage.
// Fenced.
func (e *Engine) AsyncStopTorrent(h *Handle, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:   ActionStopTorrent,
		Callback: cb,
		storage:  h,
	})
}

// AsyncFinalizeFile tells the storage a file received its last byte.
func (e *Engine) AsyncFinalizeFile(h *Handle, fileIndex int, cb Callback) {
	e.addJob(&Job{
		Action:    ActionFinalizeFile,
		FileIndex: fileIndex,
		Callback:  cb,
		storage:   h,
	}, false)
}

// AsyncSetFilePriority updates the storage's per-file priorities. Fenced.
func (e *Engine) AsyncSetFilePriority(h *Handle, prios []byte, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:     ActionFilePriority,
		Priorities: prios,
		Callback:   cb,
		storage:    h,
	})
}

// AsyncLoadTorrent parses a metainfo file into piece geometry.
func (e *Engine) AsyncLoadTorrent(path string, cb Callback) {
	e.addJob(&Job{
		Action:   ActionLoadTorrent,
		Path:     path,
		Callback: cb,
	}, false)
}

// AsyncTickTorrent delivers a periodic tick to the storage.
func (e *Engine) AsyncTickTorrent(h *Handle, cb Callback) {
	e.addJob(&Job{
		Action:   ActionTick,
		Callback: cb,
		storage:  h,
	}, false)
}

// AsyncClearPiece aborts outstanding jobs on the piece and evicts its
// buffers. Fenced, so all previously issued writes settle first.
func (e *Engine) AsyncClearPiece(h *Handle, piece int, cb Callback) {
	e.addFenceJob(h, &Job{
		Action:   ActionClearPiece,
		Piece:    piece,
		Callback: cb,
		storage:  h,
	})
}

// ClearReadCache synchronously drops all cached pieces of the storage,
// aborting their suspended jobs.
func (e *Engine) ClearReadCache(h *Handle) {
	e.cache.Lock()
	var jobs []*Job
	for _, pe := range e.cache.PiecesFor(h) {
		if ok, pjobs := e.cache.EvictPiece(pe); ok {
			jobs = append(jobs, toJobs(pjobs)...)
		}
	}
	e.cache.Unlock()
	e.abortJobs(jobs)
}

// ClearPiece synchronously evicts a piece, dropping any hash state. No
// jobs may be outstanding on the piece.
func (e *Engine) ClearPiece(h *Handle, piece int) {
	e.cache.Lock()
	pe := e.cache.FindPiece(h, piece)
	if pe == nil {
		e.cache.Unlock()
		return
	}
	if pe.Hashing {
		log.Fatalf("Invariant violation: clearing piece %d while hashing", piece)
	}
	pe.HashingDone = false
	pe.Hash = nil
	ok, pjobs := e.cache.EvictPiece(pe)
	e.cache.Unlock()
	if !ok {
		log.Errorf("Failed to evict piece %d on clear: still referenced", piece)
	}
	e.abortJobs(toJobs(pjobs))
}

// SubmitJobs wakes the workers for all jobs queued since the last call.
// Entry points only enqueue, so that a burst of requests is dispatched
// with a single wakeup.
func (e *Engine) SubmitJobs() {
	e.jobMu.Lock()
	if !e.queued.empty() {
		e.jobCond.Broadcast()
	}
	if !e.queuedHash.empty() {
		e.hashJobCond.Broadcast()
	}
	e.jobMu.Unlock()
}

// addJob admits a job, parking it if the storage's fence is up, and places
// it on the right dispatch queue.
func (e *Engine) addJob(j *Job, ignoreFence bool) {
	if j.storage != nil && j.storage.fence.enter(j, ignoreFence) {
		e.blockedJobs.Inc()
		return
	}
	e.enqueue(j)
}

// enqueue places an already-admitted job on a dispatch queue. Hash jobs
// have a dedicated queue once the pool is large enough to hold a hasher
// worker.
func (e *Engine) enqueue(j *Job) {
	e.jobMu.Lock()
	if e.numWorkers > 3 && j.Action == ActionHash {
		e.queuedHash.push(j)
	} else {
		e.queued.push(j)
	}
	e.jobMu.Unlock()
}

// addFenceJob admits a destructive job through the storage's fence.
func (e *Engine) addFenceJob(h *Handle, j *Job) {
	fj := &Job{Action: ActionFlushStorage, storage: h}

	switch h.fence.raise(j, fj) {
	case fencePostFence:
		// Nothing outstanding: the fence job runs now, ahead of anything
		// queued. The flush job is discarded.
		e.jobMu.Lock()
		e.queued.pushFront(j)
		e.jobMu.Unlock()
	case fencePostFlush:
		// Jobs are still in flight; drain dirty blocks first.
		e.blockedJobs.Inc()
		e.jobMu.Lock()
		e.queued.pushFront(fj)
		e.jobMu.Unlock()
	case fenceBlocked:
		e.blockedJobs.Inc()
	}
}

// completeInline invokes the callback on the caller thread. Used by fast
// paths that never enter the dispatcher.
func (e *Engine) completeInline(j *Job) {
	if j.Callback != nil {
		j.Callback(j)
	}
	if j.freeBuffer && j.Buffer != nil {
		e.pool.Release(j.Buffer)
		j.Buffer = nil
	}
}

func toJobs(jobs []blockcache.Job) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.(*Job))
	}
	return out
}
