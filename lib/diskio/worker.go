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
	"runtime"
	"time"

	"github.com/riptide-io/riptide/utils/log"
)

type workerType int

const (
	workerGeneric workerType = iota
	workerHasher
)

// expiryInterval is how often worker 0 sweeps the write LRU for expired
// dirty pieces.
const expiryInterval = 5 * time.Second

// jobHandlers maps each action to its handler. Handlers return how the
// job terminates: done, deferred into the cache, or retried.
var jobHandlers = [numActions]func(*Engine, *Job) outcome{
	ActionRead:            (*Engine).doRead,
	ActionWrite:           (*Engine).doWrite,
	ActionHash:            (*Engine).doHash,
	ActionMoveStorage:     (*Engine).doMoveStorage,
	ActionReleaseFiles:    (*Engine).doReleaseFiles,
	ActionDeleteFiles:     (*Engine).doDeleteFiles,
	ActionCheckFastResume: (*Engine).doCheckFastResume,
	ActionSaveResumeData:  (*Engine).doSaveResumeData,
	ActionRenameFile:      (*Engine).doRenameFile,
	ActionStopTorrent:     (*Engine).doStopTorrent,
	ActionCachePiece:      (*Engine).doCachePiece,
	ActionFinalizeFile:    (*Engine).doFinalizeFile,
	ActionFlushPiece:      (*Engine).doFlushPiece,
	ActionFlushHashed:     (*Engine).doFlushHashed,
	ActionFlushStorage:    (*Engine).doFlushStorage,
	ActionTrimCache:       (*Engine).doTrimCache,
	ActionFilePriority:    (*Engine).doFilePriority,
	ActionLoadTorrent:     (*Engine).doLoadTorrent,
	ActionClearPiece:      (*Engine).doClearPiece,
	ActionTick:            (*Engine).doTick,
}

// workerLoop is the body of one worker goroutine. Generic workers drain
// the general queue; hasher workers drain the hash queue. Worker 0
// additionally drives cache expiry and, as any last exiting worker,
// the final cleanup.
func (e *Engine) workerLoop(id int, typ workerType) {
	log.Debugf("Started disk worker %d", id)
	e.runningWorkers.Inc()

	e.jobMu.Lock()
	for {
		var j *Job
		if typ == workerGeneric {
			for e.queued.empty() && id < e.numWorkers {
				e.jobCond.Wait()
			}
			// When shutting down, worker 0 finishes all queued jobs
			// before exiting.
			if id >= e.numWorkers && !(id == 0 && !e.queued.empty()) {
				break
			}
			j = e.queued.pop()
		} else {
			for e.queuedHash.empty() && id < e.numWorkers {
				e.hashJobCond.Wait()
			}
			if e.queuedHash.empty() && id >= e.numWorkers {
				break
			}
			j = e.queuedHash.pop()
		}
		e.jobMu.Unlock()

		if j != nil {
			if id == 0 {
				e.maybeFlushExpired()
			}
			e.performJob(j)

			e.cache.Lock()
			e.checkCacheLevel()
			e.cache.Unlock()
		}

		e.jobMu.Lock()
	}
	e.spawned--
	e.jobMu.Unlock()

	if e.runningWorkers.Dec() > 0 {
		log.Debugf("Exiting disk worker %d", id)
		return
	}
	e.lastWorkerCleanup(id)
}

// performJob runs one job through its handler and routes the result.
func (e *Engine) performJob(j *Job) {
	e.cache.Lock()
	e.checkCacheLevel()
	e.cache.Unlock()

	e.maybeFlipStats()

	start := e.clk.Now()
	e.outstandingJobs.Inc()
	out := jobHandlers[j.Action](e, j)
	e.outstandingJobs.Dec()

	switch out.kind {
	case outcomeRetry:
		// Requeue at the tail and give up the timeslice so retrying
		// stores don't spin.
		e.jobMu.Lock()
		needYield := e.queued.empty()
		e.queued.push(j)
		e.jobCond.Signal()
		e.jobMu.Unlock()
		if needYield {
			runtime.Gosched()
		}
		return
	case outcomeDefer:
		// The handler handed the job to the cache; completion comes
		// later.
		return
	}

	j.Ret = out.ret
	e.jobTime.Add(e.clk.Now().Sub(start))

	e.addCompletedJobs([]*Job{j})
}

// maybeFlushExpired sweeps expired dirty pieces every expiryInterval.
// Only worker 0 calls this.
func (e *Engine) maybeFlushExpired() {
	now := e.clk.Now()
	if now.Sub(e.lastExpiry) < expiryInterval {
		return
	}
	e.lastExpiry = now

	e.cache.Lock()
	e.flushExpiredWriteBlocks()
	e.cache.Unlock()
}

// checkCacheLevel evicts and, failing that, flushes write blocks when the
// cache exceeds its budget. The low-water mark is dynamic, so this runs
// both before and after every job. Caller holds the cache lock.
func (e *Engine) checkCacheLevel() {
	evict := e.cache.NumToEvict(0)
	if evict <= 0 {
		return
	}
	evict -= e.cache.TryEvictBlocks(evict)
	// Flushing the write LRU while another worker is mid-flush would
	// push out the wrong pieces.
	if evict > 0 && e.writingThreads.Load() == 0 {
		e.tryFlushWriteBlocks(evict)
	}
}

// lastWorkerCleanup runs in the last exiting worker: wait for peers to
// reclaim pinned read buffers, drain the cache aborting suspended jobs,
// release the file pool, and signal shutdown completion.
func (e *Engine) lastWorkerCleanup(id int) {
	e.cache.Lock()
	for e.cache.PinnedBlocks() > 0 {
		e.cache.Unlock()
		e.clk.Sleep(100 * time.Millisecond)
		e.cache.Lock()
	}
	jobs := toJobs(e.cache.Clear())
	e.cache.Unlock()

	// Jobs parked behind fences never got dispatched; abort them too.
	e.handles.Range(func(_, v interface{}) bool {
		jobs = append(jobs, v.(*Handle).fence.drainBlocked()...)
		return true
	})
	e.abortJobs(jobs)

	if e.filePool != nil {
		e.filePool.Release()
	}

	log.Debugf("Disk worker %d was the last one alive, cleanup done", id)
	close(e.stopped)
}

// abortJobs fails every job with ErrAborted and posts it for completion.
func (e *Engine) abortJobs(jobs []*Job) {
	if len(jobs) == 0 {
		return
	}
	for _, j := range jobs {
		j.Ret = -1
		j.Err = ErrAborted
	}
	e.addCompletedJobs(jobs)
}
