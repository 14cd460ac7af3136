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

	"github.com/opencontainers/go-digest"
)

// Action is the kind of operation a job performs.
type Action int

// Job actions.
const (
	ActionRead Action = iota
	ActionWrite
	ActionHash
	ActionMoveStorage
	ActionReleaseFiles
	ActionDeleteFiles
	ActionCheckFastResume
	ActionSaveResumeData
	ActionRenameFile
	ActionStopTorrent
	ActionCachePiece
	ActionFinalizeFile
	ActionFlushPiece
	ActionFlushHashed
	ActionFlushStorage
	ActionTrimCache
	ActionFilePriority
	ActionLoadTorrent
	ActionClearPiece
	ActionTick
	numActions
)

var actionNames = [numActions]string{
	"read",
	"write",
	"hash",
	"move_storage",
	"release_files",
	"delete_files",
	"check_fastresume",
	"save_resume_data",
	"rename_file",
	"stop_torrent",
	"cache_piece",
	"finalize_file",
	"flush_piece",
	"flush_hashed",
	"flush_storage",
	"trim_cache",
	"file_priority",
	"load_torrent",
	"clear_piece",
	"tick_storage",
}

func (a Action) String() string {
	if a < 0 || a >= numActions {
		return "unknown"
	}
	return actionNames[a]
}

// JobFlags modify how a job is executed.
type JobFlags uint32

// Job flags.
const (
	// FlagFence marks a job that raised a fence on its storage.
	FlagFence JobFlags = 1 << iota

	// FlagForceCopy disables zero-copy read-cache handouts.
	FlagForceCopy

	// FlagVolatileRead caches read blocks on the volatile list, evicted
	// before anything else.
	FlagVolatileRead

	// FlagCacheHit is set on read jobs served entirely from the cache.
	FlagCacheHit

	// FlagIgnoreFence lets a job bypass a raised fence.
	FlagIgnoreFence
)

// Callback is invoked on the caller's event loop when a job completes.
type Callback func(*Job)

// Job is the descriptor for one asynchronous disk operation. A job lives
// in exactly one collection at a time: a dispatch queue, a piece's
// suspended-job list, a fence's blocked queue, or the completion ring.
type Job struct {
	Action Action
	Piece  int
	Offset int
	Length int
	Flags  JobFlags

	// Buffer is the block payload: input for writes, output for reads.
	Buffer []byte

	// Ref pins the cached block backing Buffer on zero-copy reads. The
	// consumer must pass it to ReclaimBlock when done.
	Ref blockcache.BlockRef

	// PieceHash is the finalized piece digest, set by hash jobs.
	PieceHash digest.Digest

	// Path is the target of move and rename jobs.
	Path string

	// FileIndex is the file operated on by rename and finalize jobs.
	FileIndex int

	// Priorities is the per-file priority vector of file_priority jobs.
	Priorities []byte

	// ResumeData carries the fastresume payload in both directions.
	ResumeData []byte

	// Info is the parsed metainfo produced by load_torrent jobs.
	Info *TorrentInfo

	// Ret is the job's integer return value, typically a byte count.
	Ret int

	// Err is the job's structured error, nil on success.
	Err error

	// Callback is posted to the event loop on completion.
	Callback Callback

	storage *Handle

	// freeBuffer marks Buffer as engine-owned: it is released back to the
	// buffer pool after the callback returns.
	freeBuffer bool

	// inProgress is set while the job counts against its storage's
	// outstanding-job counter.
	inProgress bool
}

// Storage returns the storage handle the job operates on, nil for
// storage-less jobs.
func (j *Job) Storage() *Handle {
	return j.storage
}

// jobQueue is a FIFO of jobs. A job belongs to at most one queue.
type jobQueue struct {
	jobs []*Job
}

func (q *jobQueue) empty() bool {
	return len(q.jobs) == 0
}

func (q *jobQueue) size() int {
	return len(q.jobs)
}

func (q *jobQueue) push(j *Job) {
	q.jobs = append(q.jobs, j)
}

func (q *jobQueue) pushFront(j *Job) {
	q.jobs = append([]*Job{j}, q.jobs...)
}

func (q *jobQueue) pop() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

// drain removes and returns all queued jobs.
func (q *jobQueue) drain() []*Job {
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

// outcome is the result of a job handler.
type outcome struct {
	kind outcomeKind
	ret  int
}

type outcomeKind int

const (
	// outcomeDone posts the job to the completion ring.
	outcomeDone outcomeKind = iota

	// outcomeDefer means the handler handed the job to the cache; no
	// completion is posted now.
	outcomeDefer

	// outcomeRetry requeues the job at the tail of the general queue
	// after yielding the scheduler.
	outcomeRetry
)

func done(ret int) outcome {
	return outcome{kind: outcomeDone, ret: ret}
}

var (
	deferHandler = outcome{kind: outcomeDefer}
	retryJob     = outcome{kind: outcomeRetry}
)
