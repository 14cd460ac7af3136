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
	"sync"
)

// fenceStatus is the result of raising a fence on a storage.
type fenceStatus int

const (
	// fencePostFence means no job is outstanding: schedule the fence job
	// immediately, at the head of the queue.
	fencePostFence fenceStatus = iota

	// fencePostFlush means jobs are still outstanding: schedule the
	// synthetic flush job at the head of the queue so dirty blocks drain,
	// and keep the fence job blocked until the storage quiesces.
	fencePostFlush

	// fenceBlocked means another fence was already up; the fence job
	// waits its turn behind it.
	fenceBlocked
)

// fence serializes destructive operations on a storage against its
// outstanding I/O. While a fence is up, newly submitted jobs for the
// storage are parked on the blocked queue, in submission order, and
// released once the fence job completes.
type fence struct {
	mu sync.Mutex

	// fences counts fence jobs not yet completed, scheduled or blocked.
	fences int

	// outstanding counts in-progress jobs: queued for dispatch or
	// executing.
	outstanding int

	blocked jobQueue
}

// enter admits a regular job. Returns true if the job was parked behind a
// raised fence; the caller must not schedule it.
func (f *fence) enter(j *Job, ignoreFence bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fences > 0 && !ignoreFence {
		f.blocked.push(j)
		return true
	}
	f.outstanding++
	j.inProgress = true
	return false
}

// raise puts up the fence for job j. The synthetic flush job fj is only
// admitted in the fencePostFlush case; otherwise the caller discards it.
func (f *fence) raise(j, fj *Job) fenceStatus {
	j.Flags |= FlagFence

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fences > 0 {
		f.fences++
		f.blocked.push(j)
		return fenceBlocked
	}
	f.fences++

	if f.outstanding == 0 {
		f.outstanding++
		j.inProgress = true
		return fencePostFence
	}

	// Jobs are still in flight. The fence job waits on the blocked queue;
	// the flush job goes out now to drain dirty blocks.
	f.blocked.push(j)
	f.outstanding++
	fj.inProgress = true
	return fencePostFlush
}

// jobComplete retires an in-progress job and releases whatever the
// completion unblocks: either the next fence job once the storage is
// quiescent, or the run of regular jobs parked behind a fence that just
// completed. Released jobs are marked in-progress again; the caller
// schedules them (fence jobs at the head of the queue).
func (f *fence) jobComplete(j *Job) []*Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.outstanding <= 0 {
		panic("fence: job completed with no outstanding jobs")
	}
	f.outstanding--
	j.inProgress = false

	if j.Flags&FlagFence != 0 {
		f.fences--
		// The fence came down: release every parked job up to the next
		// fence job.
		var released []*Job
		for !f.blocked.empty() && f.blocked.jobs[0].Flags&FlagFence == 0 {
			rj := f.blocked.pop()
			f.outstanding++
			rj.inProgress = true
			released = append(released, rj)
		}
		if len(released) > 0 {
			return released
		}
	}

	if f.outstanding == 0 && !f.blocked.empty() &&
		f.blocked.jobs[0].Flags&FlagFence != 0 {
		// The storage is quiescent; the next fence job may run.
		fj := f.blocked.pop()
		f.outstanding++
		fj.inProgress = true
		return []*Job{fj}
	}
	return nil
}

func (f *fence) numOutstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

func (f *fence) numBlocked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked.size()
}

// drainBlocked removes and returns all parked jobs. Used on shutdown.
func (f *fence) drainBlocked() []*Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked.drain()
}
