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

// addCompletedJobs retires finished jobs: fence bookkeeping runs first,
// any jobs the fences release go back to the dispatcher, then the batch
// lands on the completion ring. One event-loop callback is posted when
// the ring transitions from empty to non-empty.
func (e *Engine) addCompletedJobs(jobs []*Job) {
	var released []*Job
	for _, j := range jobs {
		if j.storage != nil && j.inProgress {
			released = append(released, j.storage.fence.jobComplete(j)...)
		}
	}

	if len(released) > 0 {
		e.blockedJobs.Sub(int32(len(released)))
		e.jobMu.Lock()
		for _, rj := range released {
			if rj.Flags&FlagFence != 0 {
				// Fence jobs run ahead of everything else.
				e.queued.pushFront(rj)
			} else {
				e.queued.push(rj)
			}
		}
		e.jobCond.Broadcast()
		e.jobMu.Unlock()
	}

	e.completedMu.Lock()
	needPost := e.completed.empty()
	for _, j := range jobs {
		e.completed.push(j)
	}
	e.completedMu.Unlock()

	if needPost {
		e.exec.Post(e.callJobHandlers)
	}
}

// callJobHandlers drains the completion ring on the caller's event loop,
// invokes every callback, releases engine-owned buffers, then uncorks the
// network so socket writes triggered by the batch coalesce.
func (e *Engine) callJobHandlers() {
	e.completedMu.Lock()
	jobs := e.completed.drain()
	e.completedMu.Unlock()

	for _, j := range jobs {
		if j.Callback != nil {
			j.Callback(j)
		}
		if j.freeBuffer && j.Buffer != nil {
			e.pool.Release(j.Buffer)
			j.Buffer = nil
		}
	}

	if e.uncork != nil {
		e.uncork.Uncork()
	}
}
