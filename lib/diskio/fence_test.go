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
	"testing"

	"github.com/stretchr/testify/require"
)

func fenceJob() *Job  { return &Job{Action: ActionMoveStorage} }
func flushJob() *Job  { return &Job{Action: ActionFlushStorage} }
func normalJob() *Job { return &Job{Action: ActionRead} }

func TestFencePostFenceWhenQuiescent(t *testing.T) {
	require := require.New(t)

	var f fence
	j := fenceJob()
	require.Equal(fencePostFence, f.raise(j, flushJob()))
	require.True(j.inProgress)
	require.Equal(1, f.numOutstanding())

	// New jobs arriving while the fence is up are parked.
	nj := normalJob()
	require.True(f.enter(nj, false))
	require.Equal(1, f.numBlocked())

	// Fence completion releases them in order.
	released := f.jobComplete(j)
	require.Equal([]*Job{nj}, released)
	require.True(nj.inProgress)
	require.Equal(0, f.numBlocked())
}

func TestFencePostFlushDrainsBeforeFence(t *testing.T) {
	require := require.New(t)

	var f fence

	running := normalJob()
	require.False(f.enter(running, false))

	j := fenceJob()
	fj := flushJob()
	require.Equal(fencePostFlush, f.raise(j, fj))
	require.True(fj.inProgress)
	require.False(j.inProgress)

	// The running job and the flush job must both finish before the
	// fence job is released.
	require.Empty(f.jobComplete(running))
	released := f.jobComplete(fj)
	require.Equal([]*Job{j}, released)
	require.True(j.inProgress)

	require.Empty(f.jobComplete(j))
	require.Equal(0, f.numOutstanding())
}

func TestFenceIgnoreFenceBypasses(t *testing.T) {
	require := require.New(t)

	var f fence
	require.Equal(fencePostFence, f.raise(fenceJob(), flushJob()))

	nj := normalJob()
	require.False(f.enter(nj, true))
	require.True(nj.inProgress)
}

func TestFenceStackedFences(t *testing.T) {
	require := require.New(t)

	var f fence

	j1 := fenceJob()
	require.Equal(fencePostFence, f.raise(j1, flushJob()))

	// The second fence waits behind the first.
	j2 := fenceJob()
	require.Equal(fenceBlocked, f.raise(j2, flushJob()))

	// A regular job submitted after the second fence must not run before
	// it.
	nj := normalJob()
	require.True(f.enter(nj, false))

	// First fence completes: the storage is quiescent, so the next
	// fence is released, not the regular job.
	released := f.jobComplete(j1)
	require.Equal([]*Job{j2}, released)

	released = f.jobComplete(j2)
	require.Equal([]*Job{nj}, released)
}
