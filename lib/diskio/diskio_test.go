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
package diskio_test

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/riptide-io/riptide/lib/diskio"
	"github.com/riptide-io/riptide/lib/diskio/testfs"
	"github.com/riptide-io/riptide/utils/testutil"

	"github.com/andres-erbsen/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

const (
	pieceLength = 65536
	numPieces   = 8
	blockSize   = 16384
)

func engineFixture(config diskio.Config) (*diskio.Engine, *testfs.Backend, *diskio.Handle) {
	e := diskio.New(
		config, tally.NoopScope, clock.New(),
		diskio.ExecutorFunc(func(f func()) { go f() }), nil, nil)
	b := testfs.New(pieceLength, numPieces*pieceLength)
	return e, b, e.NewHandle(b)
}

func TestEngineWriteHashReadLifecycle(t *testing.T) {
	require := require.New(t)

	e, backend, h := engineFixture(diskio.Config{
		NumWorkers:         4,
		CacheSize:          64,
		WriteCacheLineSize: 4,
	})
	defer e.Stop()

	payload := make([]byte, numPieces*pieceLength)
	rand.Read(payload)

	// Write every block of every piece.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for p := 0; p < numPieces; p++ {
		for off := 0; off < pieceLength; off += blockSize {
			buf := e.AllocateBuffer("test write")
			require.NotNil(buf)
			copy(buf, payload[p*pieceLength+off:p*pieceLength+off+blockSize])

			wg.Add(1)
			e.AsyncWrite(h, p, off, buf, func(j *diskio.Job) {
				mu.Lock()
				if j.Err != nil {
					errs = append(errs, j.Err)
				}
				mu.Unlock()
				wg.Done()
			}, 0)
		}
		e.SubmitJobs()
	}
	wg.Wait()
	require.Empty(errs)

	// Everything the peers sent is on disk.
	require.NoError(testutil.PollUntilTrue(5*time.Second, func() bool {
		return string(backend.Data()) == string(payload)
	}))

	// Hash every piece; digests must match the payload.
	digests := make([]digest.Digest, numPieces)
	for p := 0; p < numPieces; p++ {
		p := p
		wg.Add(1)
		e.AsyncHash(h, p, func(j *diskio.Job) {
			mu.Lock()
			if j.Err != nil {
				errs = append(errs, j.Err)
			}
			digests[p] = j.PieceHash
			mu.Unlock()
			wg.Done()
		}, 0)
		e.SubmitJobs()
	}
	wg.Wait()
	require.Empty(errs)
	for p := 0; p < numPieces; p++ {
		require.Equal(
			digest.FromBytes(payload[p*pieceLength:(p+1)*pieceLength]), digests[p])
	}

	// Read blocks back; force copies so nothing stays pinned across Stop.
	read := make([]byte, blockSize)
	for p := 0; p < numPieces; p++ {
		wg.Add(1)
		e.AsyncRead(h, p, blockSize, blockSize, func(j *diskio.Job) {
			mu.Lock()
			if j.Err != nil {
				errs = append(errs, j.Err)
			} else {
				copy(read, j.Buffer)
			}
			mu.Unlock()
			wg.Done()
		}, diskio.FlagForceCopy)
		e.SubmitJobs()
		wg.Wait()
		require.Empty(errs)
		require.Equal(payload[p*pieceLength+blockSize:p*pieceLength+2*blockSize], read)
	}

	info := e.GetCacheInfo(h, false)
	require.True(info.Blocks > 0)
	require.Equal(0, info.DirtyBlocks)
	require.True(info.BlocksWritten >= numPieces*4)
}

func TestEngineUncachedLifecycle(t *testing.T) {
	require := require.New(t)

	e, backend, h := engineFixture(diskio.Config{
		NumWorkers: 2,
		CacheSize:  0,
	})
	defer e.Stop()

	payload := make([]byte, blockSize)
	rand.Read(payload)

	buf := e.AllocateBuffer("test write")
	copy(buf, payload)

	done := make(chan *diskio.Job, 1)
	e.AsyncWrite(h, 0, 0, buf, func(j *diskio.Job) { done <- j }, 0)
	e.SubmitJobs()
	j := <-done
	require.Nil(j.Err)

	require.Equal(payload, backend.Data()[:blockSize])

	readDone := make(chan []byte, 1)
	e.AsyncRead(h, 0, 0, blockSize, func(j *diskio.Job) {
		require.Nil(j.Err)
		readDone <- append([]byte(nil), j.Buffer...)
	}, 0)
	e.SubmitJobs()
	require.Equal(payload, <-readDone)
}

func TestEngineFencedOperations(t *testing.T) {
	require := require.New(t)

	e, backend, h := engineFixture(diskio.Config{
		NumWorkers:         2,
		CacheSize:          16,
		WriteCacheLineSize: 16,
	})
	defer e.Stop()

	// Stage a dirty block so the move has something to drain.
	buf := e.AllocateBuffer("test write")
	rand.Read(buf)
	var wg sync.WaitGroup
	wg.Add(1)
	e.AsyncWrite(h, 0, 0, buf, func(j *diskio.Job) { wg.Done() }, 0)

	wg.Add(1)
	e.AsyncMoveStorage(h, "/new/path", func(j *diskio.Job) {
		require.Nil(j.Err)
		wg.Done()
	})
	e.SubmitJobs()
	wg.Wait()

	require.Equal("/new/path", backend.Moved())

	wg.Add(1)
	e.AsyncRenameFile(h, 0, "renamed", func(j *diskio.Job) {
		require.Nil(j.Err)
		wg.Done()
	})
	e.SubmitJobs()
	wg.Wait()
	require.Equal("renamed", backend.Renamed(0))
}

func TestEngineResumeDataRoundTrip(t *testing.T) {
	require := require.New(t)

	e, _, h := engineFixture(diskio.Config{
		NumWorkers:         2,
		CacheSize:          16,
		WriteCacheLineSize: 4,
	})
	defer e.Stop()

	done := make(chan *diskio.Job, 1)
	e.AsyncSaveResumeData(h, func(j *diskio.Job) { done <- j })
	e.SubmitJobs()
	j := <-done
	require.Nil(j.Err)
	require.NotEmpty(j.ResumeData)

	// The produced envelope validates against the same backend.
	e.AsyncCheckFastResume(h, j.ResumeData, func(j *diskio.Job) { done <- j })
	e.SubmitJobs()
	j = <-done
	require.Nil(j.Err)
}

func TestEngineTickAndLoadTorrent(t *testing.T) {
	require := require.New(t)

	e, backend, h := engineFixture(diskio.Config{NumWorkers: 1})
	defer e.Stop()

	done := make(chan *diskio.Job, 1)
	e.AsyncTickTorrent(h, func(j *diskio.Job) { done <- j })
	e.SubmitJobs()
	j := <-done
	require.Nil(j.Err)
	require.Equal(1, j.Ret)
	require.Equal(1, backend.Ticks())

	e.AsyncLoadTorrent("noexist.torrent", func(j *diskio.Job) { done <- j })
	e.SubmitJobs()
	j = <-done
	require.Error(j.Err)
}

func TestEngineStopClosesStoppedAfterJobsComplete(t *testing.T) {
	require := require.New(t)

	e, _, h := engineFixture(diskio.Config{
		NumWorkers: 1,
		CacheSize:  16,
	})

	var completions sync.WaitGroup
	for i := 0; i < 4; i++ {
		completions.Add(1)
		e.AsyncRead(h, 0, i*blockSize, blockSize, func(j *diskio.Job) {
			completions.Done()
		}, diskio.FlagForceCopy)
	}
	e.SubmitJobs()
	completions.Wait()

	e.Stop()
	stopped := false
	select {
	case <-e.Stopped():
		stopped = true
	default:
	}
	require.True(stopped)
}
