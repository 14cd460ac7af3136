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
	"time"

	"github.com/riptide-io/riptide/lib/diskio/blockcache"

	"github.com/willf/bitset"
)

// sampler keeps an exponential moving average of service times.
type sampler struct {
	mu  sync.Mutex
	avg time.Duration
	set bool
}

func (s *sampler) Add(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.avg = d
		s.set = true
		return
	}
	s.avg += (d - s.avg) / 16
}

func (s *sampler) Value() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avg
}

// PieceInfo describes one cached piece in a CacheInfo snapshot.
type PieceInfo struct {
	Piece        int
	State        blockcache.State
	LastUse      time.Time
	NeedReadback bool

	// NextToHash is the index of the first block the running digest has
	// not consumed, -1 when the piece has no running digest or a worker is
	// advancing it at the moment of the snapshot.
	NextToHash int

	// Blocks marks which blocks of the piece are populated.
	Blocks *bitset.BitSet
}

// CacheInfo is a point-in-time snapshot of the engine and cache state.
type CacheInfo struct {
	blockcache.Counts

	// EMA service times, flipped once per second.
	AvgReadTime  time.Duration
	AvgWriteTime time.Duration
	AvgHashTime  time.Duration
	AvgJobTime   time.Duration

	// Cumulative operation counts.
	BlocksRead    int64
	BlocksWritten int64
	BlocksReadBack int64

	QueuedJobs  int
	BlockedJobs int
	PendingJobs int

	Pieces []PieceInfo
}

// maybeFlipStats publishes the current EMA means into the visible snapshot.
// Runs at most once per second, triggered from the job loop.
func (e *Engine) maybeFlipStats() {
	now := e.clk.Now()

	e.statsMu.Lock()
	if now.Sub(e.lastStatsFlip) < time.Second {
		e.statsMu.Unlock()
		return
	}
	e.lastStatsFlip = now
	read := e.readTime.Value()
	write := e.writeTime.Value()
	hash := e.hashTime.Value()
	job := e.jobTime.Value()
	e.avgReadTime = read
	e.avgWriteTime = write
	e.avgHashTime = hash
	e.avgJobTime = job
	e.statsMu.Unlock()

	e.readTimeGauge.Update(float64(read.Microseconds()))
	e.writeTimeGauge.Update(float64(write.Microseconds()))
	e.hashTimeGauge.Update(float64(hash.Microseconds()))
	e.jobTimeGauge.Update(float64(job.Microseconds()))
}

// GetCacheInfo returns a snapshot of cache occupancy, job counts and
// service times. If h is non-nil, per-piece info is restricted to that
// storage; pass withPieces false to skip the per-piece walk entirely.
func (e *Engine) GetCacheInfo(h *Handle, withPieces bool) *CacheInfo {
	e.cache.Lock()
	defer e.cache.Unlock()

	e.statsMu.Lock()
	info := &CacheInfo{
		Counts:         e.cache.GetCounts(),
		AvgReadTime:    e.avgReadTime,
		AvgWriteTime:   e.avgWriteTime,
		AvgHashTime:    e.avgHashTime,
		AvgJobTime:     e.avgJobTime,
		BlocksRead:     e.blocksRead.Load(),
		BlocksWritten:  e.blocksWritten.Load(),
		BlocksReadBack: e.blocksReadBack.Load(),
		BlockedJobs:    int(e.blockedJobs.Load()),
		PendingJobs:    int(e.outstandingJobs.Load()),
	}
	e.statsMu.Unlock()

	e.jobMu.Lock()
	info.QueuedJobs = e.queued.size() + e.queuedHash.size()
	e.jobMu.Unlock()

	if !withPieces {
		return info
	}

	var entries []*blockcache.Entry
	if h != nil {
		entries = e.cache.PiecesFor(h)
	} else {
		entries = e.cache.AllPieces()
	}
	bs := e.cache.BlockSize()
	for _, pe := range entries {
		if pe.State.Ghost() {
			continue
		}
		blocks := bitset.New(uint(pe.BlocksInPiece()))
		for i := range pe.Blocks {
			if pe.Blocks[i].Buf != nil {
				blocks.Set(uint(i))
			}
		}
		nextToHash := -1
		if pe.Hash != nil && !pe.Hashing {
			nextToHash = (pe.Hash.Offset + bs - 1) / bs
		}
		info.Pieces = append(info.Pieces, PieceInfo{
			Piece:        pe.Piece,
			State:        pe.State,
			LastUse:      pe.Expire,
			NeedReadback: pe.NeedReadback,
			NextToHash:   nextToHash,
			Blocks:       blocks,
		})
	}
	return info
}
