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

// Package blockcache implements the shared block cache of the disk I/O
// engine: a two-queue adaptive read cache with ghost entries, a write LRU
// for dirty blocks awaiting flush, and reason-tagged reference counts that
// pin blocks against eviction.
package blockcache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/riptide-io/riptide/lib/diskio/bufferpool"
	"github.com/riptide-io/riptide/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
)

// Cache errors.
var (
	// ErrMiss is returned by TryRead when some requested block is not
	// cached.
	ErrMiss = errors.New("block cache miss")

	// ErrNoMemory is returned when the buffer pool cannot satisfy an
	// allocation.
	ErrNoMemory = errors.New("no cache buffer available")
)

// Config defines Cache configuration.
type Config struct {
	// GhostListSize bounds each ghost list, in pieces.
	GhostListSize int `yaml:"ghost_list_size"`
}

func (c Config) applyDefaults() Config {
	if c.GhostListSize == 0 {
		c.GhostListSize = 8
	}
	return c
}

type pieceKey struct {
	owner Owner
	piece int
}

// BlockRef is a handle on a pinned cached block handed out by TryRead.
// The holder must return it via ReclaimBlock exactly once.
type BlockRef struct {
	entry *Entry
	block int
}

// Valid returns true if the ref points at a pinned block.
func (r BlockRef) Valid() bool {
	return r.entry != nil
}

// Cache owns all cached piece entries. The cache exposes its mutex: every
// other method must be called with the lock held, so callers can compose
// multiple operations atomically. The lock is never held across storage
// I/O.
type Cache struct {
	mu sync.Mutex

	pool *bufferpool.Pool
	clk  clock.Clock

	config    Config
	maxBlocks int

	inUse  int
	pinned int

	pieces map[pieceKey]*Entry
	owners map[Owner]*bitset.BitSet

	lists      [numStates]*list.List
	listBlocks [numStates]int

	// lru1Target is the adaptive block budget of read_lru1, grown on
	// read_lru1_ghost hits and shrunk on read_lru2_ghost hits.
	lru1Target int

	hits      tally.Counter
	misses    tally.Counter
	ghostHits tally.Counter
	evictions tally.Counter
}

// New creates a new Cache backed by the given buffer pool.
func New(config Config, stats tally.Scope, pool *bufferpool.Pool, clk clock.Clock) *Cache {
	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "blockcache",
	})

	c := &Cache{
		pool:      pool,
		clk:       clk,
		config:    config,
		pieces:    make(map[pieceKey]*Entry),
		owners:    make(map[Owner]*bitset.BitSet),
		hits:      stats.Counter("hits"),
		misses:    stats.Counter("misses"),
		ghostHits: stats.Counter("ghost_hits"),
		evictions: stats.Counter("evictions"),
	}
	for i := range c.lists {
		c.lists[i] = list.New()
	}
	return c
}

// Lock acquires the cache mutex.
func (c *Cache) Lock() { c.mu.Lock() }

// Unlock releases the cache mutex.
func (c *Cache) Unlock() { c.mu.Unlock() }

// BlockSize returns the fixed block size.
func (c *Cache) BlockSize() int { return c.pool.BlockSize() }

// SetLimit updates the cached-block budget.
func (c *Cache) SetLimit(blocks int) {
	c.maxBlocks = blocks
	if c.lru1Target > blocks/2 {
		c.lru1Target = blocks / 2
	}
}

// Limit returns the cached-block budget.
func (c *Cache) Limit() int { return c.maxBlocks }

// InUse returns the number of cached block buffers.
func (c *Cache) InUse() int { return c.inUse }

// PinnedBlocks returns the number of blocks retained by external holders.
func (c *Cache) PinnedBlocks() int { return c.pinned }

// NumPieces returns the number of live (non-ghost) entries.
func (c *Cache) NumPieces() int {
	n := 0
	for s := State(0); s < numStates; s++ {
		if !s.Ghost() {
			n += c.lists[s].Len()
		}
	}
	return n
}

// blockLen returns the effective length of block i: the last block of a
// short piece holds only the remainder.
func (c *Cache) blockLen(e *Entry, i int) int {
	bs := c.BlockSize()
	pieceSize := e.Owner.PieceSize(e.Piece)
	if n := pieceSize - i*bs; n < bs {
		return n
	}
	return bs
}

// FindPiece returns the entry for (owner, piece), ghost entries included,
// or nil.
func (c *Cache) FindPiece(o Owner, piece int) *Entry {
	return c.pieces[pieceKey{o, piece}]
}

// AllocatePiece returns the entry for (owner, piece), creating it in the
// given state if missing. A ghost entry is resurrected: the hit enlarges
// the adaptive target of the queue it was evicted from and the header
// moves to read_lru2.
func (c *Cache) AllocatePiece(o Owner, piece int, state State) *Entry {
	if piece < 0 || piece >= o.NumPieces() {
		return nil
	}
	if e := c.pieces[pieceKey{o, piece}]; e != nil {
		if e.State.Ghost() {
			c.resurrect(e)
		}
		return e
	}

	bs := c.BlockSize()
	pieceSize := o.PieceSize(piece)
	blocks := (pieceSize + bs - 1) / bs

	e := &Entry{
		Owner:  o,
		Piece:  piece,
		Blocks: make([]Block, blocks),
		Expire: c.clk.Now(),
		State:  state,
	}
	c.pieces[pieceKey{o, piece}] = e
	ow, ok := c.owners[o]
	if !ok {
		ow = bitset.New(uint(o.NumPieces()))
		c.owners[o] = ow
	}
	ow.Set(uint(piece))
	e.elem = c.lists[state].PushFront(e)
	return e
}

// resurrect promotes a ghost header back into the live read cache.
func (c *Cache) resurrect(e *Entry) {
	c.ghostHits.Inc(1)
	delta := e.BlocksInPiece()
	switch e.State {
	case StateReadLRU1Ghost:
		c.lru1Target += delta
		if c.lru1Target > c.maxBlocks/2 {
			c.lru1Target = c.maxBlocks / 2
		}
	case StateReadLRU2Ghost:
		c.lru1Target -= delta
		if c.lru1Target < 0 {
			c.lru1Target = 0
		}
	}
	c.moveToList(e, StateReadLRU2)
	e.Expire = c.clk.Now()
}

// Touch records a cache hit: promotes read_lru1 entries to read_lru2 and
// refreshes the entry's position and expiry.
func (c *Cache) Touch(e *Entry, volatileRead bool) {
	c.hits.Inc(1)
	if e.State == StateReadLRU1 && !volatileRead {
		c.moveToList(e, StateReadLRU2)
	} else {
		c.lists[e.State].MoveToFront(e.elem)
	}
	e.Expire = c.clk.Now()
}

// moveToList transfers an entry between LRU lists, keeping the per-list
// block counters in sync.
func (c *Cache) moveToList(e *Entry, state State) {
	c.lists[e.State].Remove(e.elem)
	c.listBlocks[e.State] -= e.NumBlocks
	e.State = state
	e.elem = c.lists[state].PushFront(e)
	c.listBlocks[state] += e.NumBlocks
}

// setBlockBuf populates block i with buf.
func (c *Cache) setBlockBuf(e *Entry, i int, buf []byte) {
	e.Blocks[i].Buf = buf
	e.NumBlocks++
	c.listBlocks[e.State]++
	c.inUse++
}

// freeBlockBuf releases block i's buffer back to the pool.
func (c *Cache) freeBlockBuf(e *Entry, i int) {
	b := &e.Blocks[i]
	if b.Buf == nil {
		return
	}
	if b.Pinned() || b.Pending {
		log.Fatalf("Invariant violation: freeing pinned block %d of piece %d", i, e.Piece)
	}
	c.pool.Release(b.Buf)
	b.Buf = nil
	if b.Dirty {
		b.Dirty = false
		e.NumDirty--
	}
	e.NumBlocks--
	c.listBlocks[e.State]--
	c.inUse--
}

// AddDirtyBlock inserts a peer-written block buffer. Returns nil if the
// cache is full and cannot be evicted right now, or if the target block is
// busy; the caller then falls back to an uncached write. On success the
// job is suspended on the entry until its block is flushed.
func (c *Cache) AddDirtyBlock(o Owner, piece, block int, buf []byte, j Job) *Entry {
	if c.maxBlocks > 0 && c.inUse >= c.maxBlocks {
		c.TryEvictBlocks(c.NumToEvict(1))
		if c.inUse >= c.maxBlocks {
			return nil
		}
	}

	e := c.AllocatePiece(o, piece, StateWriteLRU)
	if e == nil {
		return nil
	}

	b := &e.Blocks[block]
	if b.Buf != nil {
		if b.Pinned() || b.Pending {
			return nil
		}
		c.freeBlockBuf(e, block)
	}
	c.setBlockBuf(e, block, buf)
	b.Dirty = true
	e.NumDirty++
	e.Jobs = append(e.Jobs, j)

	if e.State != StateWriteLRU {
		// A read piece receiving new writes turns back into a write piece.
		e.HashingDone = false
		c.moveToList(e, StateWriteLRU)
	} else {
		c.lists[e.State].MoveToFront(e.elem)
	}
	e.Expire = c.clk.Now()
	return e
}

// InsertBlocks populates consecutive blocks starting at first with buffers
// read from storage. Blocks that are already populated keep their current
// buffer; the incoming duplicate is released. Returns the number of blocks
// inserted.
func (c *Cache) InsertBlocks(e *Entry, first int, bufs [][]byte) int {
	inserted := 0
	for k, buf := range bufs {
		i := first + k
		if e.Blocks[i].Buf != nil {
			c.pool.Release(buf)
			continue
		}
		c.setBlockBuf(e, i, buf)
		inserted++
	}
	c.lists[e.State].MoveToFront(e.elem)
	e.Expire = c.clk.Now()
	return inserted
}

// TryRead copies the requested byte range out of the cache. A read of one
// whole block is handed out zero-copy unless forceCopy is set: the block
// is pinned with a retained reference and must be returned via
// ReclaimBlock. Returns ErrMiss if some block is absent and ErrNoMemory
// if a copy buffer cannot be allocated.
func (c *Cache) TryRead(
	o Owner, piece, offset, length int,
	volatileRead, forceCopy bool) ([]byte, BlockRef, error) {

	e := c.FindPiece(o, piece)
	if e == nil || e.State.Ghost() {
		c.misses.Inc(1)
		return nil, BlockRef{}, ErrMiss
	}

	bs := c.BlockSize()
	start := offset / bs
	end := (offset + length - 1) / bs
	for i := start; i <= end; i++ {
		if e.Blocks[i].Buf == nil {
			c.misses.Inc(1)
			return nil, BlockRef{}, ErrMiss
		}
	}

	c.Touch(e, volatileRead)

	if !forceCopy && start == end && offset%bs == 0 && length == c.blockLen(e, start) {
		c.IncBlockRef(e, start, RefRetained)
		return e.Blocks[start].Buf[:length], BlockRef{e, start}, nil
	}

	buf := c.pool.Allocate("read copy")
	if buf == nil {
		return nil, BlockRef{}, ErrNoMemory
	}
	n := 0
	for i := start; i <= end && n < length; i++ {
		from := 0
		if i == start {
			from = offset % bs
		}
		n += copy(buf[n:length], e.Blocks[i].Buf[from:c.blockLen(e, i)])
	}
	return buf[:length], BlockRef{}, nil
}

// ReclaimBlock returns a zero-copy read handout. Any jobs freed up by a
// deferred piece deletion are returned for the caller to abort.
func (c *Cache) ReclaimBlock(ref BlockRef) []Job {
	if !ref.Valid() {
		return nil
	}
	c.DecBlockRef(ref.entry, ref.block, RefRetained)
	return c.MaybeFreePiece(ref.entry)
}

// IncBlockRef pins block i for the given reason.
func (c *Cache) IncBlockRef(e *Entry, i int, reason RefReason) {
	b := &e.Blocks[i]
	b.refs[reason]++
	b.refcount++
	if reason == RefRetained {
		c.pinned++
	}
}

// DecBlockRef unpins block i for the given reason.
func (c *Cache) DecBlockRef(e *Entry, i int, reason RefReason) {
	b := &e.Blocks[i]
	if b.refs[reason] <= 0 {
		log.Fatalf("Invariant violation: block %d of piece %d has no %d ref", i, e.Piece, reason)
	}
	b.refs[reason]--
	b.refcount--
	if reason == RefRetained {
		c.pinned--
	}
}

// IncPieceRef pins the entry against eviction.
func (c *Cache) IncPieceRef(e *Entry) {
	e.PieceRefcount++
}

// DecPieceRef unpins the entry. If the entry was marked for deletion and
// this was the last reference, the entry is removed; its suspended jobs
// are returned for the caller to abort.
func (c *Cache) DecPieceRef(e *Entry) []Job {
	if e.PieceRefcount <= 0 {
		log.Fatalf("Invariant violation: piece %d refcount underflow", e.Piece)
	}
	e.PieceRefcount--
	return c.MaybeFreePiece(e)
}

// MaybeFreePiece completes a deferred deletion once the entry has no
// references left.
func (c *Cache) MaybeFreePiece(e *Entry) []Job {
	if !e.MarkedForDeletion || e.Pinned() || e.Hashing {
		return nil
	}
	for i := range e.Blocks {
		c.freeBlockBuf(e, i)
	}
	jobs := e.TakeJobs()
	c.deleteEntry(e)
	return jobs
}

// BlocksFlushed records the outcome of a vectored write for the given
// block indices. On success blocks turn clean; a write piece whose last
// dirty block was flushed migrates to read_lru2. On failure blocks keep
// their dirty bit so a later flush retries them.
func (c *Cache) BlocksFlushed(e *Entry, blocks []int, ok bool) {
	for _, i := range blocks {
		b := &e.Blocks[i]
		if !b.Pending {
			log.Fatalf("Invariant violation: flushed block %d of piece %d was not pending", i, e.Piece)
		}
		b.Pending = false
		c.DecBlockRef(e, i, RefFlushing)
		if ok {
			b.Dirty = false
			e.NumDirty--
		}
	}
	if ok && e.State == StateWriteLRU && e.NumDirty == 0 {
		c.moveToList(e, StateReadLRU2)
	}
}

// AbortDirty drops all dirty, non-pending blocks without writing them.
func (c *Cache) AbortDirty(e *Entry) {
	for i := range e.Blocks {
		b := &e.Blocks[i]
		if b.Dirty && !b.Pending && !b.Pinned() {
			c.freeBlockBuf(e, i)
		}
	}
}

// EvictPiece removes the entry from the cache, freeing all buffers. Read
// headers are demoted to their ghost list. Returns false if the entry is
// pinned or being hashed; otherwise the suspended jobs are returned for
// the caller to abort.
func (c *Cache) EvictPiece(e *Entry) (bool, []Job) {
	if e.Pinned() || e.Hashing {
		return false, nil
	}
	jobs := e.TakeJobs()
	c.evictEntry(e, true)
	return true, jobs
}

// MarkForDeletion evicts the entry now if possible, otherwise defers the
// removal until the last reference drops. Either way the entry does not
// survive as a ghost. Returns suspended jobs for the caller to abort.
func (c *Cache) MarkForDeletion(e *Entry) []Job {
	e.MarkedForDeletion = true
	jobs := e.TakeJobs()
	if !e.Pinned() && !e.Hashing {
		for i := range e.Blocks {
			c.freeBlockBuf(e, i)
		}
		c.deleteEntry(e)
	}
	return jobs
}

// evictEntry frees all buffers of an unpinned entry and either demotes the
// header to a ghost list or removes it. Returns the number of buffers
// freed.
func (c *Cache) evictEntry(e *Entry, allowGhost bool) int {
	if e.Hash != nil && e.Hash.Offset < e.Owner.PieceSize(e.Piece) {
		// Blocks the running digest has not consumed yet are about to be
		// dropped; a future hash pass has to read them back.
		e.NeedReadback = true
	}
	freed := e.NumBlocks
	for i := range e.Blocks {
		b := &e.Blocks[i]
		if b.Dirty && !b.Pending {
			// Dropping dirty data is only legal on explicit eviction
			// paths (clear, delete); LRU eviction skips dirty pieces.
			b.Dirty = false
			e.NumDirty--
		}
		c.freeBlockBuf(e, i)
	}
	c.evictions.Inc(1)

	if allowGhost && !e.MarkedForDeletion &&
		(e.State == StateReadLRU1 || e.State == StateReadLRU2) {
		ghost := StateReadLRU1Ghost
		if e.State == StateReadLRU2 {
			ghost = StateReadLRU2Ghost
		}
		c.moveToList(e, ghost)
		c.trimGhostList(ghost)
		return freed
	}
	c.deleteEntry(e)
	return freed
}

func (c *Cache) trimGhostList(state State) {
	l := c.lists[state]
	for l.Len() > c.config.GhostListSize {
		e := l.Back().Value.(*Entry)
		c.deleteEntry(e)
	}
}

func (c *Cache) deleteEntry(e *Entry) {
	c.lists[e.State].Remove(e.elem)
	c.listBlocks[e.State] -= e.NumBlocks
	delete(c.pieces, pieceKey{e.Owner, e.Piece})
	if ow := c.owners[e.Owner]; ow != nil {
		ow.Clear(uint(e.Piece))
		if !ow.Any() {
			delete(c.owners, e.Owner)
		}
	}
	e.elem = nil
}

// NumToEvict returns how many block buffers must be reclaimed to fit extra
// more blocks under the configured limit. The low-water mark drops by one
// block per caller currently waiting on a free buffer.
func (c *Cache) NumToEvict(extra int) int {
	if c.maxBlocks == 0 {
		return 0
	}
	limit := c.maxBlocks - c.pool.NumWaiters()
	if limit < 0 {
		limit = 0
	}
	n := c.inUse + extra - limit
	if n < 0 {
		n = 0
	}
	return n
}

// TryEvictBlocks reclaims up to n block buffers, walking LRU tails in
// order: volatile reads first, then read_lru1 down to its adaptive target,
// then read_lru2, then the rest of read_lru1. Pinned pieces, pieces being
// hashed, and pieces with suspended jobs are skipped. Dirty pieces are
// never evicted here; they are flushed first.
func (c *Cache) TryEvictBlocks(n int) int {
	freed := 0
	freed += c.evictFromList(StateVolatileReadLRU, n-freed, 0)
	freed += c.evictFromList(StateReadLRU1, n-freed, c.lru1Target)
	freed += c.evictFromList(StateReadLRU2, n-freed, 0)
	freed += c.evictFromList(StateReadLRU1, n-freed, 0)
	return freed
}

func (c *Cache) evictFromList(state State, need, floor int) int {
	if need <= 0 {
		return 0
	}
	freed := 0
	el := c.lists[state].Back()
	for el != nil && freed < need && c.listBlocks[state] > floor {
		prev := el.Prev()
		e := el.Value.(*Entry)
		if !e.Pinned() && !e.Hashing && len(e.Jobs) == 0 && e.NumDirty == 0 {
			freed += c.evictEntry(e, true)
		}
		el = prev
	}
	return freed
}

// WriteLRUPieces returns the write-LRU entries, least recently used first.
func (c *Cache) WriteLRUPieces() []*Entry {
	l := c.lists[StateWriteLRU]
	entries := make([]*Entry, 0, l.Len())
	for el := l.Back(); el != nil; el = el.Prev() {
		entries = append(entries, el.Value.(*Entry))
	}
	return entries
}

// PiecesFor returns all entries owned by o.
func (c *Cache) PiecesFor(o Owner) []*Entry {
	ow := c.owners[o]
	if ow == nil {
		return nil
	}
	var entries []*Entry
	for i, ok := ow.NextSet(0); ok; i, ok = ow.NextSet(i + 1) {
		if e := c.pieces[pieceKey{o, int(i)}]; e != nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// AllPieces returns every entry in the cache, ghosts included.
func (c *Cache) AllPieces() []*Entry {
	entries := make([]*Entry, 0, len(c.pieces))
	for _, e := range c.pieces {
		entries = append(entries, e)
	}
	return entries
}

// Clear drops every entry, dirty or not, and returns all suspended jobs.
// Callers must have drained external pins first.
func (c *Cache) Clear() []Job {
	var jobs []Job
	for _, e := range c.AllPieces() {
		if c.pinned > 0 {
			log.Errorf("Clearing cache with %d pinned blocks", c.pinned)
		}
		jobs = append(jobs, e.TakeJobs()...)
		e.MarkedForDeletion = true
		c.evictEntry(e, false)
	}
	return jobs
}

// Counts is a snapshot of cache occupancy.
type Counts struct {
	Blocks         int
	DirtyBlocks    int
	PinnedBlocks   int
	WritePieces    int
	ReadPieces     int
	VolatilePieces int
	GhostPieces    int
	LRU1Blocks     int
	LRU2Blocks     int
	LRU1Target     int
}

// GetCounts returns current occupancy counters.
func (c *Cache) GetCounts() Counts {
	dirty := 0
	for _, e := range c.pieces {
		dirty += e.NumDirty
	}
	return Counts{
		Blocks:         c.inUse,
		DirtyBlocks:    dirty,
		PinnedBlocks:   c.pinned,
		WritePieces:    c.lists[StateWriteLRU].Len(),
		ReadPieces:     c.lists[StateReadLRU1].Len() + c.lists[StateReadLRU2].Len(),
		VolatilePieces: c.lists[StateVolatileReadLRU].Len(),
		GhostPieces:    c.lists[StateReadLRU1Ghost].Len() + c.lists[StateReadLRU2Ghost].Len(),
		LRU1Blocks:     c.listBlocks[StateReadLRU1],
		LRU2Blocks:     c.listBlocks[StateReadLRU2],
		LRU1Target:     c.lru1Target,
	}
}

// CheckInvariants verifies internal consistency. Used by tests.
func (c *Cache) CheckInvariants() error {
	blocks := 0
	for _, e := range c.pieces {
		dirty := 0
		populated := 0
		for i := range e.Blocks {
			b := &e.Blocks[i]
			if b.Dirty {
				dirty++
			}
			if b.Buf != nil {
				populated++
			}
			if b.Pending && (!b.Dirty || b.Buf == nil) {
				return errors.New("pending block must be dirty with a live buffer")
			}
		}
		if dirty != e.NumDirty {
			return errors.New("num_dirty out of sync")
		}
		if populated != e.NumBlocks {
			return errors.New("num_blocks out of sync")
		}
		if e.State.Ghost() && populated > 0 {
			return errors.New("ghost entry carries buffers")
		}
		if e.Hash != nil {
			if e.Hash.Offset > e.Owner.PieceSize(e.Piece) {
				return errors.New("hash offset past piece size")
			}
			if e.Hash.Offset%c.BlockSize() != 0 && e.Hash.Offset != e.Owner.PieceSize(e.Piece) {
				return errors.New("hash offset not block aligned")
			}
		}
		if e.HashingDone && e.Hash != nil {
			return errors.New("finalized piece still holds hash state")
		}
		blocks += populated
	}
	if blocks != c.inUse {
		return errors.New("in_use out of sync with cached buffers")
	}
	return nil
}
