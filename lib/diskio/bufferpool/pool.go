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

// Package bufferpool manages the fixed-size block buffers shared by the
// block cache and the uncached I/O paths. The pool enforces the configured
// block budget; callers that cannot get a buffer may subscribe to be
// notified when memory is released.
package bufferpool

import (
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/uber-go/tally"
)

// Observer is notified once when the pool releases memory after the
// observer subscribed. Used by network workers waiting for a free block.
type Observer interface {
	OnBufferRelease()
}

// Config defines Pool configuration.
type Config struct {
	BlockSize datasize.ByteSize `yaml:"block_size"`
	MaxBlocks int               `yaml:"max_blocks"`
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 16 * datasize.KB
	}
	return c
}

// Pool allocates and recycles block buffers. A zero MaxBlocks means no
// limit. When usage crosses the soft limit the trim callback fires once,
// re-arming when usage drops back below.
type Pool struct {
	mu        sync.Mutex
	blockSize int
	maxBlocks int
	inUse     int
	free      [][]byte
	observers []Observer
	trimmed   bool
	onTrim    func()

	allocations tally.Counter
	exhaustions tally.Counter
}

// New creates a new Pool. onTrim may be nil.
func New(config Config, stats tally.Scope, onTrim func()) *Pool {
	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "bufferpool",
	})

	return &Pool{
		blockSize:   int(config.BlockSize),
		maxBlocks:   config.MaxBlocks,
		onTrim:      onTrim,
		allocations: stats.Counter("allocations"),
		exhaustions: stats.Counter("exhaustions"),
	}
}

// BlockSize returns the size of every buffer handed out by the pool.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// SetMaxBlocks updates the block budget.
func (p *Pool) SetMaxBlocks(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBlocks = n
}

// InUse returns the number of outstanding buffers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// NumWaiters returns the number of observers currently waiting on a free
// buffer.
func (p *Pool) NumWaiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

// IsExceeded returns true if the pool is at its limit.
func (p *Pool) IsExceeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxBlocks > 0 && p.inUse >= p.maxBlocks
}

// Allocate returns a block buffer, or nil if the pool is exhausted. The
// category is used for accounting only.
func (p *Pool) Allocate(category string) []byte {
	p.mu.Lock()

	if p.maxBlocks > 0 && p.inUse >= p.maxBlocks {
		p.mu.Unlock()
		p.exhaustions.Inc(1)
		return nil
	}
	p.inUse++

	var b []byte
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	}

	trim := p.crossedSoftLimit()
	p.mu.Unlock()

	p.allocations.Inc(1)
	if b == nil {
		b = make([]byte, p.blockSize)
	}
	if trim && p.onTrim != nil {
		p.onTrim()
	}
	return b
}

// Release returns a buffer to the pool and notifies any waiting observers.
func (p *Pool) Release(b []byte) {
	if cap(b) < p.blockSize {
		panic("bufferpool: released buffer does not belong to the pool")
	}
	b = b[:p.blockSize]

	p.mu.Lock()
	p.inUse--
	if p.maxBlocks == 0 || len(p.free) < p.maxBlocks {
		p.free = append(p.free, b)
	}
	if p.maxBlocks == 0 || p.inUse < p.softLimit() {
		p.trimmed = false
	}
	observers := p.observers
	p.observers = nil
	p.mu.Unlock()

	for _, o := range observers {
		o.OnBufferRelease()
	}
}

// Subscribe registers o for a one-shot notification on the next release.
func (p *Pool) Subscribe(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// crossedSoftLimit reports whether this allocation crossed the soft limit.
// Caller must hold mu.
func (p *Pool) crossedSoftLimit() bool {
	if p.maxBlocks == 0 || p.trimmed {
		return false
	}
	if p.inUse >= p.softLimit() {
		p.trimmed = true
		return true
	}
	return false
}

func (p *Pool) softLimit() int {
	return p.maxBlocks - p.maxBlocks/8
}
