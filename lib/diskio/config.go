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
	"time"

	"github.com/riptide-io/riptide/lib/diskio/blockcache"

	"github.com/c2h5oh/datasize"
)

// Config defines Engine configuration. Settings are published to workers
// as an immutable snapshot; SetSettings swaps the snapshot atomically.
type Config struct {
	// NumWorkers is the number of worker goroutines. Every fourth worker
	// is dedicated to hashing.
	NumWorkers int `yaml:"num_workers"`

	// BlockSize is the fixed block size. All cached buffers have this
	// size.
	BlockSize datasize.ByteSize `yaml:"block_size"`

	// CacheSize is the total cached-block budget. Zero disables the
	// cache entirely; reads and writes go straight to storage.
	CacheSize int `yaml:"cache_size"`

	// DisableReadCache and DisableWriteCache turn off per-direction
	// caching while leaving the other direction intact.
	DisableReadCache  bool `yaml:"disable_read_cache"`
	DisableWriteCache bool `yaml:"disable_write_cache"`

	// DisableHashChecks skips the piece digest; dirty blocks are flushed
	// whenever present.
	DisableHashChecks bool `yaml:"disable_hash_checks"`

	// AllowPartialDiskWrites permits flushing part of a cross-piece
	// stripe when the write cache line spans multiple pieces.
	AllowPartialDiskWrites bool `yaml:"allow_partial_disk_writes"`

	// CacheExpiry is how long a dirty piece may sit before being force
	// flushed.
	CacheExpiry time.Duration `yaml:"cache_expiry"`

	// WriteCacheLineSize is the contiguous-block floor for hashed
	// flushes, in blocks.
	WriteCacheLineSize int `yaml:"write_cache_line_size"`

	// ReadCacheLineSize is the read prefetch padding, in blocks.
	ReadCacheLineSize int `yaml:"read_cache_line_size"`

	BlockCache blockcache.Config `yaml:"blockcache"`
}

func (c Config) applyDefaults() Config {
	if c.NumWorkers == 0 {
		c.NumWorkers = 1
	}
	if c.BlockSize == 0 {
		c.BlockSize = 16 * datasize.KB
	}
	if c.CacheExpiry == 0 {
		c.CacheExpiry = 5 * time.Minute
	}
	if c.WriteCacheLineSize == 0 {
		c.WriteCacheLineSize = 16
	}
	if c.ReadCacheLineSize == 0 {
		c.ReadCacheLineSize = 32
	}
	return c
}

// useReadCache returns true if read caching is on.
func (c Config) useReadCache() bool {
	return !c.DisableReadCache && c.CacheSize > 0
}

// useWriteCache returns true if write caching is on.
func (c Config) useWriteCache() bool {
	return !c.DisableWriteCache && c.CacheSize > 0
}
