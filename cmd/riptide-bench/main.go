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

// riptide-bench drives the disk I/O engine against an in-memory backend:
// it writes every block of every piece, hashes the pieces, reads them
// back and prints cache statistics.
package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/riptide-io/riptide/lib/diskio"
	"github.com/riptide-io/riptide/lib/diskio/testfs"
	"github.com/riptide-io/riptide/metrics"
	"github.com/riptide-io/riptide/utils/configutil"
	"github.com/riptide-io/riptide/utils/fdutil"
	"github.com/riptide-io/riptide/utils/log"
	"github.com/riptide-io/riptide/utils/memsize"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"
)

type appConfig struct {
	Logging log.Config     `yaml:"logging"`
	Metrics metrics.Config `yaml:"metrics"`
	DiskIO  diskio.Config  `yaml:"diskio"`
}

var (
	configFile  = kingpin.Flag("config", "Configuration file path").String()
	numPieces   = kingpin.Flag("pieces", "Number of pieces to write").Default("64").Int()
	pieceLength = kingpin.Flag("piece_length", "Piece length in bytes").Default("65536").Int()
	workers     = kingpin.Flag("workers", "Worker goroutines (overrides config)").Default("0").Int()
)

func main() {
	kingpin.Parse()

	var config appConfig
	if *configFile != "" {
		if err := configutil.Load(*configFile, &config); err != nil {
			log.Fatalf("Error loading config: %s", err)
		}
	}

	zlog, err := log.New(config.Logging, nil)
	if err != nil {
		log.Fatalf("Error building logger: %s", err)
	}
	log.SetGlobalLogger(zlog.Sugar())

	stats, closer, err := metrics.New(config.Metrics)
	if err != nil {
		log.Fatalf("Error building metrics: %s", err)
	}
	defer closer.Close()

	if *workers > 0 {
		config.DiskIO.NumWorkers = *workers
	}

	fdBudget, err := fdutil.DiskFileBudget()
	if err != nil {
		log.Fatalf("Error computing fd budget: %s", err)
	}
	log.Infof("Disk file descriptor budget: %d", fdBudget)

	engine := diskio.New(
		config.DiskIO, stats, clock.New(),
		diskio.ExecutorFunc(func(f func()) { go f() }), nil, nil)

	backend := testfs.New(*pieceLength, *numPieces**pieceLength)
	handle := engine.NewHandle(backend)

	blockSize := int(config.DiskIO.BlockSize)
	if blockSize == 0 {
		blockSize = 16 * 1024
	}

	payload := make([]byte, *numPieces**pieceLength)
	rand.Read(payload)

	start := time.Now()

	var wg sync.WaitGroup
	for p := 0; p < *numPieces; p++ {
		for off := 0; off < *pieceLength; off += blockSize {
			n := blockSize
			if *pieceLength-off < n {
				n = *pieceLength - off
			}
			buf := engine.AllocateBuffer("bench write")
			if buf == nil {
				log.Fatalf("Out of disk buffers at piece %d offset %d", p, off)
			}
			copy(buf[:n], payload[p**pieceLength+off:])
			if n < len(buf) {
				buf = buf[:n]
			}

			wg.Add(1)
			engine.AsyncWrite(handle, p, off, buf, func(j *diskio.Job) {
				if j.Err != nil {
					log.Errorf("Write failed: %s", j.Err)
				}
				wg.Done()
			}, 0)
		}
		wg.Add(1)
		engine.AsyncHash(handle, p, func(j *diskio.Job) {
			if j.Err != nil {
				log.Errorf("Hash failed: %s", j.Err)
			}
			wg.Done()
		}, 0)
		engine.SubmitJobs()
	}
	wg.Wait()

	for p := 0; p < *numPieces; p++ {
		for off := 0; off < *pieceLength; off += blockSize {
			n := blockSize
			if *pieceLength-off < n {
				n = *pieceLength - off
			}
			wg.Add(1)
			p, off := p, off
			engine.AsyncRead(handle, p, off, n, func(j *diskio.Job) {
				if j.Err != nil {
					log.Errorf("Read failed at piece %d offset %d: %s", p, off, j.Err)
				}
				if j.Ref.Valid() {
					engine.ReclaimBlock(j.Ref)
				}
				wg.Done()
			}, diskio.FlagForceCopy)
		}
		engine.SubmitJobs()
	}
	wg.Wait()

	elapsed := time.Since(start)

	info := engine.GetCacheInfo(handle, false)
	fmt.Printf("moved %s in %s\n",
		memsize.Format(uint64(2**numPieces**pieceLength)), elapsed)
	fmt.Printf("cached blocks: %d (%d dirty), blocks written: %d, blocks read: %d\n",
		info.Blocks, info.DirtyBlocks, info.BlocksWritten, info.BlocksRead)
	fmt.Printf("avg times: read %s write %s hash %s job %s\n",
		info.AvgReadTime, info.AvgWriteTime, info.AvgHashTime, info.AvgJobTime)

	engine.Stop()
}
