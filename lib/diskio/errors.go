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
	"errors"
	"fmt"
)

// Engine errors.
var (
	// ErrAborted is set on every job cancelled by a destructive operation
	// or engine shutdown.
	ErrAborted = errors.New("operation aborted")

	// ErrNoMemory is set when no block buffer could be allocated.
	ErrNoMemory = errors.New("no disk buffer available")
)

// Op tags the operation a job error originated from.
type Op string

// Operation tags.
const (
	OpAllocCachePiece Op = "alloc_cache_piece"
	OpReadV           Op = "readv"
	OpWriteV          Op = "writev"
	OpFallocate       Op = "fallocate"
	OpMove            Op = "move"
	OpRename          Op = "rename"
	OpReleaseFiles    Op = "release_files"
	OpDeleteFiles     Op = "delete_files"
	OpCheckFastResume Op = "check_fastresume"
	OpWriteResumeData Op = "write_resume_data"
	OpFilePriority    Op = "file_priority"
	OpFinalizeFile    Op = "finalize_file"
	OpLoadTorrent     Op = "load_torrent"
)

// Error is a structured job error: the underlying error plus the operation
// it came from.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op Op, err error) *Error {
	return &Error{Op: op, Err: err}
}
