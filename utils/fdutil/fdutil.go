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

// Package fdutil computes file-descriptor budgets from the process's
// open-file limit.
package fdutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// safetyMargin is the number of descriptors left unbudgeted for incidental
// use (logs, pipes, epoll).
const safetyMargin = 20

// diskShare is the fraction of the budget reserved for disk files. The
// remainder is left to sockets.
const diskShare = 0.2

// DiskFileBudget returns the number of file descriptors the disk file pool
// may hold open, derived from the process's soft open-file limit.
func DiskFileBudget() (int, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("getrlimit: %s", err)
	}
	return BudgetFromLimit(int(lim.Cur)), nil
}

// BudgetFromLimit computes the disk-file share of an open-file limit.
func BudgetFromLimit(limit int) int {
	budget := limit - safetyMargin
	if budget < 0 {
		budget = 0
	}
	return int(float64(budget) * diskShare)
}
