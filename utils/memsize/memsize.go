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
package memsize

import "fmt"

// Defines the number of bytes in each unit.
const (
	B uint64 = 1 << (10 * iota)
	KB
	MB
	GB
	TB
)

// Format returns a human readable representation of b bytes.
func Format(b uint64) string {
	switch {
	case b == 0:
		return "0B"
	case b >= TB:
		return format(b, TB, "TB")
	case b >= GB:
		return format(b, GB, "GB")
	case b >= MB:
		return format(b, MB, "MB")
	case b >= KB:
		return format(b, KB, "KB")
	default:
		return format(b, B, "B")
	}
}

func format(b, unit uint64, suffix string) string {
	return fmt.Sprintf("%.2f%s", float64(b)/float64(unit), suffix)
}
