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
	"os"

	bencode "github.com/jackpal/bencode-go"
)

// TorrentInfo is the piece geometry parsed from a bencoded metainfo file.
// Implements FileGeometry.
type TorrentInfo struct {
	// Exported for bencoding.
	Name        string
	Length      int
	PieceLength int
}

// NumPieces returns the number of pieces the content divides into.
func (t *TorrentInfo) NumPieces() int {
	return (t.Length + t.PieceLength - 1) / t.PieceLength
}

// PieceSize returns the byte size of piece i. Only the last piece may be
// short.
func (t *TorrentInfo) PieceSize(i int) int {
	if i == t.NumPieces()-1 {
		if n := t.Length % t.PieceLength; n != 0 {
			return n
		}
	}
	return t.PieceLength
}

type metainfoFile struct {
	// Exported for bencoding.
	Info TorrentInfo
}

// LoadTorrentInfo parses the piece geometry out of a metainfo file.
func LoadTorrentInfo(path string) (*TorrentInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mi metainfoFile
	if err := bencode.Unmarshal(f, &mi); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	if mi.Info.PieceLength <= 0 || mi.Info.Length < 0 {
		return nil, errors.New("invalid piece geometry")
	}
	return &mi.Info, nil
}
