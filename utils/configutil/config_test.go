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
package configutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ListenAddress string            `yaml:"listen_address"`
	BufferSpace   int               `yaml:"buffer_space"`
	Servers       []string          `yaml:"servers"`
	Labels        map[string]string `yaml:"labels"`
}

const baseConfig = `
listen_address: localhost:4385
buffer_space: 1024
servers:
    - somewhere-sjc1:8090
labels:
    zone: sjc1
`

const extendsConfig = `
extends: %s
buffer_space: 512
servers:
    - somewhere-sjc2:8090
labels:
    owner: storage
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadSingleFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "base.yaml", baseConfig)

	var c testConfig
	require.NoError(Load(p, &c))
	require.Equal("localhost:4385", c.ListenAddress)
	require.Equal(1024, c.BufferSpace)
	require.Equal([]string{"somewhere-sjc1:8090"}, c.Servers)
}

func TestLoadExtendsOverridesAndMerges(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", baseConfig)
	top := writeFile(t, dir, "top.yaml", fmt.Sprintf(extendsConfig, base))

	var c testConfig
	require.NoError(Load(top, &c))

	// Scalars and arrays are overridden, maps are merged.
	require.Equal("localhost:4385", c.ListenAddress)
	require.Equal(512, c.BufferSpace)
	require.Equal([]string{"somewhere-sjc2:8090"}, c.Servers)
	require.Equal(map[string]string{"zone": "sjc1", "owner": "storage"}, c.Labels)
}

func TestLoadRelativeExtendsPath(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", baseConfig)
	top := writeFile(t, dir, "top.yaml", fmt.Sprintf(extendsConfig, "base.yaml"))

	var c testConfig
	require.NoError(Load(top, &c))
	require.Equal(512, c.BufferSpace)
}

func TestLoadCycleRef(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "extends: b.yaml\n")
	p := writeFile(t, dir, "b.yaml", "extends: a.yaml\n")

	var c testConfig
	require.Equal(ErrCycleRef, Load(p, &c))
}

func TestLoadMissingFile(t *testing.T) {
	var c testConfig
	require.Error(t, Load("noexist.yaml", &c))
}
