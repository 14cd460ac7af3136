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

// Package configutil provides an interface for loading configuration data
// from YAML files.
//
// Other YAML files may be included via the following directive:
//
// production.yaml:
// extends: base.yaml
//
// There is no multiple inheritance supported. The dependency chain is
// supposed to form a linked list. Values from multiple configurations within
// the same hierarchy are merged in load sequence: scalars and arrays are
// overridden, maps are combined.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when there are circular dependencies detected in
// configuration files extending each other.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// extends defines a keyword in config for extending a base configuration file.
type extends struct {
	Extends string `yaml:"extends"`
}

// Load loads configuration based on config file name. It follows extends
// directives and unmarshals every file of the chain, base first, into config.
func Load(filename string, config interface{}) error {
	filenames, err := resolveExtends(filename)
	if err != nil {
		return err
	}
	for _, fname := range filenames {
		data, err := os.ReadFile(fname)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("unmarshal %s: %s", fname, err)
		}
	}
	return nil
}

// resolveExtends returns the list of config paths the original config
// filename points to, base config first.
func resolveExtends(filename string) ([]string, error) {
	filenames := []string{filename}
	seen := make(map[string]bool)
	for {
		base, err := readExtend(filename)
		if err != nil {
			return nil, err
		} else if base == "" {
			break
		}

		// If the file path of the extends field in the config is not absolute
		// we assume that it is in the same directory as the current config
		// file.
		if !filepath.IsAbs(base) {
			base = path.Join(filepath.Dir(filename), base)
		}

		// Prevent circular references.
		if seen[base] {
			return nil, ErrCycleRef
		}

		filenames = append([]string{base}, filenames...)
		seen[base] = true
		filename = base
	}
	return filenames, nil
}

func readExtend(configFile string) (string, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	var cfg extends
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("unmarshal %s: %s", configFile, err)
	}
	return cfg.Extends, nil
}
