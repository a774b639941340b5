// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the session description that the dump itself cannot provide:
// the task table, struct layouts when no BTF is available and overrides.
type Config struct {
	KernelRelease string            `yaml:"kernel_release,omitempty"`
	PageSize      uint64            `yaml:"page_size,omitempty"`
	CPUs          int               `yaml:"cpus,omitempty"`
	HZ            int               `yaml:"hz,omitempty"`
	Machdep       []string          `yaml:"machdep,omitempty"`
	Structs       map[string]Struct `yaml:"structs,omitempty"`
	Tasks         []Task            `yaml:"tasks,omitempty"`
}

// Struct is the layout of one kernel struct.
type Struct struct {
	Size    uint64            `yaml:"size,omitempty"`
	Members map[string]uint64 `yaml:"members,omitempty"`
}

// Task is one entry of the task table.
type Task struct {
	PID   int     `yaml:"pid"`
	Comm  string  `yaml:"comm,omitempty"`
	Task  Address `yaml:"task"`
	Stack Address `yaml:"stack"`
	MM    Address `yaml:"mm,omitempty"`
	CPU   int     `yaml:"cpu,omitempty"`
	// Active marks the task that was running on its CPU when the dump was taken.
	Active bool `yaml:"active,omitempty"`
	// KernelThread overrides the mm == 0 heuristic.
	KernelThread *bool `yaml:"kernel_thread,omitempty"`
}

// Address is a kernel address, written in hex in config files.
type Address uint64

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	s := strings.TrimPrefix(strings.ToLower(value.Value), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate checks the task table for entries a backtrace cannot work with.
func (c *Config) Validate() error {
	pids := map[int]struct{}{}
	for i, t := range c.Tasks {
		if t.Task == 0 {
			return fmt.Errorf("task %d: missing task address", i)
		}
		if t.Stack == 0 {
			return fmt.Errorf("task %d (pid %d): missing stack address", i, t.PID)
		}
		if _, ok := pids[t.PID]; ok {
			return fmt.Errorf("task %d: duplicate pid %d", i, t.PID)
		}
		pids[t.PID] = struct{}{}
	}
	return nil
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
