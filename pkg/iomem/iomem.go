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

package iomem

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

const Path = "proc/iomem"

var ErrNoSystemRAM = errors.New("no System RAM resource")

// Resource is one line of /proc/iomem.
type Resource struct {
	Start, End uint64
	Name       string
	// Depth is the nesting level given by the leading indentation.
	Depth int
}

// Parse reads every resource of the iomem file in fsys.
func Parse(fsys fs.FS) ([]Resource, error) {
	f, err := fsys.Open(Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Resource
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		trimmed := strings.TrimLeft(line, " ")
		rng, name, ok := strings.Cut(trimmed, " : ")
		if !ok {
			continue
		}
		start, end, ok := strings.Cut(rng, "-")
		if !ok {
			continue
		}
		r := Resource{Name: name, Depth: (len(line) - len(trimmed)) / 2}
		if r.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", line, err)
		}
		if r.End, err = strconv.ParseUint(end, 16, 64); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", line, err)
		}
		out = append(out, r)
	}
	return out, s.Err()
}

// FirstSystemRAM returns the start of the first "System RAM" resource. On
// arm64 this is the physical base of the kernel linear map.
func FirstSystemRAM(fsys fs.FS) (uint64, error) {
	resources, err := Parse(fsys)
	if err != nil {
		return 0, err
	}
	for _, r := range resources {
		if r.Name == "System RAM" {
			return r.Start, nil
		}
	}
	return 0, ErrNoSystemRAM
}
