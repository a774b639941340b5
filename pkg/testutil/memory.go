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

package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/parca-dev/kcrash/pkg/memory"
)

var ErrUnmapped = errors.New("unmapped test memory")

// Memory is a sparse fake target image. Each address space is stored
// separately; reads touching a byte that was never written fail.
type Memory struct {
	spaces map[memory.Space]map[uint64]byte

	// Reads counts calls to Read per space.
	Reads map[memory.Space]int
}

func NewMemory() *Memory {
	return &Memory{
		spaces: map[memory.Space]map[uint64]byte{},
		Reads:  map[memory.Space]int{},
	}
}

func (m *Memory) Write(space memory.Space, addr uint64, data []byte) {
	s, ok := m.spaces[space]
	if !ok {
		s = map[uint64]byte{}
		m.spaces[space] = s
	}
	for i, b := range data {
		s[addr+uint64(i)] = b
	}
}

func (m *Memory) WriteUint64(space memory.Space, addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(space, addr, b[:])
}

// Zero maps size zero bytes at addr.
func (m *Memory) Zero(space memory.Space, addr uint64, size int) {
	m.Write(space, addr, make([]byte, size))
}

func (m *Memory) Read(addr uint64, space memory.Space, size int) ([]byte, error) {
	m.Reads[space]++

	s := m.spaces[space]
	out := make([]byte, size)
	for i := range out {
		b, ok := s[addr+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("%w: %s %#x", ErrUnmapped, space, addr+uint64(i))
		}
		out[i] = b
	}
	return out, nil
}

// TotalReads returns the number of Read calls over all spaces.
func (m *Memory) TotalReads() int {
	n := 0
	for _, c := range m.Reads {
		n += c
	}
	return n
}
