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

// Package memory is the single access path to the target image. Every page
// table, stack and note read of a session goes through a Reader.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Space selects how an address passed to a Reader is interpreted.
type Space int

const (
	KernelVirtual Space = iota
	UserVirtual
	Physical
)

func (s Space) String() string {
	switch s {
	case KernelVirtual:
		return "KVADDR"
	case UserVirtual:
		return "UVADDR"
	case Physical:
		return "PHYSADDR"
	default:
		return fmt.Sprintf("Space(%d)", int(s))
	}
}

var ErrUnsupportedSpace = errors.New("address space not supported by reader")

// ReadError describes a failed read of the target image.
type ReadError struct {
	Addr  uint64
	Space Space
	Size  int
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %d bytes at %s %#x: %v", e.Size, e.Space, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Reader reads bytes of the target image. A Reader either returns exactly
// size bytes or an error.
type Reader interface {
	Read(addr uint64, space Space, size int) ([]byte, error)
}

// Translator resolves a virtual address to a physical one.
type Translator interface {
	Translate(addr uint64, space Space) (uint64, error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(addr uint64, space Space) (uint64, error)

func (f TranslatorFunc) Translate(addr uint64, space Space) (uint64, error) {
	return f(addr, space)
}

// TranslatingReader serves virtual reads from a reader that only knows about
// physical memory. Reads are split on page boundaries because contiguous
// virtual pages need not be physically contiguous.
type TranslatingReader struct {
	phys     Reader
	t        Translator
	pageSize uint64
}

func NewTranslatingReader(phys Reader, t Translator, pageSize uint64) *TranslatingReader {
	return &TranslatingReader{
		phys:     phys,
		t:        t,
		pageSize: pageSize,
	}
}

func (r *TranslatingReader) Read(addr uint64, space Space, size int) ([]byte, error) {
	if space == Physical {
		return r.phys.Read(addr, space, size)
	}

	out := make([]byte, 0, size)
	for remaining := uint64(size); remaining > 0; {
		chunk := r.pageSize - addr%r.pageSize
		if chunk > remaining {
			chunk = remaining
		}

		paddr, err := r.t.Translate(addr, space)
		if err != nil {
			return nil, &ReadError{Addr: addr, Space: space, Size: size, Err: err}
		}
		b, err := r.phys.Read(paddr, Physical, int(chunk))
		if err != nil {
			return nil, &ReadError{Addr: addr, Space: space, Size: size, Err: err}
		}

		out = append(out, b...)
		addr += chunk
		remaining -= chunk
	}
	return out, nil
}

// Uint64 reads one little-endian machine word.
func Uint64(r Reader, addr uint64, space Space) (uint64, error) {
	b, err := r.Read(addr, space, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Uint64s reads n consecutive little-endian machine words.
func Uint64s(r Reader, addr uint64, space Space, n int) ([]uint64, error) {
	b, err := r.Read(addr, space, n*8)
	if err != nil {
		return nil, err
	}
	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return words, nil
}
