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

// Package vmcore reads ELF kdump files: physical memory from PT_LOAD
// segments and metadata from PT_NOTE segments.
package vmcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/parca-dev/kcrash/pkg/memory"
)

var (
	ErrNotAArch64    = errors.New("dump is not a little-endian ELF64 AArch64 core")
	ErrNotInDump     = errors.New("physical address not present in dump")
	ErrTruncatedNote = errors.New("truncated note")
)

// Segment is one PT_LOAD segment of the dump.
type Segment struct {
	Paddr  uint64
	Vaddr  uint64
	Off    uint64
	Filesz uint64
	Memsz  uint64
}

// Note is one ELF note.
type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// Dump is an open ELF kdump file. It implements memory.Reader for the
// Physical space.
type Dump struct {
	r      io.ReaderAt
	closer io.Closer

	segments []Segment
	notes    []Note
	info     *VMCoreInfo
}

// Open opens the dump file at path.
func Open(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d, err := NewDump(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	d.closer = f
	return d, nil
}

// NewDump reads the program headers and notes of the dump in r.
func NewDump(r io.ReaderAt) (*Dump, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_AARCH64 || ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("class %s machine %s data %s: %w", ef.Class, ef.Machine, ef.Data, ErrNotAArch64)
	}

	d := &Dump{r: r, info: &VMCoreInfo{entries: map[string]string{}}}
	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			d.segments = append(d.segments, Segment{
				Paddr:  p.Paddr,
				Vaddr:  p.Vaddr,
				Off:    p.Off,
				Filesz: p.Filesz,
				Memsz:  p.Memsz,
			})
		case elf.PT_NOTE:
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("reading notes: %w", err)
			}
			notes, err := parseNotes(data, ef.ByteOrder)
			if err != nil {
				return nil, err
			}
			d.notes = append(d.notes, notes...)
		}
	}
	sort.Slice(d.segments, func(i, j int) bool { return d.segments[i].Paddr < d.segments[j].Paddr })

	for _, n := range d.notes {
		if n.Name == vmcoreinfoNoteName {
			d.info = ParseVMCoreInfo(n.Data)
			break
		}
	}
	return d, nil
}

// parseNotes walks a PT_NOTE payload. Names and descriptors are padded to
// four bytes.
func parseNotes(data []byte, order binary.ByteOrder) ([]Note, error) {
	var notes []Note
	for len(data) >= 12 {
		nameSize := order.Uint32(data[0:4])
		descSize := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := uint64(nameSize+3) &^ 3
		descEnd := uint64(descSize+3) &^ 3
		if uint64(len(data)) < nameEnd+uint64(descSize) {
			return nil, ErrTruncatedNote
		}
		name := string(bytes.TrimRight(data[:nameSize], "\x00"))
		desc := data[nameEnd : nameEnd+uint64(descSize)]
		notes = append(notes, Note{Type: elf.NType(typ), Name: name, Data: desc})

		if uint64(len(data)) < nameEnd+descEnd {
			break
		}
		data = data[nameEnd+descEnd:]
	}
	return notes, nil
}

// Read implements memory.Reader. Bytes of a segment past its file size
// read as zero.
func (d *Dump) Read(addr uint64, space memory.Space, size int) ([]byte, error) {
	if space != memory.Physical {
		return nil, &memory.ReadError{Addr: addr, Space: space, Size: size, Err: memory.ErrUnsupportedSpace}
	}

	out := make([]byte, size)
	for done := 0; done < size; {
		cur := addr + uint64(done)
		seg, ok := d.segment(cur)
		if !ok {
			return nil, &memory.ReadError{Addr: addr, Space: space, Size: size, Err: ErrNotInDump}
		}

		rel := cur - seg.Paddr
		n := seg.Memsz - rel
		if n > uint64(size-done) {
			n = uint64(size - done)
		}
		if rel < seg.Filesz {
			fromFile := n
			if rel+fromFile > seg.Filesz {
				fromFile = seg.Filesz - rel
			}
			if _, err := d.r.ReadAt(out[done:done+int(fromFile)], int64(seg.Off+rel)); err != nil {
				return nil, &memory.ReadError{Addr: addr, Space: space, Size: size, Err: err}
			}
		}
		done += int(n)
	}
	return out, nil
}

func (d *Dump) segment(paddr uint64) (Segment, bool) {
	i := sort.Search(len(d.segments), func(i int) bool { return d.segments[i].Paddr > paddr }) - 1
	if i < 0 {
		return Segment{}, false
	}
	s := d.segments[i]
	if paddr-s.Paddr >= s.Memsz {
		return Segment{}, false
	}
	return s, true
}

// Segments returns the PT_LOAD segments ordered by physical address.
func (d *Dump) Segments() []Segment {
	return d.segments
}

// PhysBase is the lowest physical address covered by a PT_LOAD segment.
func (d *Dump) PhysBase() (uint64, bool) {
	if len(d.segments) == 0 {
		return 0, false
	}
	return d.segments[0].Paddr, true
}

// MemorySize sums the memory size of all PT_LOAD segments.
func (d *Dump) MemorySize() uint64 {
	var total uint64
	for _, s := range d.segments {
		total += s.Memsz
	}
	return total
}

func (d *Dump) Notes() []Note {
	return d.notes
}

// PRStatus returns the NT_PRSTATUS notes in dump order, one per CPU that
// was online at crash time.
func (d *Dump) PRStatus() []Note {
	var out []Note
	for _, n := range d.notes {
		if n.Type == elf.NT_PRSTATUS && n.Name == "CORE" {
			out = append(out, n)
		}
	}
	return out
}

// VMCoreInfo returns the parsed VMCOREINFO note. It is empty, never nil,
// when the dump carries none.
func (d *Dump) VMCoreInfo() *VMCoreInfo {
	return d.info
}

func (d *Dump) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
