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

package vmcore

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ehsize    = 64
	phentsize = 56
)

// Load is the content of one PT_LOAD segment to write.
type Load struct {
	Paddr uint64
	Vaddr uint64
	Data  []byte
}

// Writer writes little-endian ELF64 AArch64 core files holding notes and
// physical memory segments.
type Writer struct {
	w   io.WriteSeeker
	err error
}

func NewWriter(w io.WriteSeeker) *Writer {
	return &Writer{w: w}
}

// Write writes the whole core: file header, program headers, the PT_NOTE
// payload and then every PT_LOAD payload.
func (w *Writer) Write(notes []Note, loads []Load) error {
	// +-------------------------------+
	// | ELF File Header               |
	// +-------------------------------+
	// | PT_NOTE program header        |
	// +-------------------------------+
	// | PT_LOAD program header #1     |
	// | ...                           |
	// +-------------------------------+
	// | Notes                         |
	// +-------------------------------+
	// | Segment contents              |
	// +-------------------------------+
	var progs []elf.ProgHeader
	if len(notes) > 0 {
		progs = append(progs, elf.ProgHeader{Type: elf.PT_NOTE, Align: 4})
	}
	for _, l := range loads {
		progs = append(progs, elf.ProgHeader{
			Type:   elf.PT_LOAD,
			Flags:  elf.PF_R | elf.PF_W | elf.PF_X,
			Paddr:  l.Paddr,
			Vaddr:  l.Vaddr,
			Filesz: uint64(len(l.Data)),
			Memsz:  uint64(len(l.Data)),
		})
	}

	w.writeFileHeader(len(progs))
	if w.err != nil {
		return fmt.Errorf("failed to write file header: %w", w.err)
	}

	// Program headers are written last, once the payload offsets are known.
	phoff := w.here()
	w.seek(int64(len(progs)*phentsize), io.SeekCurrent)

	i := 0
	if len(notes) > 0 {
		progs[0].Off = uint64(w.here())
		for j := range notes {
			w.writeNote(&notes[j])
		}
		progs[0].Filesz = uint64(w.here()) - progs[0].Off
		i++
	}
	for _, l := range loads {
		w.align(8)
		progs[i].Off = uint64(w.here())
		w.write(l.Data)
		i++
	}
	if w.err != nil {
		return fmt.Errorf("failed to write contents: %w", w.err)
	}

	w.seek(phoff, io.SeekStart)
	for j := range progs {
		w.writeProgHeader(&progs[j])
	}
	w.seek(0, io.SeekEnd)
	if w.err != nil {
		return fmt.Errorf("failed to write program headers: %w", w.err)
	}
	return nil
}

func (w *Writer) writeFileHeader(phnum int) {
	// e_ident
	w.write([]byte{
		0x7f, 'E', 'L', 'F', // Magic number
		byte(elf.ELFCLASS64),
		byte(elf.ELFDATA2LSB),
		byte(elf.EV_CURRENT),
		byte(elf.ELFOSABI_NONE),
		0,
		0, 0, 0, 0, 0, 0, 0, // Padding
	})
	w.u16(uint16(elf.ET_CORE))    // e_type
	w.u16(uint16(elf.EM_AARCH64)) // e_machine
	w.u32(uint32(elf.EV_CURRENT)) // e_version
	w.u64(0)                      // e_entry
	w.u64(ehsize)                 // e_phoff
	w.u64(0)                      // e_shoff
	w.u32(0)                      // e_flags
	w.u16(ehsize)                 // e_ehsize
	w.u16(phentsize)              // e_phentsize
	w.u16(uint16(phnum))          // e_phnum
	w.u16(64)                     // e_shentsize
	w.u16(0)                      // e_shnum
	w.u16(uint16(elf.SHN_UNDEF))  // e_shstrndx

	if w.err == nil && w.here() != ehsize {
		w.err = errors.New("internal error, ELF header size")
	}
}

func (w *Writer) writeProgHeader(p *elf.ProgHeader) {
	w.u32(uint32(p.Type))
	w.u32(uint32(p.Flags))
	w.u64(p.Off)
	w.u64(p.Vaddr)
	w.u64(p.Paddr)
	w.u64(p.Filesz)
	w.u64(p.Memsz)
	w.u64(p.Align)
}

// writeNote writes an Elf64_Nhdr, which like Elf32_Nhdr is three 32-bit
// words, followed by the NUL terminated name and the descriptor.
func (w *Writer) writeNote(n *Note) {
	name := append([]byte(n.Name), 0)
	w.u32(uint32(len(name)))
	w.u32(uint32(len(n.Data)))
	w.u32(uint32(n.Type))
	w.write(name)
	w.align(4)
	w.write(n.Data)
	w.align(4)
}

func (w *Writer) here() int64 {
	if w.err != nil {
		return 0
	}
	pos, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		w.err = err
	}
	return pos
}

func (w *Writer) seek(off int64, whence int) {
	if w.err != nil {
		return
	}
	if _, err := w.w.Seek(off, whence); err != nil {
		w.err = err
	}
}

func (w *Writer) align(a int64) {
	pad := (a - w.here()%a) % a
	if pad > 0 {
		w.write(make([]byte, pad))
	}
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *Writer) u16(n uint16) {
	w.write(binary.LittleEndian.AppendUint16(nil, n))
}

func (w *Writer) u32(n uint32) {
	w.write(binary.LittleEndian.AppendUint32(nil, n))
}

func (w *Writer) u64(n uint64) {
	w.write(binary.LittleEndian.AppendUint64(nil, n))
}
