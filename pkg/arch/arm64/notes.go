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

package arm64

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedNote = errors.New("malformed crash note")

const noteHeaderSize = 12

var coreNoteName = []byte("CORE")

// PanicRegisters holds the registers of every CPU at crash time, indexed
// by CPU number. Only the user_pt_regs part of each frame is filled.
type PanicRegisters []ExceptionFrame

// DecodeNote extracts the registers from one note_buf_t. prRegOffset is
// offsetof(struct elf_prstatus, pr_reg).
func DecodeNote(blob []byte, prRegOffset uint64) (ExceptionFrame, error) {
	var f ExceptionFrame
	if len(blob) < noteHeaderSize+len(coreNoteName) {
		return f, fmt.Errorf("%w: %d bytes", ErrMalformedNote, len(blob))
	}

	nameSize := binary.LittleEndian.Uint32(blob[0:4])
	typ := elf.NType(binary.LittleEndian.Uint32(blob[8:12]))
	if typ != elf.NT_PRSTATUS {
		return f, fmt.Errorf("%w: n_type %d != NT_PRSTATUS", ErrMalformedNote, typ)
	}
	if !bytes.Equal(blob[noteHeaderSize:noteHeaderSize+len(coreNoteName)], coreNoteName) {
		return f, fmt.Errorf("%w: name != \"CORE\"", ErrMalformedNote)
	}

	off := (uint64(noteHeaderSize)+uint64(nameSize)+3)&^3 + prRegOffset
	end := off + userPtRegsWords*8
	if end > uint64(len(blob)) {
		return f, fmt.Errorf("%w: registers at %d past end of %d byte note", ErrMalformedNote, off, len(blob))
	}

	regs := blob[off:end]
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(regs[i*8:]) }
	for i := range f.Regs {
		f.Regs[i] = word(i)
	}
	f.SP = word(31)
	f.PC = word(32)
	f.PState = word(33)
	return f, nil
}

// DecodeAll decodes the notes of every CPU. A single bad note discards the
// whole set.
func DecodeAll(blobs [][]byte, prRegOffset uint64) (PanicRegisters, error) {
	regs := make(PanicRegisters, 0, len(blobs))
	for cpu, blob := range blobs {
		f, err := DecodeNote(blob, prRegOffset)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: %w", cpu, err)
		}
		regs = append(regs, f)
	}
	return regs, nil
}

// EncodeNote builds the NT_PRSTATUS descriptor for f, the inverse of
// DecodeNote for a note written with vmcore.Writer.
func EncodeNote(f *ExceptionFrame, prRegOffset, prstatusSize uint64) []byte {
	size := max(prstatusSize, prRegOffset+userPtRegsWords*8)
	desc := make([]byte, size)
	regs := desc[prRegOffset:]
	for i, r := range f.Regs {
		binary.LittleEndian.PutUint64(regs[i*8:], r)
	}
	binary.LittleEndian.PutUint64(regs[31*8:], f.SP)
	binary.LittleEndian.PutUint64(regs[32*8:], f.PC)
	binary.LittleEndian.PutUint64(regs[33*8:], f.PState)
	return desc
}
