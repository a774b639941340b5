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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrShortFrame = errors.New("exception frame out of bounds")

// ExceptionFrame is struct pt_regs.
type ExceptionFrame struct {
	Regs      [31]uint64
	SP        uint64
	PC        uint64
	PState    uint64
	OrigX0    uint64
	SyscallNo uint64
}

func (f *ExceptionFrame) LR() uint64 { return f.Regs[30] }
func (f *ExceptionFrame) FP() uint64 { return f.Regs[29] }

// DecodeExceptionFrame decodes the little endian pt_regs at the start of b.
func DecodeExceptionFrame(b []byte) (ExceptionFrame, error) {
	var f ExceptionFrame
	if len(b) < PtRegsSize {
		return f, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8:]) }
	for i := range f.Regs {
		f.Regs[i] = word(i)
	}
	f.SP = word(31)
	f.PC = word(32)
	f.PState = word(33)
	f.OrigX0 = word(34)
	f.SyscallNo = word(35)
	return f, nil
}

// ExceptionFrameAt decodes the pt_regs stored at addr of the stack.
func (s *Stack) ExceptionFrameAt(addr uint64) (ExceptionFrame, error) {
	b, ok := s.Bytes(addr, PtRegsSize)
	if !ok {
		return ExceptionFrame{}, fmt.Errorf("%w: %#x", ErrShortFrame, addr)
	}
	return DecodeExceptionFrame(b)
}

// IsKernelExceptionFrame is a best effort check for a pt_regs saved on
// entry from EL1 at addr. It can miss frames but must not accept random
// stack contents, so every condition has to hold.
func IsKernelExceptionFrame(s *Stack, addr uint64, isText func(uint64) bool) bool {
	f, err := s.ExceptionFrameAt(addr)
	if err != nil {
		return false
	}

	if !s.Contains(f.SP) || !s.Contains(f.FP()) {
		return false
	}
	if f.PState&(0xffffffff00000000|PSRMode32) != 0 {
		return false
	}
	if !isText(f.PC) || !isText(f.LR()) {
		return false
	}
	switch f.PState & PSRModeMask {
	case PSRModeEL1t, PSRModeEL1h:
		return true
	}
	return false
}

type FrameMode int

const (
	KernelMode FrameMode = iota + 1
	UserMode
)

// FoundFrame is one result of SearchExceptionFrames.
type FoundFrame struct {
	Addr uint64
	Mode FrameMode
}

// SearchExceptionFrames checks every word aligned offset of the stack. A
// task with a user context also gets the frame the kernel saves below the
// stack top on entry from EL0.
func SearchExceptionFrames(s *Stack, ptRegsSize uint64, kernelThread bool, isText func(uint64) bool) []FoundFrame {
	var found []FoundFrame
	for addr := s.Base; addr+ptRegsSize < s.Top(); addr += 8 {
		if IsKernelExceptionFrame(s, addr, isText) {
			found = append(found, FoundFrame{Addr: addr, Mode: KernelMode})
		}
	}
	if !kernelThread {
		found = append(found, FoundFrame{Addr: s.Top() - UserEframeOffset, Mode: UserMode})
	}
	return found
}

// writeExceptionFrame renders f in crash's layout. Symbol names are only
// printed for kernel mode frames.
func writeExceptionFrame(w io.Writer, f *ExceptionFrame, mode FrameMode, syms Symbols) {
	is64 := true
	lr, sp := f.LR(), f.SP
	topReg, rows := 29, 3
	if mode == UserMode && f.PState&PSRMode32 != 0 {
		lr, sp = f.Regs[14], f.Regs[13]
		topReg, rows = 12, 4
		is64 = false
	}

	switch mode {
	case UserMode:
		if is64 {
			fmt.Fprintf(w, "     PC: %016x   LR: %016x   SP: %016x\n    ", f.PC, lr, sp)
		} else {
			fmt.Fprintf(w, "     PC: %08x  LR: %08x  SP: %08x  PSTATE: %08x\n    ", f.PC, lr, sp, f.PState)
		}
	case KernelMode:
		fmt.Fprintf(w, "     PC: %016x  %s\n", f.PC, textLabel(syms, f.PC))
		fmt.Fprintf(w, "     LR: %016x  %s\n", lr, textLabel(syms, lr))
		fmt.Fprintf(w, "     SP: %016x  PSTATE: %08x\n    ", sp, f.PState)
	}

	for i, r := topReg, 1; i >= 0; i, r = i-1, r+1 {
		if i < 10 {
			fmt.Fprint(w, " ")
		}
		if is64 {
			fmt.Fprintf(w, "X%d: %016x", i, f.Regs[i])
		} else {
			fmt.Fprintf(w, "X%d: %08x", i, f.Regs[i])
		}
		switch {
		case i == 0 || r%rows == 0:
			fmt.Fprint(w, "\n    ")
		case is64:
			fmt.Fprint(w, "  ")
		default:
			fmt.Fprint(w, " ")
		}
	}

	if is64 {
		fmt.Fprintf(w, "ORIG_X0: %016x  SYSCALLNO: %x", f.OrigX0, f.SyscallNo)
		if mode == UserMode {
			fmt.Fprintf(w, "  PSTATE: %08x", f.PState)
		}
		fmt.Fprintln(w)
	}
}

func textLabel(syms Symbols, addr uint64) string {
	if syms.IsKernelText(addr) {
		return "[" + syms.Symbolize(addr) + "]"
	}
	return "[unknown or invalid address]"
}

// values lists every register a reference search should compare against.
func (f *ExceptionFrame) values(mode FrameMode) []uint64 {
	lr, sp, topReg, is64 := f.LR(), f.SP, 29, true
	if mode == UserMode && f.PState&PSRMode32 != 0 {
		lr, sp, topReg, is64 = f.Regs[14], f.Regs[13], 12, false
	}
	vals := []uint64{f.PC, lr, sp, f.PState}
	vals = append(vals, f.Regs[:topReg+1]...)
	if is64 {
		vals = append(vals, f.OrigX0, f.SyscallNo)
	}
	return vals
}
