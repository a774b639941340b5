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

	"github.com/parca-dev/kcrash/pkg/memory"
)

// ErrEndOfChain ends a frame pointer walk. It is not a failure.
var ErrEndOfChain = errors.New("end of frame chain")

// StackFrame is the unwinder state between two hops.
type StackFrame struct {
	SP uint64
	FP uint64
	PC uint64
}

// Stack is a snapshot of one kernel stack, read once per backtrace.
type Stack struct {
	Base uint64
	data []byte
}

func NewStack(base uint64, data []byte) *Stack {
	return &Stack{Base: base, data: data}
}

// ReadStack captures the StackSize bytes starting at base.
func ReadStack(r memory.Reader, base uint64) (*Stack, error) {
	b, err := r.Read(base, memory.KernelVirtual, StackSize)
	if err != nil {
		return nil, fmt.Errorf("reading stack at %#x: %w", base, err)
	}
	return NewStack(base, b), nil
}

// Top is the first address past the stack.
func (s *Stack) Top() uint64 {
	return s.Base + uint64(len(s.data))
}

// Contains reports whether addr lies in the stack.
func (s *Stack) Contains(addr uint64) bool {
	return addr >= s.Base && addr < s.Top()
}

// Bytes returns size bytes at addr, or false if any of them is outside the
// snapshot.
func (s *Stack) Bytes(addr, size uint64) ([]byte, bool) {
	if addr < s.Base || size > uint64(len(s.data)) || addr-s.Base > uint64(len(s.data))-size {
		return nil, false
	}
	off := addr - s.Base
	return s.data[off : off+size], true
}

// Word returns the machine word at addr.
func (s *Stack) Word(addr uint64) (uint64, bool) {
	b, ok := s.Bytes(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// Step follows the frame record at frame.FP. The record must be 16 byte
// aligned and lie between the current sp and the end of its stack.
func Step(s *Stack, frame StackFrame) (StackFrame, error) {
	const stackMask = StackSize - 1

	fp := frame.FP
	low := frame.SP
	high := (low + stackMask) &^ uint64(stackMask)

	if fp < low || fp > high || fp&0xf != 0 {
		return frame, ErrEndOfChain
	}

	nextFP, ok := s.Word(fp)
	if !ok {
		return frame, ErrEndOfChain
	}
	nextPC, ok := s.Word(fp + 8)
	if !ok {
		return frame, ErrEndOfChain
	}
	return StackFrame{SP: fp + 0x10, FP: nextFP, PC: nextPC}, nil
}
