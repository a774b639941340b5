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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/kcrash/pkg/memory"
	"github.com/parca-dev/kcrash/pkg/testutil"
)

const testStackBase = 0xffffffc00b000000

func newTestStack() *Stack {
	return NewStack(testStackBase, make([]byte, StackSize))
}

func (s *Stack) put(addr, v uint64) {
	binary.LittleEndian.PutUint64(s.data[addr-s.Base:], v)
}

func TestStackBounds(t *testing.T) {
	s := newTestStack()
	require.Equal(t, uint64(testStackBase+StackSize), s.Top())
	require.True(t, s.Contains(testStackBase))
	require.False(t, s.Contains(s.Top()))
	require.False(t, s.Contains(testStackBase-1))

	_, ok := s.Word(s.Top() - 8)
	require.True(t, ok)
	_, ok = s.Word(s.Top() - 4)
	require.False(t, ok)
	_, ok = s.Bytes(testStackBase, StackSize+1)
	require.False(t, ok)
}

func TestStep(t *testing.T) {
	s := newTestStack()
	fp := uint64(testStackBase + 0x3e00)
	s.put(fp, testStackBase+0x3f00)
	s.put(fp+8, 0xffffffc000100120)

	next, err := Step(s, StackFrame{SP: fp - 0x40, FP: fp, PC: 0xffffffc000100010})
	require.NoError(t, err)
	require.Equal(t, StackFrame{SP: fp + 0x10, FP: testStackBase + 0x3f00, PC: 0xffffffc000100120}, next)
}

func TestStepEndOfChain(t *testing.T) {
	s := newTestStack()
	sp := uint64(testStackBase + 0x3000)

	tests := []struct {
		name string
		fp   uint64
	}{
		{"below sp", sp - 0x10},
		{"misaligned", sp + 0x18},
		{"past stack end", testStackBase + StackSize + 0x10},
		{"zero", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := StackFrame{SP: sp, FP: tt.fp, PC: 0xffffffc000100010}
			next, err := Step(s, frame)
			require.ErrorIs(t, err, ErrEndOfChain)
			require.Equal(t, frame, next)
		})
	}

	// A record at the stack top passes the range check but cannot be read.
	_, err := Step(s, StackFrame{SP: s.Top() - 0x10, FP: s.Top()})
	require.ErrorIs(t, err, ErrEndOfChain)
}

func TestReadStack(t *testing.T) {
	mem := testutil.NewMemory()
	mem.Zero(memory.KernelVirtual, testStackBase, StackSize)
	mem.WriteUint64(memory.KernelVirtual, testStackBase+0x100, 0xdead)

	s, err := ReadStack(mem, testStackBase)
	require.NoError(t, err)
	v, ok := s.Word(testStackBase + 0x100)
	require.True(t, ok)
	require.Equal(t, uint64(0xdead), v)

	_, err = ReadStack(mem, testStackBase+StackSize)
	require.ErrorIs(t, err, testutil.ErrUnmapped)
}
