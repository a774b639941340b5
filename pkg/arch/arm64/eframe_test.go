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
	"testing"

	"github.com/stretchr/testify/require"
)

func isTestText(addr uint64) bool {
	return addr >= 0xffffffc000080000 && addr < 0xffffffc000800000
}

func (s *Stack) putFrame(addr uint64, f ExceptionFrame) {
	for i, r := range f.Regs {
		s.put(addr+uint64(i)*8, r)
	}
	s.put(addr+31*8, f.SP)
	s.put(addr+32*8, f.PC)
	s.put(addr+33*8, f.PState)
	s.put(addr+34*8, f.OrigX0)
	s.put(addr+35*8, f.SyscallNo)
}

func kernelFrame(sp, fp uint64) ExceptionFrame {
	var f ExceptionFrame
	f.Regs[29] = fp
	f.Regs[30] = 0xffffffc000100120
	f.SP = sp
	f.PC = 0xffffffc000100010
	f.PState = PSRModeEL1h
	return f
}

func TestIsKernelExceptionFrame(t *testing.T) {
	addr := uint64(testStackBase + 0x1000)
	good := kernelFrame(testStackBase+0x1200, testStackBase+0x1300)

	tests := []struct {
		name   string
		modify func(f *ExceptionFrame)
		want   bool
	}{
		{"EL1h", func(*ExceptionFrame) {}, true},
		{"EL1t", func(f *ExceptionFrame) { f.PState = PSRModeEL1t }, true},
		{"EL0t", func(f *ExceptionFrame) { f.PState = PSRModeEL0t }, false},
		{"aarch32", func(f *ExceptionFrame) { f.PState = PSRModeEL1h | PSRMode32 }, false},
		{"upper pstate bits", func(f *ExceptionFrame) { f.PState = PSRModeEL1h | 1<<32 }, false},
		{"pc not text", func(f *ExceptionFrame) { f.PC = 0x400000 }, false},
		{"lr not text", func(f *ExceptionFrame) { f.Regs[30] = 0 }, false},
		{"sp off stack", func(f *ExceptionFrame) { f.SP = testStackBase - 0x10 }, false},
		{"fp off stack", func(f *ExceptionFrame) { f.Regs[29] = testStackBase + StackSize }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStack()
			f := good
			tt.modify(&f)
			s.putFrame(addr, f)
			require.Equal(t, tt.want, IsKernelExceptionFrame(s, addr, isTestText))
		})
	}

	s := newTestStack()
	require.False(t, IsKernelExceptionFrame(s, s.Top()-PtRegsSize+8, isTestText))
}

func TestDecodeExceptionFrame(t *testing.T) {
	_, err := DecodeExceptionFrame(make([]byte, PtRegsSize-1))
	require.ErrorIs(t, err, ErrShortFrame)

	s := newTestStack()
	want := kernelFrame(testStackBase+0x200, testStackBase+0x300)
	want.OrigX0 = 7
	want.SyscallNo = 64
	s.putFrame(testStackBase+0x100, want)

	got, err := s.ExceptionFrameAt(testStackBase + 0x100)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, want.Regs[29], got.FP())
	require.Equal(t, want.Regs[30], got.LR())
}

func TestSearchExceptionFrames(t *testing.T) {
	userFrame := FoundFrame{Addr: testStackBase + StackSize - UserEframeOffset, Mode: UserMode}

	t.Run("none", func(t *testing.T) {
		s := newTestStack()
		require.Empty(t, SearchExceptionFrames(s, PtRegsSize, true, isTestText))
		require.Equal(t, []FoundFrame{userFrame}, SearchExceptionFrames(s, PtRegsSize, false, isTestText))
	})

	t.Run("one", func(t *testing.T) {
		s := newTestStack()
		addr := uint64(testStackBase + 0x2000)
		s.putFrame(addr, kernelFrame(testStackBase+0x2200, testStackBase+0x2300))
		require.Equal(t, []FoundFrame{{Addr: addr, Mode: KernelMode}}, SearchExceptionFrames(s, PtRegsSize, true, isTestText))
	})

	t.Run("three", func(t *testing.T) {
		s := newTestStack()
		var want []FoundFrame
		for _, off := range []uint64{0x800, 0x1800, 0x2800} {
			addr := testStackBase + off
			s.putFrame(addr, kernelFrame(addr+0x200, addr+0x300))
			want = append(want, FoundFrame{Addr: addr, Mode: KernelMode})
		}
		want = append(want, userFrame)
		require.Equal(t, want, SearchExceptionFrames(s, PtRegsSize, false, isTestText))
	})
}
