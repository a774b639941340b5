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

// Package arch defines the seam between architecture independent commands
// and the per-architecture backends.
package arch

import (
	"fmt"
	"io"

	"github.com/parca-dev/kcrash/pkg/config"
	"github.com/parca-dev/kcrash/pkg/vmcore"
)

// Task is one entry of the session task table.
type Task struct {
	PID  int
	Comm string
	// Task is the address of the task_struct.
	Task uint64
	// Stack is the lowest address of the kernel stack.
	Stack uint64
	// MM is the address of the mm_struct, zero for kernel threads.
	MM     uint64
	CPU    int
	Active bool

	kernelThread *bool
}

// TaskFromConfig converts a task table entry of the session file.
func TaskFromConfig(t config.Task) Task {
	return Task{
		PID:          t.PID,
		Comm:         t.Comm,
		Task:         uint64(t.Task),
		Stack:        uint64(t.Stack),
		MM:           uint64(t.MM),
		CPU:          t.CPU,
		Active:       t.Active,
		kernelThread: t.KernelThread,
	}
}

// IsKernelThread reports whether the task has no user address space.
func (t Task) IsKernelThread() bool {
	if t.kernelThread != nil {
		return *t.kernelThread
	}
	return t.MM == 0
}

// Header renders the line crash prints above a backtrace.
func (t Task) Header() string {
	return fmt.Sprintf("PID: %-6d TASK: %x  CPU: %d   COMMAND: %q", t.PID, t.Task, t.CPU, t.Comm)
}

type RangeType int

const (
	RangeUnityMap RangeType = iota
	RangeVmalloc
	RangeModules
	RangeVmemmap
)

func (t RangeType) String() string {
	switch t {
	case RangeUnityMap:
		return "KVADDR_UNITY_MAP"
	case RangeVmalloc:
		return "KVADDR_VMALLOC"
	case RangeModules:
		return "KVADDR_MODULES"
	case RangeVmemmap:
		return "KVADDR_VMEMMAP"
	default:
		return fmt.Sprintf("RangeType(%d)", int(t))
	}
}

// Range is a kernel virtual address region, End inclusive.
type Range struct {
	Type       RangeType
	Start, End uint64
}

// BacktraceOptions mirror the flags of crash's bt command.
type BacktraceOptions struct {
	// ExceptionFrames searches the whole stack for exception frames (bt -e).
	ExceptionFrames bool
	// FullFrames dumps the stack words of every frame (bt -f).
	FullFrames bool
	// TextSymbols lists every text address found on the stack (bt -t).
	TextSymbols bool
	// TextSymbolsAll starts the text listing at the stack base (bt -T).
	TextSymbolsAll bool
	// SymbolOffset prints symbols as name+offset (bt -s).
	SymbolOffset bool
	// Reference only prints backtraces referencing the symbol or hex
	// value (bt -R).
	Reference string
}

// Architecture is implemented by every supported machine backend. One
// implementation is selected at session start.
type Architecture interface {
	Name() string

	// KVToP translates a kernel virtual address.
	KVToP(vaddr uint64) (uint64, error)
	// UVToP translates a user virtual address of task.
	UVToP(task Task, vaddr uint64) (uint64, error)
	// VTOP writes the translation report of crash's vtop command. A nil
	// task selects the kernel address space.
	VTOP(w io.Writer, task *Task, vaddr uint64, verbose bool) error
	// DescribePTE writes the decoded entry and reports whether the page
	// is present.
	DescribePTE(w io.Writer, pte uint64) bool

	Backtrace(w io.Writer, task Task, opts BacktraceOptions) error
	EframeSearch(w io.Writer, task Task) (int, error)

	KernelRanges() []Range
	DumpMachdep(w io.Writer)
	DisplayMachineStats(w io.Writer)
	DisFilter(vaddr uint64, line string, radix int) (string, bool)

	// PanicNotes returns the per-CPU panic registers as NT_PRSTATUS notes,
	// nil when none were recovered.
	PanicNotes() []vmcore.Note
	DumpPanicRegisters(w io.Writer) error

	ClearCache()
	InAlternateStack(cpu int, sp uint64) bool
	ProcessorSpeed() uint64
}
