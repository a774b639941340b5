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
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/parca-dev/kcrash/pkg/arch"
	"github.com/parca-dev/kcrash/pkg/memory"
)

var ErrNoStartingFrame = errors.New("cannot determine starting stack frame")

// kdumpScanSkip is how far below the start address the re-entry scan
// begins, the eight words closest to it belong to the current frame.
const kdumpScanSkip = 8 * 8

// terminalSymbols end a kernel backtrace.
var terminalSymbols = map[string]struct{}{
	"start_kernel":           {},
	"secondary_start_kernel": {},
	"kthread":                {},
	"kthreadd":               {},
}

type btFlags uint

const (
	btUserSpace btFlags = 1 << iota
	btKdumpAdjust
)

// reference is the target of bt -R.
type reference struct {
	symbol string
	hex    uint64
	isHex  bool
	found  bool
}

func (m *Machine) parseReference(s string) *reference {
	if _, ok := m.syms.Lookup(s); ok {
		return &reference{symbol: s}
	}
	if v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64); err == nil {
		return &reference{hex: v, isHex: true}
	}
	return &reference{symbol: s}
}

// backtrace is the state of one bt request.
type backtrace struct {
	m     *Machine
	w     io.Writer
	task  arch.Task
	stack *Stack
	opts  arch.BacktraceOptions
	ref   *reference

	flags btFlags
	// bptr is the stack slot holding the return address into the kdump
	// re-entry code.
	bptr uint64
	// frameptr is where the previous frame ended, for bt -f.
	frameptr uint64
}

// Backtrace writes the backtrace of task. With a reference set nothing is
// written unless the trace refers to it.
func (m *Machine) Backtrace(w io.Writer, task arch.Task, opts arch.BacktraceOptions) error {
	err := m.backtraceTask(w, task, opts)
	switch {
	case err == nil:
		m.metrics.backtraces.WithLabelValues(btResultComplete).Inc()
	case errors.Is(err, ErrNoStartingFrame):
		m.metrics.backtraces.WithLabelValues(btResultWarning).Inc()
	default:
		m.metrics.backtraces.WithLabelValues(btResultError).Inc()
	}
	return err
}

func (m *Machine) backtraceTask(w io.Writer, task arch.Task, opts arch.BacktraceOptions) error {
	if opts.ExceptionFrames {
		fmt.Fprintln(w, task.Header())
		_, err := m.EframeSearch(w, task)
		return err
	}

	if opts.Reference != "" {
		ref := m.parseReference(opts.Reference)
		if err := m.runBacktrace(io.Discard, task, opts, ref); err != nil {
			return err
		}
		if !ref.found {
			return nil
		}
		opts.Reference = ""
	}

	fmt.Fprintln(w, task.Header())
	return m.runBacktrace(w, task, opts, nil)
}

func (m *Machine) runBacktrace(w io.Writer, task arch.Task, opts arch.BacktraceOptions, ref *reference) error {
	stack, err := ReadStack(m.mem, task.Stack)
	if err != nil {
		return err
	}

	bt := &backtrace{m: m, w: w, task: task, stack: stack, opts: opts, ref: ref}
	frame, err := bt.startingFrame()
	if err != nil {
		return fmt.Errorf("%w for task %x: %w", ErrNoStartingFrame, task.Task, err)
	}
	bt.frameptr = frame.FP
	bt.run(frame)
	return nil
}

// startingFrame picks the first frame: the kdump re-entry slot, the panic
// registers of the task's CPU or the context saved at the last switch.
func (bt *backtrace) startingFrame() (StackFrame, error) {
	m := bt.m
	if !m.live && bt.task.Active {
		if frame, ok := bt.dumpfileFrame(); ok {
			return frame, nil
		}
	}
	return m.savedContext(bt.task)
}

func (bt *backtrace) dumpfileFrame() (StackFrame, bool) {
	m := bt.m
	var (
		frame StackFrame
		ok    bool
	)
	if cpu := bt.task.CPU; cpu >= 0 && cpu < len(m.panicRegs) {
		regs := &m.panicRegs[cpu]
		frame = StackFrame{SP: regs.SP, PC: regs.PC, FP: regs.FP()}
		ok = true
		if !m.syms.IsKernelText(frame.PC) && m.cfg.Layout.IsUserAddr(frame.SP) {
			bt.flags |= btUserSpace
		}
	}

	if bt.inKdumpText(frame, ok) {
		bt.flags |= btKdumpAdjust
		fp, _ := bt.stack.Word(bt.bptr - 8)
		pc, _ := bt.stack.Word(bt.bptr)
		return StackFrame{FP: fp, PC: pc, SP: bt.bptr + 8}, true
	}
	return frame, ok
}

// inKdumpText scans the stack downwards for a return address into
// crash_kexec or crash_save_cpu.
func (bt *backtrace) inKdumpText(frame StackFrame, haveFrame bool) bool {
	cfg := bt.m.cfg
	if cfg.Flags&KdumpEnabled == 0 {
		return false
	}

	start := bt.stack.Top()
	if haveFrame && bt.flags&btUserSpace == 0 && bt.stack.Contains(frame.FP) {
		start = frame.FP
	}

	// The saved frame pointer sits one word below the match.
	for off := int64(start-bt.stack.Base) - kdumpScanSkip; off >= 8; off -= 8 {
		addr := bt.stack.Base + uint64(off)
		v, ok := bt.stack.Word(addr)
		if !ok {
			continue
		}
		if cfg.CrashKexec.Contains(v) || cfg.CrashSaveCPU.Contains(v) {
			bt.bptr = addr
			return true
		}
	}
	return false
}

func (bt *backtrace) run(frame StackFrame) {
	m := bt.m
	if bt.opts.TextSymbols || bt.opts.TextSymbolsAll {
		bt.textSymbols(frame)
		return
	}

	if bt.flags&btKdumpAdjust == 0 {
		if bt.flags&btUserSpace != 0 {
			bt.completeUser()
			return
		}
		if !m.live && bt.task.Active {
			addr := frame.FP - m.cfg.PtRegsSize
			if IsKernelExceptionFrame(bt.stack, addr, m.syms.IsKernelText) {
				bt.exceptionFrame(addr, KernelMode)
			}
		}
	}

	var pending uint64
	for level := 0; ; level++ {
		pc := frame.PC
		if bt.entry(level, frame) {
			return
		}

		if pending != 0 {
			bt.exceptionFrame(pending, KernelMode)
			pending = 0
		}

		next, err := Step(bt.stack, frame)
		if err != nil {
			break
		}
		frame = next

		if m.cfg.ExceptionText.Contains(pc) && bt.stack.Contains(frame.FP) {
			pending = frame.FP - m.cfg.PtRegsSize
		}
	}

	if bt.task.IsKernelThread() {
		return
	}
	bt.completeUser()
}

func (bt *backtrace) completeUser() {
	bt.exceptionFrame(bt.stack.Top()-UserEframeOffset, UserMode)
	if bt.flags&(btUserSpace|btKdumpAdjust) == btUserSpace {
		fmt.Fprintln(bt.w, " #0 [user space]")
	}
}

func (bt *backtrace) symbolName(addr uint64) (string, string) {
	s, off, ok := bt.m.syms.Nearest(addr)
	if !ok {
		return "(unknown)", "(unknown)"
	}
	if bt.opts.SymbolOffset && off != 0 {
		return s.Name, fmt.Sprintf("%s+%#x", s.Name, off)
	}
	return s.Name, s.Name
}

// entry prints one frame line and reports whether the frame ends the trace.
func (bt *backtrace) entry(level int, frame StackFrame) bool {
	name, label := bt.symbolName(frame.PC)

	if bt.opts.FullFrames {
		bt.fullFrame(frame.SP)
		bt.frameptr = frame.SP
	}

	pad := ""
	if level < 10 {
		pad = " "
	}
	fmt.Fprintf(bt.w, "%s#%d [%8x] %s at %x", pad, level, frame.SP, label, frame.PC)
	bt.checkNamed(frame.PC, name)
	if mod, ok := bt.m.syms.ModuleOf(frame.PC); ok {
		fmt.Fprintf(bt.w, " [%s]", mod)
	}
	fmt.Fprintln(bt.w)

	_, terminal := terminalSymbols[name]
	return terminal
}

// fullFrame dumps the stack words between the previous frame and sp.
func (bt *backtrace) fullFrame(sp uint64) {
	if bt.frameptr == sp || sp < bt.frameptr {
		return
	}
	if !bt.stack.Contains(sp) || !bt.stack.Contains(bt.frameptr) {
		return
	}

	words := (sp - bt.frameptr) / 8
	addr := bt.frameptr
	for i := uint64(0); i < words; i, addr = i+1, addr+8 {
		if i&1 == 0 {
			if i != 0 {
				fmt.Fprintln(bt.w)
			}
			fmt.Fprintf(bt.w, "    %x: ", addr)
		}
		v, _ := bt.stack.Word(addr)
		fmt.Fprintf(bt.w, "%016x ", v)
	}
	fmt.Fprintln(bt.w)
}

func (bt *backtrace) textSymbols(frame StackFrame) {
	start := bt.stack.Base
	if !bt.opts.TextSymbolsAll {
		_, label := bt.symbolName(frame.PC)
		fmt.Fprintf(bt.w, "%sSTART: %s at %x\n", strings.Repeat(" ", 14), label, frame.PC)
		if frame.SP-8 > start && bt.stack.Contains(frame.SP-8) {
			start = frame.SP - 8
		}
	}

	for addr := start; addr+8 <= bt.stack.Top(); addr += 8 {
		v, _ := bt.stack.Word(addr)
		if !bt.m.syms.IsKernelText(v) {
			continue
		}
		name, label := bt.symbolName(v)
		fmt.Fprintf(bt.w, "  [%16x] %s at %x", addr, label, v)
		if mod, ok := bt.m.syms.ModuleOf(v); ok {
			fmt.Fprintf(bt.w, " [%s]", mod)
		}
		fmt.Fprintln(bt.w)
		bt.checkNamed(v, name)
	}
}

func (bt *backtrace) exceptionFrame(addr uint64, mode FrameMode) {
	f, err := bt.stack.ExceptionFrameAt(addr)
	if err != nil {
		return
	}
	writeExceptionFrame(bt.w, &f, mode, bt.m.syms)
	for _, v := range f.values(mode) {
		bt.checkValue(v)
	}
}

// checkNamed matches a frame whose symbol is already resolved.
func (bt *backtrace) checkNamed(text uint64, name string) {
	if bt.ref == nil {
		return
	}
	if bt.ref.isHex {
		if text == bt.ref.hex {
			bt.ref.found = true
		}
		return
	}
	if name == bt.ref.symbol {
		bt.ref.found = true
	}
}

// checkValue matches a raw register value.
func (bt *backtrace) checkValue(v uint64) {
	if bt.ref == nil {
		return
	}
	if bt.ref.isHex {
		if v == bt.ref.hex {
			bt.ref.found = true
		}
		return
	}
	if s, off, ok := bt.m.syms.Nearest(v); ok && off == 0 && s.Name == bt.ref.symbol {
		bt.ref.found = true
	}
}

// EframeSearch writes every exception frame found on the stack of task and
// returns how many there were.
func (m *Machine) EframeSearch(w io.Writer, task arch.Task) (int, error) {
	stack, err := ReadStack(m.mem, task.Stack)
	if err != nil {
		return 0, err
	}

	frames := SearchExceptionFrames(stack, m.cfg.PtRegsSize, task.IsKernelThread(), m.syms.IsKernelText)
	for i, found := range frames {
		f, err := stack.ExceptionFrameAt(found.Addr)
		if err != nil {
			return i, err
		}
		switch found.Mode {
		case KernelMode:
			fmt.Fprintf(w, "\nKERNEL-MODE EXCEPTION FRAME AT: %x\n", found.Addr)
		case UserMode:
			sep := ""
			if i > 0 {
				sep = "\n"
			}
			fmt.Fprintf(w, "%sUSER-MODE EXCEPTION FRAME AT: %x\n", sep, found.Addr)
		}
		writeExceptionFrame(w, &f, found.Mode, m.syms)
	}
	return len(frames), nil
}

// savedContext reads the registers saved in task->thread.cpu_context by
// the last context switch.
func (m *Machine) savedContext(task arch.Task) (StackFrame, error) {
	ctx := m.cfg.Context
	if !ctx.Valid {
		return StackFrame{}, errors.New("task_struct.thread.cpu_context offsets unknown")
	}

	var (
		f   StackFrame
		err error
	)
	if f.SP, err = memory.Uint64(m.mem, task.Task+ctx.SP, memory.KernelVirtual); err != nil {
		return f, err
	}
	if f.PC, err = memory.Uint64(m.mem, task.Task+ctx.PC, memory.KernelVirtual); err != nil {
		return f, err
	}
	if f.FP, err = memory.Uint64(m.mem, task.Task+ctx.FP, memory.KernelVirtual); err != nil {
		return f, err
	}
	return f, nil
}
