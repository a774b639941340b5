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
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/kcrash/pkg/arch"
	"github.com/parca-dev/kcrash/pkg/memory"
	"github.com/parca-dev/kcrash/pkg/structs"
	"github.com/parca-dev/kcrash/pkg/vmcore"
)

var (
	ErrNoSymbols        = errors.New("no kernel symbols")
	ErrNoMemory         = errors.New("no memory source")
	ErrNoPanicRegisters = errors.New("no panic registers")
	ErrNotKernelAddress = errors.New("not a kernel virtual address")
)

// Options is everything a session knows about the target before the
// backend is initialized.
type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer

	Symbols Symbols
	Structs structs.Layout

	// Memory serves kernel virtual reads directly. When nil, Physical is
	// wrapped so that kernel virtual reads go through the backend's own
	// translation.
	Memory   memory.Reader
	Physical memory.Reader

	Dump   DumpInfo
	Live   bool
	HostFS fs.FS

	Release      *semver.Version
	PageSize     uint64
	HostPageSize uint64
	CPUs         int
	HZ           int
	MemorySize   uint64
	Machdep      []string
}

// TextRange is a half open range of kernel text.
type TextRange struct {
	Start, End uint64
}

func (r TextRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ContextOffsets locate the registers saved by the last context switch,
// relative to the task_struct.
type ContextOffsets struct {
	SP, FP, PC uint64
	Valid      bool
}

// Config is the machine description resolved at startup. It does not
// change afterwards.
type Config struct {
	Flags    Flags
	PageSize uint64
	Geometry Geometry
	Layout   Layout
	Swap     SwapLayout

	HZ         int
	MemorySize uint64
	CPUs       int
	Machdep    []string

	KernelPGD uint64

	ExceptionText TextRange
	CrashKexec    TextRange
	CrashSaveCPU  TextRange
	Context       ContextOffsets
	PtRegsSize    uint64

	NoteBufSize   uint64
	PrStatusSize  uint64
	PrRegOffset   uint64
	PrRegOffsetOK bool
}

// Machine is the ARM64 backend.
type Machine struct {
	logger  log.Logger
	syms    Symbols
	structs structs.Layout
	mem     memory.Reader
	live    bool

	cfg       *Config
	walker    *Walker
	metrics   *metrics
	panicRegs PanicRegisters
}

var _ arch.Architecture = (*Machine)(nil)

// New resolves the machine configuration and sets up translation and
// unwinding state.
func New(opts Options) (*Machine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Symbols == nil {
		return nil, ErrNoSymbols
	}
	layout := opts.Structs
	if layout == nil {
		layout = structs.Static(nil)
	}

	var info *vmcore.VMCoreInfo
	if opts.Dump != nil {
		info = opts.Dump.VMCoreInfo()
	}

	cfg := &Config{
		HZ:         opts.HZ,
		MemorySize: opts.MemorySize,
		CPUs:       max(opts.CPUs, 1),
		Machdep:    opts.Machdep,
	}
	if cfg.HZ == 0 {
		cfg.HZ = 100
	}

	cfg.Flags |= MachdepBTText
	physOffset, override := parseMachdep(logger, opts.Machdep)
	if override {
		cfg.Flags |= PhysOffsetSet
	}
	if _, ok := opts.Symbols.Lookup("idmap_pg_dir"); ok {
		cfg.Flags |= KsymsStart
	}

	vaBits, err := resolveVABits(opts.Symbols, info)
	if err != nil {
		return nil, err
	}

	cfg.PageSize = resolvePageSize(opts.PageSize, opts.Symbols, opts.Live, opts.HostPageSize, info)
	if cfg.PageSize == 0 {
		return nil, ErrUnknownPageSize
	}
	if cfg.Geometry, err = GeometryForPageSize(cfg.PageSize); err != nil {
		return nil, err
	}
	cfg.Flags |= cfg.Geometry.Flag | Vmemmap

	cfg.Swap = SwapLayoutFor(opts.Release)
	pageStructSize, _ := structs.SizeOr(layout, "page")
	cfg.Layout = newLayout(logger, vaBits, cfg.Geometry, opts.Release, pageStructSize)
	if !override {
		physOffset = resolvePhysOffset(logger, opts.Live, opts.HostFS, opts.Dump)
	}
	cfg.Layout.PhysOffset = physOffset

	m := &Machine{
		logger:  logger,
		syms:    opts.Symbols,
		structs: layout,
		live:    opts.Live,
		cfg:     cfg,
		metrics: newMetrics(opts.Registerer),
	}
	switch {
	case opts.Memory != nil:
		m.mem = opts.Memory
	case opts.Physical != nil:
		m.mem = memory.NewTranslatingReader(opts.Physical, m, cfg.PageSize)
	default:
		return nil, ErrNoMemory
	}
	m.walker = NewWalker(m.mem, &cfg.Layout, cfg.Geometry, m.metrics)

	cfg.KernelPGD = m.kernelPGD()
	m.stackframeInit()

	if !opts.Live {
		regs, err := m.crashNotes()
		if err != nil {
			level.Warn(logger).Log("msg", "cannot retrieve registers for active task(s)", "err", err)
		}
		m.panicRegs = regs
	}
	return m, nil
}

func (m *Machine) Name() string { return "arm64" }

// Config returns a copy of the resolved machine configuration.
func (m *Machine) Config() Config { return *m.cfg }

func (m *Machine) kernelPGD() uint64 {
	if initMM, ok := m.syms.Lookup("init_mm"); ok {
		if off, ok := structs.OffsetOr(m.structs, "mm_struct", "pgd"); ok {
			pgd, err := memory.Uint64(m.mem, initMM.Addr+off, memory.KernelVirtual)
			if err == nil && pgd != 0 {
				return pgd
			}
		}
	}
	if swapper, ok := m.syms.Lookup("swapper_pg_dir"); ok {
		return swapper.Addr
	}
	level.Warn(m.logger).Log("msg", "cannot determine kernel pgd location")
	return 0
}

// symbolRange spans from a function to the symbol following it.
func (m *Machine) symbolRange(name string) (TextRange, bool) {
	s, ok := m.syms.Lookup(name)
	if !ok {
		return TextRange{}, false
	}
	next, ok := m.syms.Next(s)
	if !ok {
		return TextRange{}, false
	}
	return TextRange{Start: s.Addr, End: next.Addr}, true
}

func (m *Machine) stackframeInit() {
	cfg := m.cfg

	start, okS := m.syms.Lookup("__exception_text_start")
	end, okE := m.syms.Lookup("__exception_text_end")
	if okS && okE {
		cfg.ExceptionText = TextRange{Start: start.Addr, End: end.Addr}
	}

	kexec, okK := m.symbolRange("crash_kexec")
	save, okC := m.symbolRange("crash_save_cpu")
	if okK && okC {
		cfg.CrashKexec, cfg.CrashSaveCPU = kexec, save
		cfg.Flags |= KdumpEnabled
	}

	cfg.PtRegsSize = PtRegsSize
	if size, ok := structs.SizeOr(m.structs, "pt_regs"); ok {
		cfg.PtRegsSize = size
	}

	cfg.NoteBufSize, _ = structs.SizeOr(m.structs, "note_buf_t")
	cfg.PrStatusSize, _ = structs.SizeOr(m.structs, "elf_prstatus")
	cfg.PrRegOffset, cfg.PrRegOffsetOK = structs.OffsetOr(m.structs, "elf_prstatus", "pr_reg")

	thread, okT := structs.OffsetOr(m.structs, "task_struct", "thread")
	context, okX := structs.OffsetOr(m.structs, "thread_struct", "cpu_context")
	if !okT || !okX {
		level.Info(m.logger).Log("msg", "cannot determine task_struct.thread.context offset")
		return
	}
	base := thread + context

	var missing bool
	regOffset := func(reg string) uint64 {
		off, ok := structs.OffsetOr(m.structs, "cpu_context", reg)
		if !ok {
			level.Info(m.logger).Log("msg", fmt.Sprintf("cannot determine cpu_context.%s offset", reg))
			missing = true
		}
		return base + off
	}
	cfg.Context = ContextOffsets{SP: regOffset("sp"), FP: regOffset("fp"), PC: regOffset("pc")}
	cfg.Context.Valid = !missing
}

// crashNotes reads the per-CPU note buffers the crashing kernel filled in.
func (m *Machine) crashNotes() (PanicRegisters, error) {
	cfg := m.cfg
	notes, ok := m.syms.Lookup("crash_notes")
	if !ok {
		return nil, errors.New("crash_notes does not exist")
	}
	if cfg.NoteBufSize == 0 || !cfg.PrRegOffsetOK {
		return nil, errors.New("note_buf_t layout unknown")
	}

	base, err := memory.Uint64(m.mem, notes.Addr, memory.KernelVirtual)
	if err != nil {
		return nil, fmt.Errorf("reading crash_notes: %w", err)
	}

	addrs := []uint64{base}
	if percpu, ok := m.syms.Lookup("__per_cpu_offset"); ok {
		offsets, err := memory.Uint64s(m.mem, percpu.Addr, memory.KernelVirtual, cfg.CPUs)
		if err != nil {
			return nil, fmt.Errorf("reading __per_cpu_offset: %w", err)
		}
		addrs = addrs[:0]
		for _, off := range offsets {
			addrs = append(addrs, base+off)
		}
	}

	blobs := make([][]byte, 0, len(addrs))
	for cpu, addr := range addrs {
		b, err := m.mem.Read(addr, memory.KernelVirtual, int(cfg.NoteBufSize))
		if err != nil {
			return nil, fmt.Errorf("cpu %d: failed to read note_buf_t: %w", cpu, err)
		}
		blobs = append(blobs, b)
	}
	return DecodeAll(blobs, cfg.PrRegOffset)
}

// KVToP translates a kernel virtual address using the kernel page tables.
func (m *Machine) KVToP(vaddr uint64) (uint64, error) {
	if !m.cfg.Layout.IsKernelAddr(vaddr) {
		return 0, fmt.Errorf("%#x: %w", vaddr, ErrNotMapped)
	}
	t, err := m.walker.Translate(m.cfg.KernelPGD, vaddr)
	if err != nil {
		return 0, err
	}
	if !t.Present {
		return 0, fmt.Errorf("%#x: %w", vaddr, ErrNotMapped)
	}
	return t.PAddr, nil
}

func (m *Machine) userPGD(task arch.Task) (uint64, error) {
	if task.MM == 0 {
		return 0, fmt.Errorf("task %x has no mm_struct", task.Task)
	}
	off, ok := structs.OffsetOr(m.structs, "mm_struct", "pgd")
	if !ok {
		return 0, fmt.Errorf("mm_struct.pgd: %w", structs.ErrUnknown)
	}
	return memory.Uint64(m.mem, task.MM+off, memory.KernelVirtual)
}

// UVToP translates a user virtual address of task.
func (m *Machine) UVToP(task arch.Task, vaddr uint64) (uint64, error) {
	pgd, err := m.userPGD(task)
	if err != nil {
		return 0, err
	}
	t, err := m.walker.Walk(pgd, vaddr)
	if err != nil {
		return 0, err
	}
	if !t.Present {
		return 0, fmt.Errorf("%#x: %w", vaddr, ErrNotMapped)
	}
	return t.PAddr, nil
}

// Translate implements memory.Translator for kernel virtual reads.
func (m *Machine) Translate(addr uint64, space memory.Space) (uint64, error) {
	switch space {
	case memory.KernelVirtual:
		return m.KVToP(addr)
	case memory.Physical:
		return addr, nil
	default:
		return 0, memory.ErrUnsupportedSpace
	}
}

// VTOP writes the translation of vaddr, followed by the table walk when
// verbose is set. A nil task selects the kernel page tables.
func (m *Machine) VTOP(w io.Writer, task *arch.Task, vaddr uint64, verbose bool) error {
	var (
		t   Translation
		err error
	)
	if task == nil {
		if !m.cfg.Layout.IsKernelAddr(vaddr) {
			return fmt.Errorf("%#x: %w", vaddr, ErrNotKernelAddress)
		}
		t, err = m.walker.Translate(m.cfg.KernelPGD, vaddr)
		if err == nil && t.Linear && verbose {
			paddr := t.PAddr
			t, err = m.walker.Walk(m.cfg.KernelPGD, vaddr)
			t.PAddr, t.Present = paddr, true
		}
	} else {
		var pgd uint64
		if pgd, err = m.userPGD(*task); err == nil {
			t, err = m.walker.Walk(pgd, vaddr)
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-16s  %s\n", "VIRTUAL", "PHYSICAL")
	if t.Present {
		fmt.Fprintf(w, "%-16x  %x\n", vaddr, t.PAddr)
	} else {
		fmt.Fprintf(w, "%-16x  (not mapped)\n", vaddr)
	}
	if verbose {
		fmt.Fprintln(w)
		t.Render(w, m.cfg.Swap, m.cfg.Geometry.PageMask())
	}
	return nil
}

func (m *Machine) DescribePTE(w io.Writer, pte uint64) bool {
	return m.cfg.Swap.Describe(w, pte, m.cfg.Geometry.PageMask())
}

func (m *Machine) KernelRanges() []arch.Range {
	return m.cfg.Layout.KernelRanges()
}

// ClearCache is a no-op, the backend keeps no page caches.
func (m *Machine) ClearCache() {}

// InAlternateStack always reports false: IRQ stacks are not tracked.
func (m *Machine) InAlternateStack(int, uint64) bool { return false }

func (m *Machine) ProcessorSpeed() uint64 { return 0 }

// PanicRegisters returns the registers recovered from the crash notes.
func (m *Machine) PanicRegisters() PanicRegisters { return m.panicRegs }

// PanicNotes re-encodes the panic registers as NT_PRSTATUS notes.
func (m *Machine) PanicNotes() []vmcore.Note {
	if len(m.panicRegs) == 0 || !m.cfg.PrRegOffsetOK {
		return nil
	}
	notes := make([]vmcore.Note, 0, len(m.panicRegs))
	for i := range m.panicRegs {
		notes = append(notes, vmcore.Note{
			Type: elf.NT_PRSTATUS,
			Name: "CORE",
			Data: EncodeNote(&m.panicRegs[i], m.cfg.PrRegOffset, m.cfg.PrStatusSize),
		})
	}
	return notes
}

func (m *Machine) DumpPanicRegisters(w io.Writer) error {
	if len(m.panicRegs) == 0 {
		return ErrNoPanicRegisters
	}
	for cpu := range m.panicRegs {
		f := &m.panicRegs[cpu]
		mode := KernelMode
		if !m.syms.IsKernelText(f.PC) {
			mode = UserMode
		}
		if cpu > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "CPU %d:\n", cpu)
		writeExceptionFrame(w, f, mode, m.syms)
	}
	return nil
}
