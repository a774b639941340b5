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
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/parca-dev/kcrash/pkg/hash"
)

const (
	machineType     = "aarch64"
	maxMachdepArgs  = 6
	sectionSizeBits = 30
	maxPhysmemBits  = 40
)

type fingerprinter interface {
	Fingerprint() hash.Fingerprint
}

// DumpMachdep writes the machine dependent table.
func (m *Machine) DumpMachdep(w io.Writer) {
	cfg := m.cfg
	l := &cfg.Layout
	pageMask := cfg.Geometry.PageMask()

	fmt.Fprintf(w, "%20s: %x (%s)\n", "flags", uint64(cfg.Flags), cfg.Flags)
	fmt.Fprintf(w, "%20s: %x\n", "kvbase", l.VmallocStart)
	fmt.Fprintf(w, "%20s: %x\n", "identity_map_base", l.PageOffset)
	fmt.Fprintf(w, "%20s: %d\n", "pagesize", cfg.PageSize)
	fmt.Fprintf(w, "%20s: %d\n", "pageshift", cfg.Geometry.PageShift)
	fmt.Fprintf(w, "%20s: %x\n", "pagemask", pageMask)
	fmt.Fprintf(w, "%20s: %x\n", "pageoffset", ^pageMask)
	fmt.Fprintf(w, "%20s: %d\n", "stacksize", StackSize)
	fmt.Fprintf(w, "%20s: %d\n", "hz", cfg.HZ)
	fmt.Fprintf(w, "%20s: %d\n", "mhz", m.ProcessorSpeed())
	fmt.Fprintf(w, "%20s: %d (%#x)\n", "memsize", cfg.MemorySize, cfg.MemorySize)
	fmt.Fprintf(w, "%20s: %d\n", "bits", 64)
	fmt.Fprintf(w, "%20s: %x\n", "kernel_pgd", cfg.KernelPGD)
	fmt.Fprintf(w, "%20s: %d\n", "ptrs_per_pgd", cfg.Geometry.PGDEntries)
	fmt.Fprintf(w, "%20s: %d\n", "section_size_bits", sectionSizeBits)
	fmt.Fprintf(w, "%20s: %d\n", "max_physmem_bits", maxPhysmemBits)
	for i := 0; i < maxMachdepArgs; i++ {
		arg := "(unused)"
		if i < len(cfg.Machdep) {
			arg = cfg.Machdep[i]
		}
		fmt.Fprintf(w, "%20s: %s\n", fmt.Sprintf("cmdline_args[%d]", i), arg)
	}

	fmt.Fprintf(w, "%22s: %d\n", "VA_BITS", l.VABits)
	fmt.Fprintf(w, "%22s: %016x\n", "userspace_top", l.UserspaceTop)
	fmt.Fprintf(w, "%22s: %016x\n", "page_offset", l.PageOffset)
	fmt.Fprintf(w, "%22s: %016x\n", "vmalloc_start_addr", l.VmallocStart)
	fmt.Fprintf(w, "%22s: %016x\n", "vmalloc_end", l.VmallocEnd)
	fmt.Fprintf(w, "%22s: %016x\n", "modules_vaddr", l.ModulesStart)
	fmt.Fprintf(w, "%22s: %016x\n", "modules_end", l.ModulesEnd)
	fmt.Fprintf(w, "%22s: %016x\n", "vmemmap_vaddr", l.VmemmapStart)
	fmt.Fprintf(w, "%22s: %016x\n", "vmemmap_end", l.VmemmapEnd)
	fmt.Fprintf(w, "%22s: %x\n", "phys_offset", l.PhysOffset)
	fmt.Fprintf(w, "%22s: %x\n", "__exception_text_start", cfg.ExceptionText.Start)
	fmt.Fprintf(w, "%22s: %x\n", "__exception_text_end", cfg.ExceptionText.End)
	if len(m.panicRegs) > 0 {
		fmt.Fprintf(w, "%22s: %d cpus\n", "panic_task_regs", len(m.panicRegs))
	} else {
		fmt.Fprintf(w, "%22s: (none)\n", "panic_task_regs")
	}

	swap := cfg.Swap
	fmt.Fprintf(w, "%22s: %x\n", "PTE_PROT_NONE", swap.ProtNone)
	fmt.Fprintf(w, "%22s: %s\n", "PTE_FILE", hexOrUnused(swap.File))
	fmt.Fprintf(w, "%22s: %d\n", "__SWP_TYPE_BITS", swap.TypeBits)
	fmt.Fprintf(w, "%22s: %d\n", "__SWP_TYPE_SHIFT", swap.TypeShift)
	fmt.Fprintf(w, "%22s: %x\n", "__SWP_TYPE_MASK", swap.TypeMask())
	if swap.OffsetBits != 0 {
		fmt.Fprintf(w, "%22s: %d\n", "__SWP_OFFSET_BITS", swap.OffsetBits)
	} else {
		fmt.Fprintf(w, "%22s: (unused)\n", "__SWP_OFFSET_BITS")
	}
	fmt.Fprintf(w, "%22s: %d\n", "__SWP_OFFSET_SHIFT", swap.OffsetShift())
	fmt.Fprintf(w, "%22s: %s\n", "__SWP_OFFSET_MASK", hexOrUnused(swap.OffsetMask()))
	fmt.Fprintf(w, "%22s: %x\n", "crash_kexec_start", cfg.CrashKexec.Start)
	fmt.Fprintf(w, "%22s: %x\n", "crash_kexec_end", cfg.CrashKexec.End)
	fmt.Fprintf(w, "%22s: %x\n", "crash_save_cpu_start", cfg.CrashSaveCPU.Start)
	fmt.Fprintf(w, "%22s: %x\n", "crash_save_cpu_end", cfg.CrashSaveCPU.End)

	if cfg.Context.Valid {
		fmt.Fprintf(w, "%22s: sp=%#x fp=%#x pc=%#x\n", "cpu_context", cfg.Context.SP, cfg.Context.FP, cfg.Context.PC)
	} else {
		fmt.Fprintf(w, "%22s: (unknown)\n", "cpu_context")
	}
	fmt.Fprintf(w, "%22s: %d\n", "pt_regs_size", cfg.PtRegsSize)
	if f, ok := m.syms.(fingerprinter); ok {
		fmt.Fprintf(w, "%22s: %s\n", "symbols", f.Fingerprint())
	}
}

func hexOrUnused(v uint64) string {
	if v == 0 {
		return "(unused)"
	}
	return strconv.FormatUint(v, 16)
}

// DisplayMachineStats writes the summary of the mach command.
func (m *Machine) DisplayMachineStats(w io.Writer) {
	cfg := m.cfg
	l := &cfg.Layout

	fmt.Fprintf(w, "%19s: %s\n", "MACHINE TYPE", machineType)
	fmt.Fprintf(w, "%19s: %s\n", "MEMORY SIZE", humanize.IBytes(cfg.MemorySize))
	fmt.Fprintf(w, "%19s: %d\n", "CPUS", cfg.CPUs)
	if mhz := m.ProcessorSpeed(); mhz != 0 {
		fmt.Fprintf(w, "%19s: %d Mhz\n", "PROCESSOR SPEED", mhz)
	}
	fmt.Fprintf(w, "%19s: %d\n", "HZ", cfg.HZ)
	fmt.Fprintf(w, "%19s: %d\n", "PAGE SIZE", cfg.PageSize)
	fmt.Fprintf(w, "%19s: %x\n", "KERNEL VIRTUAL BASE", l.PageOffset)
	fmt.Fprintf(w, "%19s: %x\n", "KERNEL VMALLOC BASE", l.VmallocStart)
	fmt.Fprintf(w, "%19s: %x\n", "KERNEL MODULES BASE", l.ModulesStart)
	fmt.Fprintf(w, "%19s: %x\n", "KERNEL VMEMMAP BASE", l.VmemmapStart)
	fmt.Fprintf(w, "%19s: %d\n", "KERNEL STACK SIZE", StackSize)
}

// symstr renders addr as name, name+0x10 or name+16 depending on radix.
func (m *Machine) symstr(addr uint64, radix int) string {
	s, off, ok := m.syms.Nearest(addr)
	if !ok {
		return ""
	}
	switch {
	case off == 0:
		return s.Name
	case radix == 10:
		return fmt.Sprintf("%s+%d", s.Name, off)
	default:
		return fmt.Sprintf("%s+%#x", s.Name, off)
	}
}

// DisFilter rewrites one line of disassembler output so that the address
// prefix and branch targets carry kernel symbol names. It reports false
// when a branch target could not be parsed.
func (m *Machine) DisFilter(vaddr uint64, line string, radix int) (string, bool) {
	if i := strings.Index(line, ":"); i >= 0 {
		line = fmt.Sprintf("0x%x <%s>", vaddr, m.symstr(vaddr, radix)) + line[i:]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line, true
	}
	last := fields[len(fields)-1]
	if !strings.HasPrefix(last, "<") || !strings.HasSuffix(last, ">") {
		return line, true
	}

	p := strings.LastIndex(line, "<")
	for p > 0 && !operandStart(line[p:]) {
		p--
	}
	if !operandStart(line[p:]) {
		return line, false
	}
	p++

	target := strings.Fields(line[p:])[0]
	value, err := strconv.ParseUint(strings.TrimPrefix(target, "0x"), 16, 64)
	if err != nil {
		return line, false
	}
	return line[:p] + fmt.Sprintf("0x%x <%s>\n", value, m.symstr(value, radix)), true
}

// operandStart matches the blank in front of a hex branch target.
func operandStart(s string) bool {
	return len(s) > 3 && (s[0] == ' ' || s[0] == '\t') && s[1:3] == "0x"
}
