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
	"io/fs"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/kcrash/pkg/arch"
	"github.com/parca-dev/kcrash/pkg/iomem"
	"github.com/parca-dev/kcrash/pkg/kernel"
	"github.com/parca-dev/kcrash/pkg/ksym"
	"github.com/parca-dev/kcrash/pkg/vmcore"
)

var ErrNoVABits = errors.New("cannot determine VA_BITS")

// vaBitsAnchors are tried in order before falling back to a symbol table
// scan.
var vaBitsAnchors = []string{"swapper_pg_dir", "idmap_pg_dir", "_text", "stext"}

// Layout is the kernel virtual address layout. It is computed once per
// session.
type Layout struct {
	VABits uint

	UserspaceTop uint64
	PageOffset   uint64
	VmallocStart uint64
	VmallocEnd   uint64
	ModulesStart uint64
	ModulesEnd   uint64
	VmemmapStart uint64
	VmemmapEnd   uint64
	PhysOffset   uint64
}

func (l *Layout) IsUserAddr(addr uint64) bool {
	return addr < l.UserspaceTop
}

func (l *Layout) IsKernelAddr(addr uint64) bool {
	return addr >= l.VmallocStart
}

// IsVmallocAddr includes the module and vmemmap regions.
func (l *Layout) IsVmallocAddr(addr uint64) bool {
	return (addr >= l.VmallocStart && addr <= l.VmallocEnd) ||
		(addr >= l.VmemmapStart && addr <= l.VmemmapEnd) ||
		(addr >= l.ModulesStart && addr <= l.ModulesEnd)
}

// IsLinearAddr reports whether addr is in the linear map of physical memory.
func (l *Layout) IsLinearAddr(addr uint64) bool {
	return l.IsKernelAddr(addr) && !l.IsVmallocAddr(addr)
}

// VTOP translates a linear map address.
func (l *Layout) VTOP(vaddr uint64) uint64 {
	return vaddr - l.PageOffset + l.PhysOffset
}

// PTOV returns the linear map address of paddr.
func (l *Layout) PTOV(paddr uint64) uint64 {
	return paddr - l.PhysOffset + l.PageOffset
}

// KernelRanges returns the kernel regions ordered by start address.
func (l *Layout) KernelRanges() []arch.Range {
	ranges := []arch.Range{
		{Type: arch.RangeUnityMap, Start: l.PageOffset, End: ^uint64(0)},
		{Type: arch.RangeVmalloc, Start: l.VmallocStart, End: l.VmallocEnd},
		{Type: arch.RangeModules, Start: l.ModulesStart, End: l.ModulesEnd},
		{Type: arch.RangeVmemmap, Start: l.VmemmapStart, End: l.VmemmapEnd},
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return ranges
}

// vaBitsFrom derives VA_BITS from a kernel address: below the run of ones
// at the top the first clear bit sits at VA_BITS - 2.
func vaBitsFrom(value uint64) (uint, bool) {
	if value == 0 {
		return 0, false
	}
	for bit := 63 - bits.LeadingZeros64(value); bit > 0; bit-- {
		if value&(uint64(1)<<bit) == 0 {
			return uint(bit) + 2, true
		}
	}
	return 0, false
}

// resolveVABits picks the anchor value VA_BITS is derived from.
func resolveVABits(syms Symbols, info *vmcore.VMCoreInfo) (uint, error) {
	value, found := uint64(0), false
	for _, name := range vaBitsAnchors {
		if s, ok := syms.Lookup(name); ok {
			value, found = s.Addr, true
			break
		}
	}
	if !found {
		for _, s := range syms.Symbols() {
			if s.Addr&(uint64(1)<<63) != 0 {
				value, found = s.Addr, true
				break
			}
		}
	}
	if !found && info != nil {
		value, found = info.Symbol("log_buf")
	}
	if !found {
		return 0, ErrNoVABits
	}

	va, ok := vaBitsFrom(value)
	if !ok {
		return 0, fmt.Errorf("%w from %#x", ErrNoVABits, value)
	}
	return va, nil
}

type rangeParams struct {
	vaBits    uint
	pageShift uint
	// topBlock is PUD_SIZE, the vmemmap region is aligned to it.
	topBlock uint64
	// pageStructSize is sizeof(struct page), zero when unknown.
	pageStructSize uint64
}

type rangeFunc func(l *Layout, p rangeParams)

// legacyRanges is the layout of kernels before 3.17.
func legacyRanges(l *Layout, _ rangeParams) {
	l.VmallocEnd = l.PageOffset - 0x400000000 - vmemmapGap - 1
	l.VmemmapStart = l.VmallocEnd + 1 + vmemmapGap
	l.VmemmapEnd = l.VmemmapStart + (8 << 30) - 1
}

// sizedRanges places vmemmap right below the linear map, sized for one
// struct page per page of the VA space.
func sizedRanges(l *Layout, p rangeParams) {
	vmemmapSize := alignUp((uint64(1)<<(p.vaBits-p.pageShift))*p.pageStructSize, p.topBlock)
	l.VmallocEnd = l.PageOffset - p.topBlock - vmemmapSize - vmemmapGap - 1
	l.VmemmapStart = l.VmallocEnd + 1 + vmemmapGap
	l.VmemmapEnd = l.VmemmapStart + vmemmapSize - 1
}

var vmRangeRules = []kernel.Rule[rangeFunc]{
	kernel.NewRule(">= 3.17", rangeFunc(sizedRanges)),
	kernel.NewRule("*", rangeFunc(legacyRanges)),
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// pudSize is the alignment of the vmemmap region.
func pudSize(g Geometry) uint64 {
	if g.PageSize == 65536 {
		return 1 << 29
	}
	return 1 << 30
}

func newLayout(logger log.Logger, vaBits uint, g Geometry, release *semver.Version, pageStructSize uint64) Layout {
	l := Layout{
		VABits:       vaBits,
		UserspaceTop: uint64(1) << vaBits,
		PageOffset:   ^uint64(0) << (vaBits - 1),
		VmallocStart: ^uint64(0) << vaBits,
	}
	l.ModulesStart = l.PageOffset - modulesSize
	l.ModulesEnd = l.PageOffset - 1

	if release == nil {
		release = unknownRelease
	}
	rule, _ := kernel.Select(vmRangeRules, release)
	fn := rule.Value
	if rule.Constraint != "*" && pageStructSize == 0 {
		level.Warn(logger).Log("msg", "struct page size unknown, using the pre-3.17 vmemmap layout")
		fn = legacyRanges
	}
	fn(&l, rangeParams{
		vaBits:         vaBits,
		pageShift:      g.PageShift,
		topBlock:       pudSize(g),
		pageStructSize: pageStructSize,
	})
	return l
}

// parseMachdep applies the --machdep options. Only phys_offset is known,
// anything else is warned about and ignored.
func parseMachdep(logger log.Logger, args []string) (uint64, bool) {
	var (
		physOffset uint64
		set        bool
	)
	for _, arg := range args {
		if !strings.Contains(arg, "=") {
			level.Warn(logger).Log("msg", "ignoring --machdep option: "+arg)
			continue
		}
		for _, opt := range strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' }) {
			v, ok := parsePhysOffset(opt)
			if !ok {
				level.Warn(logger).Log("msg", "ignoring --machdep option: "+opt)
				continue
			}
			physOffset, set = v, true
			level.Info(logger).Log("msg", fmt.Sprintf("setting phys_offset to: %#x", v))
		}
	}
	return physOffset, set
}

func parsePhysOffset(opt string) (uint64, bool) {
	value, ok := strings.CutPrefix(opt, "phys_offset=")
	if !ok || value == "" {
		return 0, false
	}
	if mb, ok := strings.CutSuffix(value, "m"); ok {
		return parseMegabytes(mb)
	}
	if mb, ok := strings.CutSuffix(value, "M"); ok {
		return parseMegabytes(mb)
	}
	lower := strings.ToLower(value)
	v, err := strconv.ParseUint(strings.TrimPrefix(lower, "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseMegabytes(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v << 20, true
}

// DumpInfo is the metadata of a dump file the layout depends on.
type DumpInfo interface {
	VMCoreInfo() *vmcore.VMCoreInfo
	PhysBase() (uint64, bool)
}

// resolvePhysOffset runs the autodetection used when no override is given.
func resolvePhysOffset(logger log.Logger, live bool, hostFS fs.FS, dump DumpInfo) uint64 {
	if live {
		if hostFS != nil {
			start, err := iomem.FirstSystemRAM(hostFS)
			if err == nil {
				return start
			}
			level.Warn(logger).Log("msg", "reading System RAM from iomem", "err", err)
		}
	} else if dump != nil {
		if v, ok := dump.VMCoreInfo().Number("PHYS_OFFSET"); ok {
			return v
		}
		if v, ok := dump.PhysBase(); ok {
			return v
		}
	}

	level.Warn(logger).Log(
		"msg", "phys_offset cannot be determined from the dumpfile.",
		"hint", "Using default value of 0. If this is not correct, then try using the command line option: --machdep phys_offset=<addr>",
	)
	return 0
}

// resolvePageSize tries the config, the distance between the two
// statically allocated page directories, the host and the dump metadata.
func resolvePageSize(explicit uint64, syms Symbols, live bool, hostPageSize uint64, info *vmcore.VMCoreInfo) uint64 {
	if explicit != 0 {
		return explicit
	}

	swapper, okS := syms.Lookup("swapper_pg_dir")
	idmap, okI := syms.Lookup("idmap_pg_dir")
	if okS && okI && swapper.Addr > idmap.Addr {
		switch swapper.Addr - idmap.Addr {
		case 2 * 4096, 3 * 4096:
			return 4096
		case 2 * 65536, 3 * 65536:
			return 65536
		}
	}

	if live && hostPageSize != 0 {
		return hostPageSize
	}
	if info != nil {
		if ps, ok := info.PageSize(); ok {
			return ps
		}
	}
	return 0
}

// Symbols is the symbol table interface the backend needs.
type Symbols interface {
	Lookup(name string) (ksym.Symbol, bool)
	Nearest(addr uint64) (ksym.Symbol, uint64, bool)
	Symbolize(addr uint64) string
	Next(s ksym.Symbol) (ksym.Symbol, bool)
	Symbols() []ksym.Symbol
	IsKernelText(addr uint64) bool
	ModuleOf(addr uint64) (string, bool)
}

// VerifySymbol filters the kernel symbol list while it is loaded.
func VerifySymbol(name string, addr uint64, typ byte) bool {
	if name == "" {
		return false
	}
	if (typ == 'A' || typ == 'a') && addr&(uint64(1)<<63) == 0 {
		return false
	}
	if addr == 0 && (typ == 'a' || typ == 'n' || typ == 'N' || typ == 'U') {
		return false
	}
	if name == "$d" || name == "$x" {
		return false
	}
	if typ == 'A' && strings.HasPrefix(name, "__crc_") {
		return false
	}
	return true
}
