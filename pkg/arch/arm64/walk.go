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

	"github.com/parca-dev/kcrash/pkg/memory"
)

var ErrNotMapped = errors.New("address not mapped")

// Entry is one table entry visited during a walk.
type Entry struct {
	Level string
	Addr  uint64
	Value uint64
}

// Translation is the outcome of a walk, including everything the verbose
// report needs.
type Translation struct {
	VAddr uint64
	Root  uint64
	PAddr uint64
	// Present is false for zero entries and non-present leaf entries.
	Present bool
	// Linear is set when the address was resolved without a table walk.
	Linear  bool
	Entries []Entry

	// Block is set when a section entry terminated the walk.
	Block      bool
	BlockSize  uint64
	BlockLabel string

	// Leaf is the last entry the walk decoded, a section or page entry.
	Leaf    uint64
	HasLeaf bool
}

// Walker walks translation tables. Table pages are read through the linear
// map, so mem must serve KernelVirtual reads of linear addresses.
type Walker struct {
	mem     memory.Reader
	layout  *Layout
	geo     Geometry
	metrics *metrics
}

func NewWalker(mem memory.Reader, layout *Layout, geo Geometry, m *metrics) *Walker {
	if m == nil {
		m = newMetrics(nil)
	}
	return &Walker{mem: mem, layout: layout, geo: geo, metrics: m}
}

// Translate resolves vaddr using root, short-circuiting the linear map.
func (w *Walker) Translate(root, vaddr uint64) (Translation, error) {
	if w.layout.IsLinearAddr(vaddr) {
		w.metrics.linear.Inc()
		return Translation{VAddr: vaddr, Root: root, PAddr: w.layout.VTOP(vaddr), Present: true, Linear: true}, nil
	}
	return w.Walk(root, vaddr)
}

// Walk resolves vaddr by reading the tables below root.
func (w *Walker) Walk(root, vaddr uint64) (Translation, error) {
	t, err := w.walk(root, vaddr)
	switch {
	case err != nil:
		w.metrics.walks.WithLabelValues(w.geo.Name, "error").Inc()
	case t.Present:
		w.metrics.walks.WithLabelValues(w.geo.Name, "present").Inc()
	default:
		w.metrics.walks.WithLabelValues(w.geo.Name, "absent").Inc()
	}
	return t, err
}

func (w *Walker) walk(root, vaddr uint64) (Translation, error) {
	t := Translation{VAddr: vaddr, Root: root}

	// The top level is addressed by its kernel virtual address.
	entry, err := w.readEntry(&t, "PGD", root+w.geo.pgdIndex(vaddr)*8)
	if err != nil || entry == 0 {
		return t, err
	}

	if w.geo.Levels() == 3 {
		entry, err = w.readEntry(&t, "PMD", w.layout.PTOV(w.geo.tableBase(entry))+w.geo.pmdIndex(vaddr)*8)
		if err != nil || entry == 0 {
			return t, err
		}
	}

	if entry&pmdTypeMask == pmdTypeSect {
		base := w.geo.blockBase(entry)
		t.Block = true
		t.BlockSize = w.geo.BlockSize
		t.BlockLabel = w.geo.BlockLabel
		t.Leaf, t.HasLeaf = entry, true
		t.PAddr = base + (vaddr & (w.geo.BlockSize - 1))
		t.Present = true
		return t, nil
	}

	pte, err := w.readEntry(&t, "PTE", w.layout.PTOV(w.geo.tableBase(entry))+w.geo.pteIndex(vaddr)*8)
	if err != nil || pte == 0 {
		return t, err
	}
	t.Leaf, t.HasLeaf = pte, true

	if pte&PteValid != 0 {
		t.PAddr = (pte & w.geo.PageMask() & PhysMask) + (vaddr &^ w.geo.PageMask())
		t.Present = true
		return t, nil
	}
	if w.layout.IsUserAddr(vaddr) {
		// Swapped out user page, the raw entry is handed back.
		t.PAddr = pte
	}
	return t, nil
}

func (w *Walker) readEntry(t *Translation, levelName string, addr uint64) (uint64, error) {
	v, err := memory.Uint64(w.mem, addr, memory.KernelVirtual)
	if err != nil {
		return 0, fmt.Errorf("reading %s entry at %#x: %w", levelName, addr, err)
	}
	t.Entries = append(t.Entries, Entry{Level: levelName, Addr: addr, Value: v})
	return v, nil
}

// Render writes the verbose report of a walk the way crash's vtop does.
func (t Translation) Render(out io.Writer, swap SwapLayout, pageMask uint64) {
	fmt.Fprintf(out, "PAGE DIRECTORY: %x\n", t.Root)
	for _, e := range t.Entries {
		fmt.Fprintf(out, "   %s: %x => %x\n", e.Level, e.Addr, e.Value)
	}
	if !t.HasLeaf {
		return
	}

	switch {
	case t.Block:
		fmt.Fprintf(out, "  PAGE: %x  (%s)\n\n", t.PAddr&^(t.BlockSize-1), t.BlockLabel)
	case t.Present:
		fmt.Fprintf(out, "  PAGE: %x\n\n", t.PAddr&pageMask)
	default:
		fmt.Fprintln(out)
	}
	swap.Describe(out, t.Leaf, pageMask)
}
