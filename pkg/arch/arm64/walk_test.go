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
	"bytes"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/kcrash/pkg/memory"
	"github.com/parca-dev/kcrash/pkg/testutil"
)

const testPhysOffset = 0x40000000

func testLayout(vaBits uint, g Geometry) *Layout {
	l := newLayout(log.NewNopLogger(), vaBits, g, semver.MustParse("3.10.0"), 0)
	l.PhysOffset = testPhysOffset
	return &l
}

// tables writes translation table entries through the linear map.
type tables struct {
	mem    *testutil.Memory
	layout *Layout
}

func (tb tables) set(tablePhys, index, entry uint64) {
	tb.mem.WriteUint64(memory.KernelVirtual, tb.layout.PTOV(tablePhys)+index*8, entry)
}

func TestWalkZeroPGD(t *testing.T) {
	mem := testutil.NewMemory()
	l := testLayout(39, ThreeLevel4K)
	tb := tables{mem, l}
	m := newMetrics(prometheus.NewRegistry())
	w := NewWalker(mem, l, ThreeLevel4K, m)

	const pgd = 0x40100000
	vaddr := uint64(0xffff800000000000)
	tb.set(pgd, ThreeLevel4K.pgdIndex(vaddr), 0)

	tr, err := w.Walk(l.PTOV(pgd), vaddr)
	require.NoError(t, err)
	require.False(t, tr.Present)
	require.False(t, tr.HasLeaf)
	require.Len(t, tr.Entries, 1)
	require.Equal(t, 1.0, promtest.ToFloat64(m.walks.WithLabelValues("l3_4k", "absent")))
}

func TestWalkTwoLevelSection(t *testing.T) {
	mem := testutil.NewMemory()
	l := testLayout(42, TwoLevel64K)
	tb := tables{mem, l}
	w := NewWalker(mem, l, TwoLevel64K, nil)

	const pgd = 0x40200000
	vaddr := uint64(0xfffffc0000123456)
	require.True(t, l.IsVmallocAddr(vaddr))
	tb.set(pgd, TwoLevel64K.pgdIndex(vaddr), 0x40000001)

	tr, err := w.Translate(l.PTOV(pgd), vaddr)
	require.NoError(t, err)
	require.True(t, tr.Present)
	require.True(t, tr.Block)
	require.False(t, tr.Linear)
	require.Equal(t, uint64(0x40123456), tr.PAddr)

	var out bytes.Buffer
	tr.Render(&out, SwapLayoutFor(nil), TwoLevel64K.PageMask())
	require.Contains(t, out.String(), "PAGE DIRECTORY: ")
	require.Contains(t, out.String(), "  PAGE: 40000000  (512MB)\n")

	// Execute-never attributes are not part of the output address.
	tb.set(pgd, TwoLevel64K.pgdIndex(vaddr), 0x40000001|PtePXN|PteUXN|PteAF)
	tr, err = w.Translate(l.PTOV(pgd), vaddr)
	require.NoError(t, err)
	require.True(t, tr.Block)
	require.Equal(t, uint64(0x40123456), tr.PAddr)

	out.Reset()
	tr.Render(&out, SwapLayoutFor(nil), TwoLevel64K.PageMask())
	require.Contains(t, out.String(), "  PAGE: 40000000  (512MB)\n")
}

func TestWalkBlockMatchesPages(t *testing.T) {
	mem := testutil.NewMemory()
	l := testLayout(39, ThreeLevel4K)
	tb := tables{mem, l}
	w := NewWalker(mem, l, ThreeLevel4K, nil)
	g := ThreeLevel4K

	const (
		target = 0x48000000
		pgd1   = 0x40100000
		pmd1   = 0x40101000
		pgd2   = 0x40110000
		pmd2   = 0x40111000
		pte2   = 0x40102000
	)
	base := uint64(0xffffff8000200000)

	// One 2MB section.
	tb.set(pgd1, g.pgdIndex(base), pmd1|3)
	tb.set(pmd1, g.pmdIndex(base), target|1|PteAF)

	// The same range through a page table.
	tb.set(pgd2, g.pgdIndex(base), pmd2|3)
	tb.set(pmd2, g.pmdIndex(base), pte2|3)

	for _, off := range []uint64{0, 0x1234, 0x1ff010} {
		vaddr := base + off
		tb.set(pte2, g.pteIndex(vaddr), (target+off&^0xfff)|3|PteAF)

		block, err := w.Translate(l.PTOV(pgd1), vaddr)
		require.NoError(t, err)
		page, err := w.Translate(l.PTOV(pgd2), vaddr)
		require.NoError(t, err)

		require.True(t, block.Block)
		require.False(t, page.Block)
		require.True(t, page.Present)
		require.Equal(t, block.PAddr, page.PAddr, "offset %#x", off)
		require.Equal(t, target+off, page.PAddr)
	}
}

func TestWalkSwappedUserPage(t *testing.T) {
	mem := testutil.NewMemory()
	l := testLayout(39, ThreeLevel4K)
	tb := tables{mem, l}
	w := NewWalker(mem, l, ThreeLevel4K, nil)
	g := ThreeLevel4K
	swap := SwapLayoutFor(semver.MustParse("4.9.0"))

	const (
		pgd = 0x40110000
		pmd = 0x40111000
		pte = 0x40103000
	)
	vaddr := uint64(0x400000)
	raw := swap.Encode(3, 0x100)
	tb.set(pgd, g.pgdIndex(vaddr), pmd|3)
	tb.set(pmd, g.pmdIndex(vaddr), pte|3)
	tb.set(pte, g.pteIndex(vaddr), raw)

	tr, err := w.Walk(l.PTOV(pgd), vaddr)
	require.NoError(t, err)
	require.False(t, tr.Present)
	require.True(t, tr.HasLeaf)
	require.Equal(t, raw, tr.PAddr)
	require.Len(t, tr.Entries, 3)
}

func TestTranslateLinearReadsNothing(t *testing.T) {
	mem := testutil.NewMemory()
	l := testLayout(39, ThreeLevel4K)
	m := newMetrics(prometheus.NewRegistry())
	w := NewWalker(mem, l, ThreeLevel4K, m)

	for _, vaddr := range []uint64{0xffffffc000000000, 0xffffffc000081000, 0xffffffc07fffffff} {
		tr, err := w.Translate(0xffffffc000900000, vaddr)
		require.NoError(t, err)
		require.True(t, tr.Linear)
		require.True(t, tr.Present)
		require.Equal(t, vaddr-l.PageOffset+testPhysOffset, tr.PAddr)
	}
	require.Equal(t, 0, mem.TotalReads())
	require.Equal(t, 3.0, promtest.ToFloat64(m.linear))
}

func TestWalkReadError(t *testing.T) {
	mem := testutil.NewMemory()
	l := testLayout(39, ThreeLevel4K)
	w := NewWalker(mem, l, ThreeLevel4K, nil)

	_, err := w.Walk(l.PTOV(0x40100000), 0xffffff8000200000)
	require.ErrorIs(t, err, testutil.ErrUnmapped)
}
