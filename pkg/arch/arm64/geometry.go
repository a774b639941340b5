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
)

var (
	ErrUnsupportedPageSize = errors.New("invalid/unsupported page size")
	ErrUnknownPageSize     = errors.New("cannot determine page size")
)

// Geometry describes one of the two supported translation table layouts.
// A Geometry without a middle level has PMDEntries == 0.
type Geometry struct {
	Name      string
	Flag      Flags
	PageSize  uint64
	PageShift uint

	PGDEntries uint64
	PGDShift   uint
	PMDEntries uint64
	PMDShift   uint
	PTEEntries uint64

	// BlockSize is the size mapped by a section entry at the level above
	// the leaf tables.
	BlockSize  uint64
	BlockLabel string
}

var (
	// TwoLevel64K folds the PUD and PMD, 512MB sections live in the PGD.
	TwoLevel64K = Geometry{
		Name:       "l2_64k",
		Flag:       VML264K,
		PageSize:   65536,
		PageShift:  16,
		PGDEntries: 1024,
		PGDShift:   29,
		PTEEntries: 8192,
		BlockSize:  512 << 20,
		BlockLabel: "512MB",
	}

	// ThreeLevel4K folds the PUD, 2MB sections live in the PMD.
	ThreeLevel4K = Geometry{
		Name:       "l3_4k",
		Flag:       VML34K,
		PageSize:   4096,
		PageShift:  12,
		PGDEntries: 512,
		PGDShift:   30,
		PMDEntries: 512,
		PMDShift:   21,
		PTEEntries: 512,
		BlockSize:  2 << 20,
		BlockLabel: "2MB",
	}
)

// GeometryForPageSize selects the table layout used with pageSize.
func GeometryForPageSize(pageSize uint64) (Geometry, error) {
	switch pageSize {
	case 4096:
		return ThreeLevel4K, nil
	case 65536:
		return TwoLevel64K, nil
	case 0:
		return Geometry{}, ErrUnknownPageSize
	default:
		return Geometry{}, fmt.Errorf("%w: %d", ErrUnsupportedPageSize, pageSize)
	}
}

func (g Geometry) Levels() int {
	if g.PMDEntries == 0 {
		return 2
	}
	return 3
}

func (g Geometry) PageMask() uint64 {
	return ^(g.PageSize - 1)
}

func (g Geometry) pgdIndex(vaddr uint64) uint64 {
	return (vaddr >> g.PGDShift) & (g.PGDEntries - 1)
}

func (g Geometry) pmdIndex(vaddr uint64) uint64 {
	return (vaddr >> g.PMDShift) & (g.PMDEntries - 1)
}

func (g Geometry) pteIndex(vaddr uint64) uint64 {
	return (vaddr >> g.PageShift) & (g.PTEEntries - 1)
}

// tableBase extracts the physical address of the next level table.
func (g Geometry) tableBase(entry uint64) uint64 {
	return entry & PhysMask & g.PageMask()
}

func (g Geometry) blockBase(entry uint64) uint64 {
	return entry & PhysMask & ^(g.BlockSize - 1)
}
