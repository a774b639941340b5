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

	"github.com/Masterminds/semver/v3"

	"github.com/parca-dev/kcrash/pkg/kernel"
)

// SwapLayout locates the software fields of a non-present entry. The
// layout moved several times, see swapRules.
type SwapLayout struct {
	TypeBits   uint
	TypeShift  uint
	OffsetBits uint
	// ProtNone and File are single bit masks, File is zero when the
	// kernel has no file PTEs.
	ProtNone uint64
	File     uint64
}

// swapRules is ordered newest first, the first matching rule applies.
var swapRules = []kernel.Rule[SwapLayout]{
	kernel.NewRule(">= 4.0", SwapLayout{TypeBits: 6, TypeShift: 2, OffsetBits: 50, ProtNone: 1 << 58}),
	kernel.NewRule(">= 3.13", SwapLayout{TypeBits: 6, TypeShift: 3, OffsetBits: 49, ProtNone: 1 << 58, File: 1 << 2}),
	kernel.NewRule(">= 3.11", SwapLayout{TypeBits: 6, TypeShift: 4, ProtNone: 1 << 2, File: 1 << 3}),
	kernel.NewRule("*", SwapLayout{TypeBits: 6, TypeShift: 3, ProtNone: 1 << 1, File: 1 << 2}),
}

var unknownRelease = semver.New(0, 0, 0, "", "")

// SwapLayoutFor returns the layout used by kernel release v. An unknown
// release gets the oldest layout.
func SwapLayoutFor(v *semver.Version) SwapLayout {
	if v == nil {
		v = unknownRelease
	}
	r, ok := kernel.Select(swapRules, v)
	if !ok {
		return swapRules[len(swapRules)-1].Value
	}
	return r.Value
}

func (s SwapLayout) TypeMask() uint64 {
	return (uint64(1) << s.TypeBits) - 1
}

func (s SwapLayout) OffsetShift() uint {
	return s.TypeBits + s.TypeShift
}

// OffsetMask is zero when the offset is not masked.
func (s SwapLayout) OffsetMask() uint64 {
	if s.OffsetBits == 0 {
		return 0
	}
	return (uint64(1) << s.OffsetBits) - 1
}

func (s SwapLayout) SwapType(pte uint64) uint64 {
	return (pte >> s.TypeShift) & s.TypeMask()
}

func (s SwapLayout) SwapOffset(pte uint64) uint64 {
	off := pte >> s.OffsetShift()
	if m := s.OffsetMask(); m != 0 {
		off &= m
	}
	return off
}

// Encode builds the swap entry for typ and offset.
func (s SwapLayout) Encode(typ, offset uint64) uint64 {
	if m := s.OffsetMask(); m != 0 {
		offset &= m
	}
	return (typ&s.TypeMask())<<s.TypeShift | offset<<s.OffsetShift()
}

// Present reports whether the entry maps a page. PROT_NONE pages are
// present even though the hardware valid bit is clear.
func (s SwapLayout) Present(pte uint64) bool {
	return pte&(PteValid|s.ProtNone) != 0
}

// PTE is a decoded leaf or block entry.
type PTE struct {
	Raw uint64

	Valid     bool
	File      bool
	ProtNone  bool
	User      bool
	ReadOnly  bool
	Shared    bool
	Access    bool
	NotGlobal bool
	PXN       bool
	UXN       bool
	Dirty     bool
	Special   bool

	// SwapType and SwapOffset are only decoded for entries without the
	// valid bit.
	SwapType   uint64
	SwapOffset uint64
}

func (s SwapLayout) Decode(raw uint64) PTE {
	p := PTE{
		Raw:       raw,
		Valid:     raw&PteValid != 0,
		File:      s.File != 0 && raw&s.File != 0,
		ProtNone:  raw&s.ProtNone != 0,
		User:      raw&PteUser != 0,
		ReadOnly:  raw&PteRdonly != 0,
		Shared:    raw&PteShared != 0,
		Access:    raw&PteAF != 0,
		NotGlobal: raw&PteNG != 0,
		PXN:       raw&PtePXN != 0,
		UXN:       raw&PteUXN != 0,
		Dirty:     raw&PteDirty != 0,
		Special:   raw&PteSpecial != 0,
	}
	if !p.Valid {
		p.SwapType = s.SwapType(raw)
		p.SwapOffset = s.SwapOffset(raw)
	}
	return p
}

// FlagNames lists the set flags in crash's order.
func (p PTE) FlagNames() []string {
	flags := []struct {
		set  bool
		name string
	}{
		{p.Valid, "VALID"},
		{p.File, "FILE"},
		{p.ProtNone, "PROT_NONE"},
		{p.User, "USER"},
		{p.ReadOnly, "RDONLY"},
		{p.Shared, "SHARED"},
		{p.Access, "AF"},
		{p.NotGlobal, "NG"},
		{p.PXN, "PXN"},
		{p.UXN, "UXN"},
		{p.Dirty, "DIRTY"},
		{p.Special, "SPECIAL"},
	}
	var names []string
	for _, f := range flags {
		if f.set {
			names = append(names, f.name)
		}
	}
	return names
}

// center pads s to width, the odd space goes right unless rjust is set.
func center(s string, width int, rjust bool) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}
	left := pad / 2
	if rjust && pad%2 == 1 {
		left++
	}
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", pad-left)
}

// Describe writes the PTE table of crash's vtop and pte commands and
// reports whether the page is present.
func (s SwapLayout) Describe(w io.Writer, raw, pageMask uint64) bool {
	p := s.Decode(raw)
	present := s.Present(raw)

	ptebuf := strconv.FormatUint(raw, 16)
	len1 := max(len(ptebuf), len("PTE"))
	fmt.Fprintf(w, "%s  ", center("PTE", len1, false))

	if !present {
		typ := strconv.FormatUint(p.SwapType, 10)
		off := strconv.FormatUint(p.SwapOffset, 10)
		len2 := max(len(typ), len("SWAP"))
		len3 := max(len(off), len("OFFSET"))
		fmt.Fprintf(w, "%s  %s\n", center("SWAP", len2, false), center("OFFSET", len3, false))
		fmt.Fprintf(w, "%s  %s  %s\n", center(ptebuf, len1, true), center(typ, len2, true), center(off, len3, true))
		return false
	}

	physbuf := strconv.FormatUint(raw&PhysMask&pageMask, 16)
	len2 := max(len(physbuf), len("PHYSICAL"))
	fmt.Fprintf(w, "%s  FLAGS\n", center("PHYSICAL", len2, false))
	fmt.Fprintf(w, "%s  %s  (%s)\n", center(ptebuf, len1, true), center(physbuf, len2, true), strings.Join(p.FlagNames(), "|"))
	return true
}
