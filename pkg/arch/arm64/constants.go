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

import "strings"

const (
	// StackSize is THREAD_SIZE, every kernel stack is this large and
	// aligned to it.
	StackSize = 16384

	// PhysMask covers the 48 bits of physical address an entry can hold.
	PhysMask = (uint64(1) << 48) - 1

	// UserEframeOffset is the distance from the stack top to the pt_regs
	// saved on entry from user space.
	UserEframeOffset = 304

	// PtRegsSize is sizeof(struct pt_regs) when the layout does not say
	// otherwise.
	PtRegsSize = 36 * 8

	// userPtRegsWords is the register block of elf_prstatus.pr_reg.
	userPtRegsWords = 34

	modulesSize = 64 << 20
	vmemmapGap  = 64 << 10
)

// Page table entry bits.
const (
	PteValid   = uint64(1) << 0
	PteUser    = uint64(1) << 6
	PteRdonly  = uint64(1) << 7
	PteShared  = uint64(3) << 8
	PteAF      = uint64(1) << 10
	PteNG      = uint64(1) << 11
	PtePXN     = uint64(1) << 53
	PteUXN     = uint64(1) << 54
	PteDirty   = uint64(1) << 55
	PteSpecial = uint64(1) << 56

	pmdTypeMask = 3
	pmdTypeSect = 1
)

// Processor state bits.
const (
	PSRMode32   = 0x10
	PSRModeMask = 0xf
	PSRModeEL0t = 0x0
	PSRModeEL1t = 0x4
	PSRModeEL1h = 0x5
)

// Flags is the machine dependent flag word shown by the machdep command.
type Flags uint64

const (
	KsymsStart Flags = 1 << iota
	PhysOffsetSet
	VML264K
	VML34K
	Vmemmap
	KdumpEnabled
	MachdepBTText
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{KsymsStart, "KSYMS_START"},
	{PhysOffsetSet, "PHYS_OFFSET"},
	{VML264K, "VM_L2_64K"},
	{VML34K, "VM_L3_4K"},
	{Vmemmap, "VMEMMAP"},
	{KdumpEnabled, "KDUMP_ENABLED"},
	{MachdepBTText, "MACHDEP_BT_TEXT"},
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
