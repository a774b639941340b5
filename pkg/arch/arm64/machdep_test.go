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

	"github.com/stretchr/testify/require"
)

func TestDisplayMachineStats(t *testing.T) {
	m := newFixture(t).machine(t)

	var out bytes.Buffer
	m.DisplayMachineStats(&out)
	require.Equal(t, ""+
		"       MACHINE TYPE: aarch64\n"+
		"        MEMORY SIZE: 4.0 GiB\n"+
		"               CPUS: 2\n"+
		"                 HZ: 100\n"+
		"          PAGE SIZE: 4096\n"+
		"KERNEL VIRTUAL BASE: ffffffc000000000\n"+
		"KERNEL VMALLOC BASE: ffffff8000000000\n"+
		"KERNEL MODULES BASE: ffffffbffc000000\n"+
		"KERNEL VMEMMAP BASE: ffffffbc00000000\n"+
		"  KERNEL STACK SIZE: 16384\n", out.String())
}

func TestDumpMachdep(t *testing.T) {
	m := newFixture(t).machine(t)

	var out bytes.Buffer
	m.DumpMachdep(&out)
	s := out.String()
	require.Contains(t, s, "               flags: 7a (PHYS_OFFSET|VM_L3_4K|VMEMMAP|KDUMP_ENABLED|MACHDEP_BT_TEXT)\n")
	require.Contains(t, s, "            pagesize: 4096\n")
	require.Contains(t, s, "     cmdline_args[0]: phys_offset=0x40000000\n")
	require.Contains(t, s, "     cmdline_args[1]: (unused)\n")
	require.Contains(t, s, "               VA_BITS: 39\n")
	require.Contains(t, s, "           page_offset: ffffffc000000000\n")
	require.Contains(t, s, "           phys_offset: 40000000\n")
	require.Contains(t, s, "       panic_task_regs: (none)\n")
	require.Contains(t, s, "              PTE_FILE: 4\n")
	require.Contains(t, s, "     __SWP_OFFSET_BITS: (unused)\n")
	require.Contains(t, s, "     crash_kexec_start: ffffffc000200000\n")
	require.Contains(t, s, "               symbols: ")
}

func TestDisFilter(t *testing.T) {
	m := newFixture(t).machine(t)

	tests := []struct {
		name  string
		vaddr uint64
		line  string
		radix int
		want  string
		ok    bool
	}{
		{
			name:  "branch",
			vaddr: 0xffffffc000100010,
			line:  "   0xffffffc000100010 <+16>:\tbl\t0xffffffc000100100 <do_work>",
			radix: 16,
			want:  "0xffffffc000100010 <schedule+0x10>:\tbl\t0xffffffc000100100 <do_work>\n",
			ok:    true,
		},
		{
			name:  "decimal offsets",
			vaddr: 0xffffffc000100010,
			line:  "   0xffffffc000100010 <+16>:  b  0xffffffc000100124 <+292>",
			radix: 10,
			want:  "0xffffffc000100010 <schedule+16>:  b  0xffffffc000100124 <do_work+36>\n",
			ok:    true,
		},
		{
			name:  "no target",
			vaddr: 0xffffffc000100100,
			line:  "   0xffffffc000100100 <+0>:\tnop",
			radix: 16,
			want:  "0xffffffc000100100 <do_work>:\tnop",
			ok:    true,
		},
		{
			name:  "unparsable target",
			vaddr: 0xffffffc000100100,
			line:  "foo <bar>",
			radix: 16,
			want:  "foo <bar>",
			ok:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.DisFilter(tt.vaddr, tt.line, tt.radix)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "", Flags(0).String())
	require.Equal(t, "KSYMS_START|VM_L2_64K", (KsymsStart | VML264K).String())
}
