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

package vmcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/rzajac/flexbuf"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/kcrash/pkg/memory"
)

const vmcoreinfoText = `OSRELEASE=4.19.0-rc1
PAGESIZE=65536
SYMBOL(log_buf)=ffff000008f31e30
NUMBER(PHYS_OFFSET)=0x40000000
NUMBER(VA_BITS)=48
KERNELOFFSET=0
`

func writeCore(t *testing.T) *flexbuf.Buffer {
	t.Helper()

	prstatus := make([]byte, 392)
	binary.LittleEndian.PutUint64(prstatus[112:], 0x1111)

	low := bytes.Repeat([]byte{0xaa}, 0x1000)
	high := bytes.Repeat([]byte{0xbb}, 0x800)

	buf := flexbuf.New()
	err := NewWriter(buf).Write(
		[]Note{
			{Type: elf.NT_PRSTATUS, Name: "CORE", Data: prstatus},
			{Type: elf.NT_PRSTATUS, Name: "CORE", Data: prstatus},
			{Type: 0, Name: "VMCOREINFO", Data: []byte(vmcoreinfoText)},
		},
		[]Load{
			{Paddr: 0x40001000, Vaddr: 0xffff800000001000, Data: high},
			{Paddr: 0x40000000, Vaddr: 0xffff800000000000, Data: low},
		},
	)
	require.NoError(t, err)
	buf.SeekStart()
	return buf
}

func TestDumpRoundTrip(t *testing.T) {
	d, err := NewDump(writeCore(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })

	base, ok := d.PhysBase()
	require.True(t, ok)
	require.Equal(t, uint64(0x40000000), base)
	require.Equal(t, uint64(0x1800), d.MemorySize())
	require.Len(t, d.Segments(), 2)

	b, err := d.Read(0x40000ffe, memory.Physical, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xaa, 0xbb, 0xbb}, b)

	_, err = d.Read(0x400017ff, memory.Physical, 2)
	require.ErrorIs(t, err, ErrNotInDump)

	_, err = d.Read(0xffff800000000000, memory.KernelVirtual, 8)
	require.ErrorIs(t, err, memory.ErrUnsupportedSpace)

	notes := d.PRStatus()
	require.Len(t, notes, 2)
	require.Equal(t, uint64(0x1111), binary.LittleEndian.Uint64(notes[1].Data[112:]))
	require.Len(t, d.Notes(), 3)

	info := d.VMCoreInfo()
	require.False(t, info.Empty())
	rel, ok := info.OSRelease()
	require.True(t, ok)
	require.Equal(t, "4.19.0-rc1", rel)

	ps, ok := info.PageSize()
	require.True(t, ok)
	require.Equal(t, uint64(65536), ps)

	logBuf, ok := info.Symbol("log_buf")
	require.True(t, ok)
	require.Equal(t, uint64(0xffff000008f31e30), logBuf)

	physOffset, ok := info.Number("PHYS_OFFSET")
	require.True(t, ok)
	require.Equal(t, uint64(0x40000000), physOffset)

	vaBits, ok := info.Number("VA_BITS")
	require.True(t, ok)
	require.Equal(t, uint64(48), vaBits)

	off, ok := info.KernelOffset()
	require.True(t, ok)
	require.Zero(t, off)

	_, ok = info.Symbol("swapper_pg_dir")
	require.False(t, ok)
}

func TestDumpRejectsOtherMachines(t *testing.T) {
	b, err := io.ReadAll(writeCore(t))
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(b[18:], uint16(elf.EM_X86_64))

	_, err = NewDump(bytes.NewReader(b))
	require.True(t, errors.Is(err, ErrNotAArch64))
}

func TestParseNotesTruncated(t *testing.T) {
	data := binary.LittleEndian.AppendUint32(nil, 5)
	data = binary.LittleEndian.AppendUint32(data, 64)
	data = binary.LittleEndian.AppendUint32(data, 1)
	data = append(data, "CORE\x00\x00\x00\x00"...)

	_, err := parseNotes(data, binary.LittleEndian)
	require.ErrorIs(t, err, ErrTruncatedNote)
}

func TestParseVMCoreInfoIgnoresGarbage(t *testing.T) {
	info := ParseVMCoreInfo([]byte("no equals sign\nCRASHTIME=1700000000\n\x00\x00"))
	v, ok := info.Get("CRASHTIME")
	require.True(t, ok)
	require.Equal(t, "1700000000", v)

	_, ok = info.PageSize()
	require.False(t, ok)
}
