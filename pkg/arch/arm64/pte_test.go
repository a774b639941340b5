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
	"github.com/stretchr/testify/require"
)

func TestSwapLayoutFor(t *testing.T) {
	tests := []struct {
		release string
		shift   uint
		file    uint64
	}{
		{"5.10.0", 2, 0},
		{"4.0.0", 2, 0},
		{"3.18.0", 3, 1 << 2},
		{"3.13.0", 3, 1 << 2},
		{"3.12.0", 4, 1 << 3},
		{"3.11.0", 4, 1 << 3},
		{"3.10.0", 3, 1 << 2},
	}
	for _, tt := range tests {
		s := SwapLayoutFor(semver.MustParse(tt.release))
		require.Equal(t, tt.shift, s.TypeShift, tt.release)
		require.Equal(t, tt.file, s.File, tt.release)
	}

	require.Equal(t, swapRules[len(swapRules)-1].Value, SwapLayoutFor(nil))
}

func TestSwapRoundTrip(t *testing.T) {
	for _, rule := range swapRules {
		s := rule.Value
		for _, typ := range []uint64{0, 1, 31, 63} {
			for _, off := range []uint64{0, 1, 0x1234, 0xfffff} {
				raw := s.Encode(typ, off)
				require.Equal(t, typ, s.SwapType(raw), rule.Constraint)
				require.Equal(t, off, s.SwapOffset(raw), rule.Constraint)
				require.False(t, s.Present(raw), rule.Constraint)

				p := s.Decode(raw)
				require.Equal(t, typ, p.SwapType)
				require.Equal(t, off, p.SwapOffset)
			}
		}
	}
}

func TestSwapDecodeDependsOnRelease(t *testing.T) {
	modern := SwapLayoutFor(semver.MustParse("4.14.0"))
	oldest := SwapLayoutFor(semver.MustParse("3.10.0"))

	raw := modern.Encode(5, 0x1234)
	require.NotEqual(t, modern.SwapType(raw), oldest.SwapType(raw))
	require.NotEqual(t, modern.SwapOffset(raw), oldest.SwapOffset(raw))
}

func TestPresent(t *testing.T) {
	s := SwapLayoutFor(semver.MustParse("4.14.0"))
	require.False(t, s.Present(0))
	require.True(t, s.Present(0x40000000|PteValid|PteAF))
	require.True(t, s.Present(0x40000000|s.ProtNone))
	require.False(t, s.Present(s.Encode(1, 10)))
}

func TestDecodeFlags(t *testing.T) {
	s := SwapLayoutFor(semver.MustParse("4.14.0"))
	p := s.Decode(0x40000000 | PteValid | PteUser | PteAF | PteNG | PteUXN)
	require.Equal(t, []string{"VALID", "USER", "AF", "NG", "UXN"}, p.FlagNames())
	require.Zero(t, p.SwapType)

	old := SwapLayoutFor(semver.MustParse("3.10.0"))
	require.True(t, old.Decode(1<<2).File)
	require.False(t, s.Decode(1<<2).File)
}

func TestDescribe(t *testing.T) {
	s := SwapLayoutFor(semver.MustParse("4.14.0"))

	var out bytes.Buffer
	require.True(t, s.Describe(&out, 0x40081000|PteValid|PteAF, ThreeLevel4K.PageMask()))
	require.Equal(t, ""+
		"  PTE     PHYSICAL  FLAGS\n"+
		"40081401  40081000  (VALID|AF)\n", out.String())

	out.Reset()
	require.False(t, s.Describe(&out, s.Encode(3, 0x100), ThreeLevel4K.PageMask()))
	require.Equal(t, ""+
		" PTE   SWAP  OFFSET\n"+
		"1000c    3     256 \n", out.String())
}

func TestCenter(t *testing.T) {
	require.Equal(t, " PTE ", center("PTE", 5, false))
	require.Equal(t, "  3 ", center("3", 4, true))
	require.Equal(t, " 3  ", center("3", 4, false))
	require.Equal(t, "toolong", center("toolong", 3, false))
}
