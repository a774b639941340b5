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

package flags

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	f, err := Parse([]string{"--dump-path", "/tmp/vmcore", "mach"})
	require.NoError(t, err)

	require.Equal(t, "mach", f.Command)
	require.Equal(t, "/tmp/vmcore", f.Dump.Path)
	require.Equal(t, defaultSymbolsPath, f.Symbols.Path)
	require.Equal(t, defaultKcorePath, f.Dump.Kcore)
	require.Equal(t, "info", f.Log.Level)
	require.Equal(t, "logfmt", f.Log.Format)
	require.False(t, f.MetricsDump)
	require.Equal(t, ExitSuccess, f.Validate(log.NewNopLogger()))
}

func TestParseMachdepOptions(t *testing.T) {
	f, err := Parse([]string{
		"--dump-live",
		"--machdep", "phys_offset=0x80000000",
		"--machdep", "phys_offset=512m",
		"machdep",
	})
	require.NoError(t, err)
	require.Equal(t, "machdep", f.Command)
	require.Equal(t, []string{"phys_offset=0x80000000", "phys_offset=512m"}, f.Machdep)
}

func TestParseBacktrace(t *testing.T) {
	f, err := Parse([]string{
		"--dump-path", "vmcore", "--log-level", "debug",
		"bt", "-f", "-s", "-R", "schedule", "1", "ffffff8000c38000",
	})
	require.NoError(t, err)

	require.Equal(t, "bt", f.Command)
	require.Equal(t, "debug", f.Log.Level)
	require.True(t, f.Bt.Full)
	require.True(t, f.Bt.Symbol)
	require.False(t, f.Bt.Exception)
	require.Equal(t, "schedule", f.Bt.Reference)
	require.Equal(t, []string{"1", "ffffff8000c38000"}, f.Bt.Tasks)
}

func TestParseSubcommandNames(t *testing.T) {
	for _, args := range [][]string{
		{"dis-filter", "--addr", "ffffff8008081000"},
		{"save-notes", "out.core"},
		{"vtop", "-v", "ffffff8008081000"},
		{"pte", "40081401"},
		{"version"},
	} {
		f, err := Parse(args)
		require.NoError(t, err, args)
		require.Equal(t, args[0], f.Command)
	}
}

func TestParseRejectsBadLogLevel(t *testing.T) {
	_, err := Parse([]string{"--log-level", "trace", "version"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	logger := log.NewNopLogger()

	testCases := []struct {
		name string
		args []string
		want ExitCode
	}{
		{name: "no target", args: []string{"mach"}, want: ExitParseError},
		{name: "both targets", args: []string{"--dump-path", "vmcore", "--dump-live", "mach"}, want: ExitParseError},
		{name: "version without target", args: []string{"version"}, want: ExitSuccess},
		{name: "pte without target", args: []string{"pte", "0"}, want: ExitParseError},
		{name: "vtop pid and task", args: []string{"--dump-live", "vtop", "-u", "--pid", "1", "--task", "ffffff80", "1000"}, want: ExitParseError},
		{name: "vtop pid", args: []string{"--dump-live", "vtop", "-u", "--pid", "1", "1000"}, want: ExitSuccess},
		{name: "bad radix", args: []string{"--dump-live", "dis-filter", "--addr", "0", "--radix", "8"}, want: ExitParseError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Parse(tc.args)
			require.NoError(t, err)
			require.Equal(t, tc.want, f.Validate(logger))
		})
	}
}

func TestParseAddress(t *testing.T) {
	v, err := ParseAddress("0xffffffc000081000")
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffc000081000), v)

	v, err = ParseAddress("40081401")
	require.NoError(t, err)
	require.Equal(t, uint64(0x40081401), v)

	_, err = ParseAddress("schedule")
	require.Error(t, err)
}
