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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/kcrash/flags"
	"github.com/parca-dev/kcrash/pkg/arch"
	"github.com/parca-dev/kcrash/pkg/arch/arm64"
	"github.com/parca-dev/kcrash/pkg/vmcore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSymbols = `ffffffc000081000 T _text
ffffffc000100000 T schedule
ffffffc000100100 T do_work
ffffffc000100200 T kthread
`

const testConfig = `kernel_release: 4.14.0
page_size: 4096
cpus: 2
tasks:
  - pid: 1
    comm: init
    task: 0xffffffc000c38000
    stack: 0xffffffc00b000000
    mm: 0xffffffc000d00000
  - pid: 2
    comm: kthreadd
    task: 0xffffffc000c3a000
    stack: 0xffffffc00b004000
`

// writeSession lays out a dump, a symbol file and a config file and returns
// the global flags pointing at them.
func writeSession(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()

	symbols := filepath.Join(dir, "System.map")
	require.NoError(t, os.WriteFile(symbols, []byte(testSymbols), 0o644))

	cfg := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(testConfig), 0o644))

	dump := filepath.Join(dir, "vmcore")
	out, err := os.Create(dump)
	require.NoError(t, err)
	require.NoError(t, vmcore.NewWriter(out).Write(nil, []vmcore.Load{
		{Paddr: 0x40000000, Vaddr: 0xffffffc000000000, Data: make([]byte, 0x2000)},
	}))
	require.NoError(t, out.Close())

	return []string{"--dump-path", dump, "--symbols-path", symbols, "--config-path", cfg}
}

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	f, err := flags.Parse(args)
	require.NoError(t, err)
	require.Equal(t, flags.ExitSuccess, f.Validate(log.NewNopLogger()))

	var out bytes.Buffer
	err = run(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), f, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestRunPte(t *testing.T) {
	args := append(writeSession(t), "pte", "40081401")

	out, err := runCommand(t, "", args...)
	require.NoError(t, err)
	require.Equal(t, ""+
		"  PTE     PHYSICAL  FLAGS\n"+
		"40081401  40081000  (VALID|AF)\n", out)
}

func TestRunRanges(t *testing.T) {
	args := append(writeSession(t), "ranges")

	out, err := runCommand(t, "", args...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "KVADDR_UNITY_MAP  ffffffc000000000 - ffffffffffffffff", lines[3])
}

func TestRunDisFilter(t *testing.T) {
	args := append(writeSession(t), "dis-filter", "--addr", "ffffffc000100010")

	out, err := runCommand(t, "   0xffffffc000100010 <+16>:\tbl\t0xffffffc000100100 <do_work>\n", args...)
	require.NoError(t, err)
	require.Equal(t, "0xffffffc000100010 <schedule+0x10>:\tbl\t0xffffffc000100100 <do_work>\n", out)
}

func TestRunWithoutPanicRegisters(t *testing.T) {
	session := writeSession(t)

	_, err := runCommand(t, "", append(session, "notes")...)
	require.ErrorIs(t, err, arm64.ErrNoPanicRegisters)

	out := filepath.Join(t.TempDir(), "notes.core")
	_, err = runCommand(t, "", append(session, "save-notes", out)...)
	require.ErrorIs(t, err, arm64.ErrNoPanicRegisters)
	require.NoFileExists(t, out)
}

func TestRunMissingDump(t *testing.T) {
	_, err := runCommand(t, "", "--dump-path", filepath.Join(t.TempDir(), "missing"), "mach")
	require.Error(t, err)
}

func TestRunVersion(t *testing.T) {
	out, err := runCommand(t, "", "version")
	require.NoError(t, err)
	require.Contains(t, out, "version:")
	require.Contains(t, out, "go:")
}

func TestFindTask(t *testing.T) {
	s := &session{tasks: []arch.Task{
		{PID: 1, Task: 0xffffffc000c38000},
		{PID: 2, Task: 0xffffffc000c3a000},
	}}

	task, err := s.findTask("2")
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffc000c3a000), task.Task)

	task, err = s.findTask("ffffffc000c38000")
	require.NoError(t, err)
	require.Equal(t, 1, task.PID)

	_, err = s.findTask("3")
	require.ErrorIs(t, err, errNoTask)

	_, err = s.findTask("init")
	require.ErrorIs(t, err, errNoTask)
}

func TestDumpMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "kcrash_test_total", Help: "Test counter."})
	reg.MustRegister(c)
	c.Add(3)
	reg.MustRegister(prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kcrash_unused_total", Help: "Never used."}, []string{"result"}))

	var out bytes.Buffer
	require.NoError(t, dumpMetrics(reg, &out))
	require.Contains(t, out.String(), "kcrash_test_total 3\n")
	require.NotContains(t, out.String(), "kcrash_unused_total")
}
