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
//

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/kcrash/flags"
	"github.com/parca-dev/kcrash/pkg/arch"
	"github.com/parca-dev/kcrash/pkg/arch/arm64"
	"github.com/parca-dev/kcrash/pkg/buildinfo"
	"github.com/parca-dev/kcrash/pkg/vmcore"
)

var (
	errNoTask      = errors.New("no such task")
	errNoOwnerTask = errors.New("vtop -u needs --pid or --task")
)

func (s *session) execute(ctx context.Context, f flags.Flags, stdin io.Reader, w io.Writer) error {
	switch f.Command {
	case "vtop":
		return s.vtop(w, f.Vtop)
	case "pte":
		return s.pte(w, f.Pte.Entries)
	case "bt":
		return s.backtrace(ctx, w, f.Bt)
	case "mach":
		s.machine.DisplayMachineStats(w)
	case "machdep":
		s.machine.DumpMachdep(w)
	case "ranges":
		for _, r := range s.machine.KernelRanges() {
			fmt.Fprintf(w, "%-17s %016x - %016x\n", r.Type, r.Start, r.End)
		}
	case "notes":
		return s.machine.DumpPanicRegisters(w)
	case "dis-filter":
		return s.disFilter(ctx, stdin, w, f.DisFilter)
	case "save-notes":
		return s.saveNotes(f.SaveNotes.Output)
	default:
		return fmt.Errorf("unknown command %q", f.Command)
	}
	return nil
}

// findTask resolves a PID, falling back to a task_struct address.
func (s *session) findTask(arg string) (arch.Task, error) {
	if pid, err := strconv.Atoi(arg); err == nil {
		for _, t := range s.tasks {
			if t.PID == pid {
				return t, nil
			}
		}
	}
	addr, err := flags.ParseAddress(arg)
	if err != nil {
		return arch.Task{}, fmt.Errorf("%w: %s", errNoTask, arg)
	}
	for _, t := range s.tasks {
		if t.Task == addr {
			return t, nil
		}
	}
	return arch.Task{}, fmt.Errorf("%w: %s", errNoTask, arg)
}

func (s *session) vtop(w io.Writer, cmd flags.CmdVtop) error {
	var task *arch.Task
	if cmd.User {
		var (
			t   arch.Task
			err error
		)
		switch {
		case cmd.PID >= 0:
			t, err = s.findTask(strconv.Itoa(cmd.PID))
		case cmd.Task != "":
			t, err = s.findTask(cmd.Task)
		default:
			err = errNoOwnerTask
		}
		if err != nil {
			return err
		}
		task = &t
	}

	for i, arg := range cmd.Addresses {
		addr, err := flags.ParseAddress(arg)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := s.machine.VTOP(w, task, addr, cmd.Verbose); err != nil {
			return fmt.Errorf("vtop %s: %w", arg, err)
		}
	}
	return nil
}

func (s *session) pte(w io.Writer, entries []string) error {
	for i, arg := range entries {
		v, err := flags.ParseAddress(arg)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		s.machine.DescribePTE(w, v)
	}
	return nil
}

func (s *session) backtrace(ctx context.Context, w io.Writer, cmd flags.CmdBt) error {
	var tasks []arch.Task
	switch {
	case len(cmd.Tasks) > 0:
		for _, arg := range cmd.Tasks {
			t, err := s.findTask(arg)
			if err != nil {
				level.Warn(s.logger).Log("msg", "skipping backtrace", "err", err)
				continue
			}
			tasks = append(tasks, t)
		}
	case cmd.Active:
		for _, t := range s.tasks {
			if t.Active {
				tasks = append(tasks, t)
			}
		}
	default:
		tasks = s.tasks
	}

	opts := arch.BacktraceOptions{
		ExceptionFrames: cmd.Exception,
		FullFrames:      cmd.Full,
		TextSymbols:     cmd.Text,
		TextSymbolsAll:  cmd.TextAll,
		SymbolOffset:    cmd.Symbol,
		Reference:       cmd.Reference,
	}
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && opts.Reference == "" {
			fmt.Fprintln(w)
		}
		if err := s.machine.Backtrace(w, t, opts); err != nil {
			level.Warn(s.logger).Log("msg", "backtrace failed", "pid", t.PID, "task", fmt.Sprintf("%x", t.Task), "err", err)
		}
	}
	return nil
}

func (s *session) disFilter(ctx context.Context, stdin io.Reader, w io.Writer, cmd flags.CmdDisFilter) error {
	addr, err := flags.ParseAddress(cmd.Addr)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, _ := s.machine.DisFilter(addr, sc.Text(), cmd.Radix)
		fmt.Fprintln(w, strings.TrimSuffix(line, "\n"))
	}
	return sc.Err()
}

func (s *session) saveNotes(path string) error {
	notes := s.machine.PanicNotes()
	if len(notes) == 0 {
		return arm64.ErrNoPanicRegisters
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := vmcore.NewWriter(out).Write(notes, nil); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	level.Info(s.logger).Log("msg", "panic registers saved", "path", path, "cpus", len(notes))
	return out.Close()
}

func printVersion(w io.Writer) error {
	fmt.Fprintln(w, figure.NewFigure("kcrash", "roman", true).String())

	bi, err := buildinfo.Fetch()
	if err != nil {
		return fmt.Errorf("failed to fetch build info: %w", err)
	}
	if commit == "" {
		commit = bi.VcsRevision
	}
	if date == "" {
		date = bi.VcsTime
	}
	fmt.Fprintf(w, "version: %s\ncommit:  %s\ndate:    %s\ngo:      %s %s/%s\n",
		version, commit, date, bi.GoVersion, bi.GoOs, bi.GoArch)
	return nil
}
