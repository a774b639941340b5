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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/kcrash/flags"
	"github.com/parca-dev/kcrash/pkg/arch"
	"github.com/parca-dev/kcrash/pkg/arch/arm64"
	"github.com/parca-dev/kcrash/pkg/config"
	"github.com/parca-dev/kcrash/pkg/kernel"
	"github.com/parca-dev/kcrash/pkg/ksym"
	"github.com/parca-dev/kcrash/pkg/structs"
	"github.com/parca-dev/kcrash/pkg/vmcore"
)

var (
	version string
	commit  string
	date    string
)

const hostMachine = "aarch64"

func main() {
	f, err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	logger := f.Log.Logger("kcrash")
	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())

	ctx, cancel := context.WithCancel(context.Background())
	var g okrun.Group
	g.Add(func() error {
		return run(ctx, logger, reg, f, os.Stdin, os.Stdout)
	}, func(error) {
		cancel()
	})
	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	err = g.Run()

	if f.MetricsDump {
		if err := dumpMetrics(reg, os.Stderr); err != nil {
			level.Warn(logger).Log("msg", "failed to dump metrics", "err", err)
		}
	}
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(ctx context.Context, logger log.Logger, reg prometheus.Registerer, f flags.Flags, stdin io.Reader, stdout io.Writer) error {
	if f.Command == "version" {
		return printVersion(stdout)
	}

	s, err := openSession(logger, reg, f)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.execute(ctx, f, stdin, stdout)
}

// session is one opened memory image together with its backend.
type session struct {
	logger  log.Logger
	machine arch.Architecture
	tasks   []arch.Task
	closers []io.Closer
}

func (s *session) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func openSession(logger log.Logger, reg prometheus.Registerer, f flags.Flags) (*session, error) {
	cfg := &config.Config{}
	if f.ConfigPath != "" {
		cfgFile, err := config.LoadFile(f.ConfigPath)
		switch {
		case errors.Is(err, config.ErrEmptyConfig):
			level.Warn(logger).Log("msg", "config file is empty, using defaults", "path", f.ConfigPath)
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			cfg = cfgFile
		}
	}

	s := &session{logger: logger}
	for _, t := range cfg.Tasks {
		s.tasks = append(s.tasks, arch.TaskFromConfig(t))
	}

	opts := arm64.Options{
		Logger:     logger,
		Registerer: reg,
		PageSize:   cfg.PageSize,
		CPUs:       cfg.CPUs,
		HZ:         cfg.HZ,
		Machdep:    append(append([]string{}, cfg.Machdep...), f.Machdep...),
	}

	var err error
	if f.Dump.Live {
		err = s.openLive(f, cfg, &opts)
	} else {
		err = s.openDump(f, cfg, &opts)
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	symFS, symPath := splitPath(f.Symbols.Path)
	syms, err := ksym.Load(logger, reg, symFS, symPath, arm64.VerifySymbol)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load kernel symbols from %s: %w", f.Symbols.Path, err)
	}
	s.closers = append(s.closers, syms)
	level.Debug(logger).Log("msg", "kernel symbols loaded", "path", f.Symbols.Path, "symbols", len(syms.Symbols()), "fingerprint", syms.Fingerprint())
	opts.Symbols = syms

	layouts := structs.Chain{}
	if f.BTF.Path != "" {
		b, err := structs.LoadBTF(f.BTF.Path)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to load BTF, falling back to the config struct table", "path", f.BTF.Path, "err", err)
		} else {
			layouts = append(layouts, b)
		}
	}
	opts.Structs = append(layouts, structs.Static(cfg.Structs))

	m, err := arm64.New(opts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize %s backend: %w", hostMachine, err)
	}
	s.machine = m
	return s, nil
}

func (s *session) openDump(f flags.Flags, cfg *config.Config, opts *arm64.Options) error {
	dump, err := vmcore.Open(f.Dump.Path)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	s.closers = append(s.closers, dump)

	opts.Physical = dump
	opts.Dump = dump
	opts.MemorySize = dump.MemorySize()
	if opts.CPUs == 0 {
		opts.CPUs = len(dump.PRStatus())
	}

	release, ok := dump.VMCoreInfo().OSRelease()
	if !ok {
		release = cfg.KernelRelease
	}
	opts.Release = s.parseRelease(release)
	return nil
}

func (s *session) openLive(f flags.Flags, cfg *config.Config, opts *arm64.Options) error {
	machine, err := kernel.Machine()
	if err != nil {
		return err
	}
	if machine != hostMachine {
		return fmt.Errorf("live sessions need an %s host, running on %s", hostMachine, machine)
	}

	kcore, err := vmcore.Open(f.Dump.Kcore)
	if err != nil {
		return fmt.Errorf("failed to open kernel core: %w", err)
	}
	s.closers = append(s.closers, kcore)

	opts.Physical = kcore
	opts.Live = true
	opts.HostFS = os.DirFS("/")
	opts.HostPageSize = kernel.PageSize()

	pfs, err := procfs.NewDefaultFS()
	if err == nil {
		var host kernel.Host
		host, err = kernel.ReadHost(pfs)
		if opts.CPUs == 0 {
			opts.CPUs = host.CPUs
		}
		opts.MemorySize = host.MemoryBytes
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to read host statistics", "err", err)
	}

	if cfg.KernelRelease != "" {
		opts.Release = s.parseRelease(cfg.KernelRelease)
		return nil
	}
	opts.Release, err = kernel.GetRelease()
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to determine kernel release", "err", err)
	}
	return nil
}

func (s *session) parseRelease(release string) *semver.Version {
	v, err := kernel.ParseRelease(release)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to parse kernel release", "release", release, "err", err)
		return nil
	}
	return v
}

// splitPath turns a host path into a file system rooted at its directory.
func splitPath(path string) (fs.FS, string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return os.DirFS(filepath.Dir(abs)), filepath.Base(abs)
}

func dumpMetrics(g prometheus.Gatherer, w io.Writer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range nonEmpty(mfs) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// nonEmpty drops vectors no child was ever created for.
func nonEmpty(mfs []*dto.MetricFamily) []*dto.MetricFamily {
	out := mfs[:0]
	for _, mf := range mfs {
		if len(mf.GetMetric()) > 0 {
			out = append(out, mf)
		}
	}
	return out
}
