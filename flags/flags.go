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

package flags

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/kcrash/pkg/logger"
)

const (
	defaultSymbolsPath = "/proc/kallsyms"
	defaultKcorePath   = "/proc/kcore"
	defaultRadix       = 16
)

// Parse parses the command line arguments, without the program name.
func Parse(args []string, options ...kong.Option) (Flags, error) {
	flags := Flags{}
	options = append([]kong.Option{
		kong.Name("kcrash"),
		kong.Description("Postmortem analysis of ARM64 kernel memory images."),
		kong.Vars{
			"default_symbols_path": defaultSymbolsPath,
			"default_kcore_path":   defaultKcorePath,
			"default_radix":        strconv.Itoa(defaultRadix),
		},
	}, options...)

	parser, err := kong.New(&flags, options...)
	if err != nil {
		return Flags{}, err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return Flags{}, err
	}
	flags.Command = strings.Fields(ctx.Command())[0]
	return flags, nil
}

type Flags struct {
	Log     FlagsLogs    `embed:"" prefix:"log-"`
	Dump    FlagsDump    `embed:"" prefix:"dump-"`
	Symbols FlagsSymbols `embed:"" prefix:"symbols-"`
	BTF     FlagsBTF     `embed:"" prefix:"btf-"`

	ConfigPath  string   `default:""      help:"Path to the session config file."`
	Machdep     []string `help:"Machine dependent options, e.g. phys_offset=0x80000000."`
	MetricsDump bool     `default:"false" help:"Print the collected metrics to stderr on exit."`

	Vtop       CmdVtop      `cmd:"" help:"Translate virtual addresses to physical addresses."`
	Pte        CmdPte       `cmd:"" help:"Decode raw page table entries."`
	Bt         CmdBt        `cmd:"" help:"Print kernel stack backtraces."`
	Mach       CmdMach      `cmd:"" help:"Display machine statistics."`
	MachdepCmd CmdMachdep   `cmd:"" help:"Dump the machine dependent table." name:"machdep"`
	Ranges     CmdRanges    `cmd:"" help:"List kernel virtual address ranges."`
	Notes      CmdNotes     `cmd:"" help:"Show the registers saved by the crashing kernel."`
	DisFilter  CmdDisFilter `cmd:"" help:"Symbolize branch targets in disassembly read from stdin."`
	SaveNotes  CmdSaveNotes `cmd:"" help:"Write the panic registers as an ELF core file."`
	Version    CmdVersion   `cmd:"" help:"Show application version."`

	// Command is the name of the selected subcommand.
	Command string `kong:"-"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

// NeedsTarget reports whether the selected command reads a memory image.
func (f Flags) NeedsTarget() bool {
	return f.Command != "version"
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	if f.Dump.Path != "" && f.Dump.Live {
		return ParseError(logger, "--dump-path and --dump-live are mutually exclusive")
	}

	if f.NeedsTarget() && f.Dump.Path == "" && !f.Dump.Live {
		return ParseError(logger, "One of --dump-path or --dump-live is required for %q", f.Command)
	}

	if f.NeedsTarget() && f.Symbols.Path == "" {
		return ParseError(logger, "--symbols-path must not be empty")
	}

	if f.Command == "vtop" && f.Vtop.PID >= 0 && f.Vtop.Task != "" {
		return ParseError(logger, "vtop: --pid and --task are mutually exclusive")
	}

	if f.Command == "dis-filter" && f.DisFilter.Radix != 10 && f.DisFilter.Radix != 16 {
		return ParseError(logger, "dis-filter: invalid radix %d", f.DisFilter.Radix)
	}

	return ExitSuccess
}

// ParseAddress parses a hex address with or without the 0x prefix.
func ParseAddress(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// Logger builds the process wide logger.
func (f FlagsLogs) Logger(name string) log.Logger {
	return logger.NewLogger(f.Level, f.Format, name)
}

// FlagsDump selects the memory image.
type FlagsDump struct {
	Path  string `help:"Path to an ELF kdump file."`
	Live  bool   `default:"false" help:"Analyze the running kernel."`
	Kcore string `default:"${default_kcore_path}" help:"Kernel core file used by live sessions."`
}

// FlagsSymbols locates the kernel symbol list.
type FlagsSymbols struct {
	Path string `default:"${default_symbols_path}" help:"Path to a System.map or kallsyms file."`
}

// FlagsBTF locates kernel type information.
type FlagsBTF struct {
	Path string `help:"Path to the kernel BTF blob, e.g. /sys/kernel/btf/vmlinux."`
}

type CmdVtop struct {
	User      bool     `short:"u" help:"Translate user virtual addresses."`
	Verbose   bool     `short:"v" help:"Show the page table walk."`
	PID       int      `default:"-1" help:"Task owning the user addresses, by PID."`
	Task      string   `help:"Task owning the user addresses, by task_struct address."`
	Addresses []string `arg:"" help:"Virtual addresses."`
}

type CmdPte struct {
	Entries []string `arg:"" help:"Raw page table entry values."`
}

type CmdBt struct {
	Exception bool     `short:"e" help:"Search the stack for exception frames."`
	Full      bool     `short:"f" help:"Display the stack contents of every frame."`
	Text      bool     `short:"t" help:"List text symbols found on the stack from the last known frame."`
	TextAll   bool     `short:"T" help:"List text symbols found on the whole stack."`
	Symbol    bool     `short:"s" help:"Show symbol offsets."`
	Reference string   `short:"R" help:"Only show stacks referencing this symbol or value."`
	Active    bool     `short:"a" help:"Only the tasks active on a CPU."`
	Tasks     []string `arg:""    help:"PIDs or task_struct addresses. Defaults to every task." optional:""`
}

type CmdMach struct{}

type CmdMachdep struct{}

type CmdRanges struct{}

type CmdNotes struct{}

type CmdDisFilter struct {
	Addr  string `required:"" help:"Address of the disassembled instruction."`
	Radix int    `default:"${default_radix}" help:"Output radix of symbol offsets."`
}

type CmdSaveNotes struct {
	Output string `arg:"" help:"Output ELF file."`
}

type CmdVersion struct{}
