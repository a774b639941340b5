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

package ksym

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/kcrash/pkg/cache"
	"github.com/parca-dev/kcrash/pkg/hash"
)

var ErrNoSymbols = errors.New("symbol table is empty")

const nearestCacheSize = 4096

// Symbol is one entry of a System.map or /proc/kallsyms listing.
type Symbol struct {
	Addr   uint64
	Type   byte
	Name   string
	Module string
}

// IsText reports whether the symbol lives in a text section.
func (s Symbol) IsText() bool {
	switch s.Type {
	case 't', 'T', 'w', 'W':
		return true
	}
	return false
}

// Filter decides whether a parsed symbol is kept in the table.
type Filter func(name string, addr uint64, typ byte) bool

func unsafeString(b []byte) string {
	return *((*string)(unsafe.Pointer(&b)))
}

// Parse reads symbols in the "<hex addr> <type> <name> [module]" format.
// Malformed lines are skipped.
func Parse(logger log.Logger, r io.Reader, filter Filter) ([]Symbol, error) {
	var syms []Symbol

	s := bufio.NewScanner(r)
	lineno := 0
	for s.Scan() {
		lineno++
		fields := bytes.Fields(s.Bytes())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 || len(fields[1]) != 1 {
			level.Warn(logger).Log("msg", "skipping malformed symbol line", "line", lineno)
			continue
		}

		addr, err := strconv.ParseUint(unsafeString(fields[0]), 16, 64)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to parse symbol address", "line", lineno, "err", err)
			continue
		}
		typ := fields[1][0]
		name := string(fields[2])

		if filter != nil && !filter(name, addr, typ) {
			continue
		}

		sym := Symbol{Addr: addr, Type: typ, Name: name}
		if len(fields) > 3 {
			sym.Module = string(bytes.Trim(fields[3], "[]"))
		}
		syms = append(syms, sym)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scanning symbols: %w", err)
	}
	return syms, nil
}

// Table is an address sorted symbol table with by-name and by-address
// lookups. Nearest symbol lookups are cached.
type Table struct {
	logger log.Logger

	syms   []Symbol
	byName map[string]int

	textStart, textEnd uint64

	nearest     *cache.LRUCache[uint64, int]
	fingerprint hash.Fingerprint
}

// Load parses the symbol file at path of fsys into a Table.
func Load(logger log.Logger, reg prometheus.Registerer, fsys fs.FS, path string, filter Filter) (*Table, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := Parse(logger, f, filter)
	if err != nil {
		return nil, err
	}

	t, err := New(logger, reg, syms)
	if err != nil {
		return nil, err
	}

	fp, err := hash.File(fsys, path)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to fingerprint symbol file", "path", path, "err", err)
	}
	t.fingerprint = fp
	return t, nil
}

// New builds a Table from already parsed symbols.
func New(logger log.Logger, reg prometheus.Registerer, syms []Symbol) (*Table, error) {
	if len(syms) == 0 {
		return nil, ErrNoSymbols
	}

	sorted := make([]Symbol, len(syms))
	copy(sorted, syms)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	t := &Table{
		logger:  logger,
		syms:    sorted,
		byName:  make(map[string]int, len(sorted)),
		nearest: cache.NewLRUCache[uint64, int](reg, "symbols", nearestCacheSize),
	}
	for i, s := range sorted {
		// First definition wins, kallsyms lists module copies after the core kernel.
		if _, ok := t.byName[s.Name]; !ok {
			t.byName[s.Name] = i
		}
	}

	if s, ok := t.Lookup("_text"); ok {
		t.textStart = s.Addr
	} else if s, ok := t.Lookup("_stext"); ok {
		t.textStart = s.Addr
	}
	if s, ok := t.Lookup("_etext"); ok {
		t.textEnd = s.Addr
	}
	return t, nil
}

// Lookup returns the symbol called name.
func (t *Table) Lookup(name string) (Symbol, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return t.syms[i], true
}

// Nearest returns the closest symbol at or below addr and the offset of
// addr from it.
func (t *Table) Nearest(addr uint64) (Symbol, uint64, bool) {
	if i, ok := t.nearest.Get(addr); ok {
		return t.syms[i], addr - t.syms[i].Addr, true
	}

	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr }) - 1
	if i < 0 {
		return Symbol{}, 0, false
	}
	t.nearest.Add(addr, i)
	return t.syms[i], addr - t.syms[i].Addr, true
}

// Next returns the symbol that follows s in address order, skipping aliases
// that share the address of s.
func (t *Table) Next(s Symbol) (Symbol, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > s.Addr })
	if i >= len(t.syms) {
		return Symbol{}, false
	}
	return t.syms[i], true
}

// Symbols returns the table in address order.
func (t *Table) Symbols() []Symbol {
	return t.syms
}

// IsKernelText reports whether addr lies in core kernel text or in the text
// of a loaded module.
func (t *Table) IsKernelText(addr uint64) bool {
	if t.textStart != 0 && t.textEnd != 0 && addr >= t.textStart && addr < t.textEnd {
		return true
	}
	s, _, ok := t.Nearest(addr)
	if !ok || s.Module == "" {
		return false
	}
	return s.IsText()
}

// ModuleOf returns the name of the module addr belongs to, if any.
func (t *Table) ModuleOf(addr uint64) (string, bool) {
	if t.textStart != 0 && t.textEnd != 0 && addr >= t.textStart && addr < t.textEnd {
		return "", false
	}
	s, _, ok := t.Nearest(addr)
	if !ok || s.Module == "" {
		return "", false
	}
	return s.Module, true
}

// Symbolize renders addr as "name" or "name+0xoff".
func (t *Table) Symbolize(addr uint64) string {
	s, off, ok := t.Nearest(addr)
	if !ok {
		return fmt.Sprintf("%x", addr)
	}
	if off == 0 {
		return s.Name
	}
	return fmt.Sprintf("%s+%#x", s.Name, off)
}

// Fingerprint is the hash of the file the table was loaded from, zero for
// tables built with New.
func (t *Table) Fingerprint() hash.Fingerprint {
	return t.fingerprint
}

func (t *Table) Close() error {
	return t.nearest.Close()
}
