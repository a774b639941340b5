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
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

const vmcoreinfoNoteName = "VMCOREINFO"

// VMCoreInfo is the KEY=VALUE text the crashing kernel leaves for the
// analyzer.
type VMCoreInfo struct {
	entries map[string]string
}

func ParseVMCoreInfo(data []byte) *VMCoreInfo {
	info := &VMCoreInfo{entries: map[string]string{}}
	s := bufio.NewScanner(bytes.NewReader(bytes.TrimRight(data, "\x00")))
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), "=")
		if !ok {
			continue
		}
		info.entries[key] = value
	}
	return info
}

func (v *VMCoreInfo) Empty() bool {
	return len(v.entries) == 0
}

// Get returns the raw value of key.
func (v *VMCoreInfo) Get(key string) (string, bool) {
	s, ok := v.entries[key]
	return s, ok
}

func (v *VMCoreInfo) OSRelease() (string, bool) {
	return v.Get("OSRELEASE")
}

func (v *VMCoreInfo) PageSize() (uint64, bool) {
	s, ok := v.Get("PAGESIZE")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

// Symbol returns SYMBOL(name), written by the kernel in hex without a prefix.
func (v *VMCoreInfo) Symbol(name string) (uint64, bool) {
	return v.hex("SYMBOL(" + name + ")")
}

// Number returns NUMBER(name). Values are decimal or 0x prefixed hex.
func (v *VMCoreInfo) Number(name string) (uint64, bool) {
	s, ok := v.Get("NUMBER(" + name + ")")
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, true
	}
	n, err := strconv.ParseInt(s, 0, 64)
	return uint64(n), err == nil
}

func (v *VMCoreInfo) KernelOffset() (uint64, bool) {
	return v.hex("KERNELOFFSET")
}

func (v *VMCoreInfo) hex(key string) (uint64, bool) {
	s, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	return n, err == nil
}
