// Copyright 2022-2023 The Parca Authors
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

package kernel

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

func byteSliceToString(arr []byte) string {
	var b strings.Builder
	for _, v := range arr {
		if v == 0 {
			break
		}
		b.WriteByte(v)
	}
	return b.String()
}

// Machine fetches the machine string of the current running kernel.
func Machine() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("could not get utsname: %w", err)
	}

	return byteSliceToString(uname.Machine[:]), nil
}

// PageSize returns the page size of the running kernel.
func PageSize() uint64 {
	return uint64(unix.Getpagesize())
}

// Host describes the running system for live sessions.
type Host struct {
	CPUs        int
	MemoryBytes uint64
}

// ReadHost collects CPU and memory totals from the given procfs mount.
func ReadHost(fs procfs.FS) (Host, error) {
	cpus, err := fs.CPUInfo()
	if err != nil {
		return Host{}, fmt.Errorf("reading cpuinfo: %w", err)
	}

	mem, err := fs.Meminfo()
	if err != nil {
		return Host{}, fmt.Errorf("reading meminfo: %w", err)
	}

	h := Host{CPUs: len(cpus)}
	if mem.MemTotal != nil {
		// MemTotal is reported in kB.
		h.MemoryBytes = *mem.MemTotal * 1024
	}
	return h, nil
}
