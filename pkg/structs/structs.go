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

// Package structs answers "where is member m of struct s" and "how big is
// struct s" for the kernel being analyzed.
package structs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/parca-dev/kcrash/pkg/config"
)

var ErrUnknown = errors.New("unknown struct or member")

// Layout resolves kernel struct layouts. Member may name a nested member
// with dots, e.g. "thread.cpu_context.sp".
type Layout interface {
	Offset(structName, member string) (uint64, error)
	Size(structName string) (uint64, error)
}

// Static serves layouts from the config file.
type Static map[string]config.Struct

func (s Static) Offset(structName, member string) (uint64, error) {
	st, ok := s[structName]
	if !ok {
		return 0, fmt.Errorf("%s: %w", structName, ErrUnknown)
	}
	if off, ok := st.Members[member]; ok {
		return off, nil
	}
	return 0, fmt.Errorf("%s.%s: %w", structName, member, ErrUnknown)
}

func (s Static) Size(structName string) (uint64, error) {
	st, ok := s[structName]
	if !ok || st.Size == 0 {
		return 0, fmt.Errorf("%s: %w", structName, ErrUnknown)
	}
	return st.Size, nil
}

// Chain asks each layout in turn and returns the first answer.
type Chain []Layout

func (c Chain) Offset(structName, member string) (uint64, error) {
	for _, l := range c {
		if off, err := l.Offset(structName, member); err == nil {
			return off, nil
		}
	}
	return 0, fmt.Errorf("%s.%s: %w", structName, member, ErrUnknown)
}

func (c Chain) Size(structName string) (uint64, error) {
	for _, l := range c {
		if size, err := l.Size(structName); err == nil {
			return size, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", structName, ErrUnknown)
}

// OffsetOr returns the offset of member, or ok=false when it is unknown.
func OffsetOr(l Layout, structName, member string) (uint64, bool) {
	off, err := l.Offset(structName, member)
	return off, err == nil
}

// SizeOr returns the size of a struct, or ok=false when it is unknown.
func SizeOr(l Layout, structName string) (uint64, bool) {
	size, err := l.Size(structName)
	return size, err == nil
}

func splitPath(member string) []string {
	return strings.Split(member, ".")
}
