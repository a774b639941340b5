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

package structs

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// TypeFinder is the part of *btf.Spec used to resolve layouts.
type TypeFinder interface {
	AnyTypeByName(name string) (btf.Type, error)
}

// BTF resolves layouts from kernel BTF.
type BTF struct {
	types TypeFinder
}

func NewBTF(types TypeFinder) *BTF {
	return &BTF{types: types}
}

// LoadBTF reads a raw BTF blob or an ELF file with a .BTF section, such as
// /sys/kernel/btf/vmlinux or a vmlinux image.
func LoadBTF(path string) (*BTF, error) {
	spec, err := btf.LoadSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading BTF from %s: %w", path, err)
	}
	return NewBTF(spec), nil
}

func (b *BTF) composite(structName string) (btf.Type, error) {
	typ, err := b.types.AnyTypeByName(structName)
	if err != nil {
		if errors.Is(err, btf.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", structName, ErrUnknown)
		}
		return nil, err
	}
	return btf.UnderlyingType(typ), nil
}

func (b *BTF) Offset(structName, member string) (uint64, error) {
	typ, err := b.composite(structName)
	if err != nil {
		return 0, err
	}

	var off uint64
	for _, name := range splitPath(member) {
		m, base, ok := findMember(typ, name)
		if !ok {
			return 0, fmt.Errorf("%s.%s: %w", structName, member, ErrUnknown)
		}
		off += base + uint64(m.Offset.Bytes())
		typ = btf.UnderlyingType(m.Type)
	}
	return off, nil
}

func (b *BTF) Size(structName string) (uint64, error) {
	typ, err := b.types.AnyTypeByName(structName)
	if err != nil {
		if errors.Is(err, btf.ErrNotFound) {
			return 0, fmt.Errorf("%s: %w", structName, ErrUnknown)
		}
		return 0, err
	}
	size, err := btf.Sizeof(typ)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", structName, err)
	}
	return uint64(size), nil
}

func members(typ btf.Type) []btf.Member {
	switch t := typ.(type) {
	case *btf.Struct:
		return t.Members
	case *btf.Union:
		return t.Members
	}
	return nil
}

// findMember looks name up in typ, descending into anonymous structs and
// unions. The returned base is the offset of the anonymous container the
// member was found in.
func findMember(typ btf.Type, name string) (btf.Member, uint64, bool) {
	for _, m := range members(typ) {
		if m.Name == name {
			return m, 0, true
		}
		if m.Name != "" {
			continue
		}
		if inner, base, ok := findMember(btf.UnderlyingType(m.Type), name); ok {
			return inner, base + uint64(m.Offset.Bytes()), true
		}
	}
	return btf.Member{}, 0, false
}
