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

package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/zcalusic/sysinfo"
)

var ErrEmptyRelease = errors.New("empty kernel release")

// ParseRelease parses a kernel release string such as "4.4.0-93-generic".
// Everything from the first dash on is dropped, distributions put arbitrary
// text there.
func ParseRelease(release string) (*semver.Version, error) {
	release = strings.TrimSpace(release)
	if release == "" {
		return nil, ErrEmptyRelease
	}

	short := release
	if splitted := strings.Split(release, "-"); len(splitted) > 0 {
		short = splitted[0]
	}
	short = strings.TrimSuffix(short, "+")

	v, err := semver.NewVersion(short)
	if err != nil {
		return nil, fmt.Errorf("parsing kernel release %q: %w", release, err)
	}
	return v, nil
}

// GetRelease returns the release of the running kernel.
func GetRelease() (*semver.Version, error) {
	var si sysinfo.SysInfo
	si.GetSysInfo()

	return ParseRelease(si.Kernel.Release)
}

// Rule pairs a version constraint with the value that applies to kernels
// matching it.
type Rule[T any] struct {
	Constraint string
	Value      T

	c *semver.Constraints
}

// NewRule compiles the constraint of a rule. Rule tables are package level
// data, so a bad constraint is a programming error.
func NewRule[T any](constraint string, v T) Rule[T] {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		// This will never happen. Every rule table is covered in tests.
		panic(fmt.Sprintf("bad constraint %q, this should never happen: %v", constraint, err))
	}
	return Rule[T]{Constraint: constraint, Value: v, c: c}
}

// Match reports whether v satisfies the rule.
func (r Rule[T]) Match(v *semver.Version) bool {
	return r.c.Check(v)
}

// Select evaluates rules top-down and returns the first match.
func Select[T any](rules []Rule[T], v *semver.Version) (Rule[T], bool) {
	for _, r := range rules {
		if r.Match(v) {
			return r, true
		}
	}
	return Rule[T]{}, false
}
