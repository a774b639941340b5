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

package kernel

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

func TestParseRelease(t *testing.T) {
	testcases := []struct {
		release string
		want    string
		err     bool
	}{
		{release: "4.4.0-93-generic", want: "4.4.0"},
		{release: "3.10.0-327.el7.aarch64", want: "3.10.0"},
		{release: "5.15.0+", want: "5.15.0"},
		{release: " 4.14 ", want: "4.14.0"},
		{release: "", err: true},
		{release: "linux", err: true},
	}

	for _, tt := range testcases {
		t.Run(tt.release, func(t *testing.T) {
			v, err := ParseRelease(tt.release)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, v.String())
		})
	}
}

func TestSelectFirstMatchWins(t *testing.T) {
	rules := []Rule[string]{
		NewRule(">= 4.0", "modern"),
		NewRule(">= 3.13", "intermediate"),
		NewRule("*", "legacy"),
	}

	testcases := []struct {
		version string
		want    string
	}{
		{version: "4.0", want: "modern"},
		{version: "5.10.12", want: "modern"},
		{version: "3.19", want: "intermediate"},
		{version: "3.13.0", want: "intermediate"},
		{version: "3.12.9", want: "legacy"},
	}

	for _, tt := range testcases {
		t.Run(tt.version, func(t *testing.T) {
			r, ok := Select(rules, semver.MustParse(tt.version))
			require.True(t, ok)
			require.Equal(t, tt.want, r.Value)
		})
	}
}

func TestSelectNoMatch(t *testing.T) {
	rules := []Rule[int]{NewRule(">= 3.17", 1)}
	_, ok := Select(rules, semver.MustParse("3.16.1"))
	require.False(t, ok)
}

func TestNewRulePanicsOnBadConstraint(t *testing.T) {
	require.Panics(t, func() {
		NewRule("not a constraint", 0)
	})
}
