// Copyright (c) 2022 The Parca Authors
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

package testutil

import (
	"bytes"
	"io/fs"
	"path"
	"time"
)

type fakeinfo struct {
	name string
	size int64
}

func (i fakeinfo) Name() string       { return path.Base(i.name) }
func (i fakeinfo) Size() int64        { return i.size }
func (i fakeinfo) Mode() fs.FileMode  { return 0o444 }
func (i fakeinfo) ModTime() time.Time { return time.Time{} }
func (i fakeinfo) IsDir() bool        { return false }
func (i fakeinfo) Sys() any           { return nil }

type fakefile struct {
	*bytes.Reader
	info fakeinfo
}

func (f *fakefile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *fakefile) Close() error               { return nil }

// fakefs serves absolute paths such as /proc/iomem, which fstest.MapFS
// refuses as invalid fs.FS names.
type fakefs struct {
	files map[string][]byte
}

func (f *fakefs) Open(name string) (fs.File, error) {
	d, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &fakefile{
		Reader: bytes.NewReader(d),
		info:   fakeinfo{name: name, size: int64(len(d))},
	}, nil
}

func (f *fakefs) ReadFile(name string) ([]byte, error) {
	d, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	return bytes.Clone(d), nil
}

type errorfs struct{ err error }

func (f *errorfs) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: f.err}
}

// NewFakeFS returns a read-only file system holding the given files.
func NewFakeFS(files map[string][]byte) fs.FS {
	return &fakefs{files: files}
}

// NewErrorFS returns a file system failing every open with err.
func NewErrorFS(err error) fs.FS {
	return &errorfs{err}
}
