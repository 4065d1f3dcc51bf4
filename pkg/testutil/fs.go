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

// Package testutil has file system doubles for code reading /proc.
package testutil

import (
	"bytes"
	"io/fs"
	"sync"
)

type fakefile struct {
	*bytes.Reader
}

func (f fakefile) Stat() (fs.FileInfo, error) { return nil, fs.ErrInvalid }
func (f fakefile) Close() error               { return nil }

// FakeFS serves files from memory. Unlike fstest.MapFS it accepts absolute
// paths such as "/proc/kallsyms", and its contents can change while in use.
type FakeFS struct {
	mtx   sync.RWMutex
	data  map[string][]byte
	opens map[string]int
}

func NewFakeFS(files map[string][]byte) *FakeFS {
	data := make(map[string][]byte, len(files))
	for k, v := range files {
		data[k] = v
	}
	return &FakeFS{data: data, opens: map[string]int{}}
}

func (f *FakeFS) Open(name string) (fs.File, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	d, ok := f.data[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	f.opens[name]++
	return fakefile{bytes.NewReader(d)}, nil
}

// Set replaces the contents of name.
func (f *FakeFS) Set(name string, content []byte) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.data[name] = content
}

// Opens returns how many times name was opened.
func (f *FakeFS) Opens(name string) int {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.opens[name]
}

type errorfs struct{ err error }

func (f *errorfs) Open(string) (fs.File, error) {
	return nil, f.err
}

func NewErrorFS(err error) fs.FS {
	return &errorfs{err}
}
