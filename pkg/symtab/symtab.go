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

// Package symtab resolves user space addresses with the symbol tables of
// the ELF files a process has mapped.
package symtab

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/stack-collector/pkg/cache"
	"github.com/parca-dev/stack-collector/pkg/symbol"
)

type Options struct {
	// ProcRoot is where procfs is mounted, /proc by default.
	ProcRoot string
	// MapsTTL bounds how long the mappings of a process are reused.
	MapsTTL       time.Duration
	MapsCacheSize int
	FileCacheSize int
}

type fileKey struct {
	dev   uint64
	inode uint64
	path  string
}

// Table implements symbol.UserTable on top of procfs.
type Table struct {
	logger   log.Logger
	procRoot string
	fs       procfs.FS

	maps    *cache.CacheWithTTL[uint32, []*procfs.ProcMap]
	mapsTTL time.Duration
	// Unix nanoseconds of the last sweep over expired mappings.
	lastPrune atomic.Int64
	files     *cache.LRUCache[fileKey, *elfTable]
}

func New(logger log.Logger, reg prometheus.Registerer, opts Options) (*Table, error) {
	if opts.ProcRoot == "" {
		opts.ProcRoot = procfs.DefaultMountPoint
	}
	if opts.MapsTTL <= 0 {
		opts.MapsTTL = 10 * time.Second
	}
	if opts.MapsCacheSize <= 0 {
		opts.MapsCacheSize = 4096
	}
	if opts.FileCacheSize <= 0 {
		opts.FileCacheSize = 128
	}

	fs, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	t := &Table{
		logger:   log.With(logger, "component", "symtab"),
		procRoot: opts.ProcRoot,
		fs:       fs,
		mapsTTL:  opts.MapsTTL,
		maps: cache.NewLRUCacheWithTTL[uint32, []*procfs.ProcMap](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "process_maps"}, reg),
			opts.MapsCacheSize,
			opts.MapsTTL,
		),
		files: cache.NewLRUCache[fileKey, *elfTable](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "elf_symbols"}, reg),
			opts.FileCacheSize,
		),
	}
	t.lastPrune.Store(time.Now().UnixNano())
	return t, nil
}

// LookupUser finds the function containing addr in the address space of
// pid. Addresses in anonymous or special mappings are never found.
func (t *Table) LookupUser(pid uint32, addr uint64) (symbol.Symbol, error) {
	mappings, err := t.mappings(pid)
	if err != nil {
		return symbol.Symbol{}, err
	}

	m := findMapping(mappings, addr)
	if m == nil {
		return symbol.Symbol{}, fmt.Errorf("no mapping for %#x in %d: %w", addr, pid, symbol.ErrSymbolNotFound)
	}
	if m.Pathname == "" || strings.HasPrefix(m.Pathname, "[") {
		return symbol.Symbol{}, symbol.ErrSymbolNotFound
	}

	tab, err := t.file(pid, m)
	if err != nil {
		return symbol.Symbol{}, err
	}

	fileOff := addr - uint64(m.StartAddr) + uint64(m.Offset)
	vaddr, ok := tab.vaddr(fileOff)
	if !ok {
		return symbol.Symbol{}, symbol.ErrSymbolNotFound
	}
	s, ok := tab.lookup(vaddr)
	if !ok {
		return symbol.Symbol{}, symbol.ErrSymbolNotFound
	}

	start := addr - (vaddr - s.value)
	var end uint64
	if s.size > 0 {
		end = start + s.size
	}
	return symbol.Symbol{Name: s.name, Start: start, End: end, Module: m.Pathname}, nil
}

func (t *Table) mappings(pid uint32) ([]*procfs.ProcMap, error) {
	if m, ok := t.maps.Get(pid); ok {
		return m, nil
	}
	t.pruneMappings()

	proc, err := t.fs.Proc(int(pid))
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read mappings of %d: %w", pid, err)
	}

	exec := make([]*procfs.ProcMap, 0, len(maps))
	for _, m := range maps {
		if m.Perms != nil && m.Perms.Execute {
			exec = append(exec, m)
		}
	}
	t.maps.Add(pid, exec)
	return exec, nil
}

// pruneMappings drops the mappings of processes that were not looked up for a
// whole TTL, most of them have exited. It sweeps at most once per TTL.
func (t *Table) pruneMappings() {
	now := time.Now().UnixNano()
	last := t.lastPrune.Load()
	if now-last < int64(t.mapsTTL) || !t.lastPrune.CompareAndSwap(last, now) {
		return
	}
	if n := t.maps.RemoveExpired(); n > 0 {
		level.Debug(t.logger).Log("msg", "dropped expired process mappings", "count", n, "cached", t.maps.Len())
	}
}

func findMapping(maps []*procfs.ProcMap, addr uint64) *procfs.ProcMap {
	for _, m := range maps {
		if addr >= uint64(m.StartAddr) && addr < uint64(m.EndAddr) {
			return m
		}
	}
	return nil
}

// file returns the symbols of the file backing m. Files that cannot be read
// are remembered with an empty table.
func (t *Table) file(pid uint32, m *procfs.ProcMap) (*elfTable, error) {
	key := fileKey{dev: m.Dev, inode: m.Inode, path: m.Pathname}
	if tab, ok := t.files.Get(key); ok {
		return tab, nil
	}

	// Resolve through the process' root so that files of other mount
	// namespaces are found.
	path := filepath.Join(t.procRoot, strconv.FormatUint(uint64(pid), 10), "root", m.Pathname)
	tab, err := openELF(path)
	if err != nil {
		t.files.Add(key, &elfTable{})
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	t.files.Add(key, tab)

	level.Debug(t.logger).Log(
		"msg", "loaded ELF symbols",
		"path", m.Pathname,
		"symbols", len(tab.symbols),
		"size", humanize.Bytes(uint64(tab.size)),
	)
	return tab, nil
}

func (t *Table) Close() error {
	return errors.Join(t.maps.Close(), t.files.Close())
}
