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

// Package ksym resolves kernel addresses with /proc/kallsyms.
package ksym

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/parca-dev/stack-collector/pkg/hash"
	"github.com/parca-dev/stack-collector/pkg/symbol"
)

const (
	kallsymsPath = "/proc/kallsyms"

	DefaultUpdateDuration = 5 * time.Minute
)

type ksym struct {
	addr   uint64
	name   string
	module string
}

// Ksym is a kernel symbol table. It is re-read when the contents of
// /proc/kallsyms change, e.g. after a module was loaded; the check runs at
// most once per update duration.
type Ksym struct {
	logger         log.Logger
	fs             fs.FS
	updateDuration time.Duration
	now            func() time.Time

	mtx       *sync.RWMutex
	loaded    bool
	lastHash  uint64
	lastCheck time.Time
	symbols   []ksym
}

type realfs struct{}

func (f *realfs) Open(name string) (fs.File, error) { return os.Open(name) }

// NewKsym returns a table reading from fsys, the host file system if nil.
func NewKsym(logger log.Logger, fsys fs.FS, updateDuration time.Duration) *Ksym {
	if fsys == nil {
		fsys = &realfs{}
	}
	if updateDuration <= 0 {
		updateDuration = DefaultUpdateDuration
	}
	return &Ksym{
		logger:         log.With(logger, "component", "ksym"),
		fs:             fsys,
		updateDuration: updateDuration,
		now:            time.Now,
		mtx:            &sync.RWMutex{},
	}
}

// LookupKernel returns the text symbol with the highest address not above
// addr. End is the start of the following symbol. The extent of the last
// symbol is unknown, so addresses at or past it are not found.
func (k *Ksym) LookupKernel(addr uint64) (symbol.Symbol, error) {
	if err := k.refresh(); err != nil {
		return symbol.Symbol{}, err
	}

	k.mtx.RLock()
	defer k.mtx.RUnlock()

	syms := k.symbols
	i := sort.Search(len(syms), func(i int) bool { return syms[i].addr > addr })
	if i == 0 || i == len(syms) {
		return symbol.Symbol{}, symbol.ErrSymbolNotFound
	}
	s := syms[i-1]
	return symbol.Symbol{Name: s.name, Start: s.addr, End: syms[i].addr, Module: s.module}, nil
}

func (k *Ksym) refresh() error {
	now := k.now()

	k.mtx.RLock()
	loaded, lastHash, lastCheck := k.loaded, k.lastHash, k.lastCheck
	k.mtx.RUnlock()

	if loaded && now.Sub(lastCheck) < k.updateDuration {
		return nil
	}

	h, err := hash.File(k.fs, kallsymsPath)
	if err != nil {
		return fmt.Errorf("hash kallsyms: %w", err)
	}
	if loaded && h == lastHash {
		// The staleness interval kicked in, but the content of kallsyms
		// hasn't changed.
		k.mtx.Lock()
		k.lastCheck = now
		k.mtx.Unlock()
		return nil
	}

	syms, err := k.load()
	if err != nil {
		return err
	}

	k.mtx.Lock()
	k.symbols = syms
	k.lastHash = h
	k.lastCheck = now
	k.loaded = true
	k.mtx.Unlock()

	level.Debug(k.logger).Log("msg", "loaded kernel symbols", "count", len(syms))
	return nil
}

func (k *Ksym) load() ([]ksym, error) {
	fd, err := k.fs.Open(kallsymsPath)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	var (
		syms       []ksym
		restricted int
	)
	s := bufio.NewScanner(fd)
	for s.Scan() {
		sym, ok, err := parseLine(s.Bytes())
		if err != nil {
			level.Debug(k.logger).Log("msg", "failed to parse kallsyms line", "err", err)
			continue
		}
		if !ok {
			continue
		}
		if sym.addr == 0 {
			restricted++
			continue
		}
		syms = append(syms, sym)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read kallsyms: %w", err)
	}
	if len(syms) == 0 && restricted > 0 {
		level.Warn(k.logger).Log("msg", "kallsyms addresses are hidden, kernel frames will not be symbolized; check kernel.kptr_restrict")
	}

	slices.SortStableFunc(syms, func(a, b ksym) int { return cmp.Compare(a.addr, b.addr) })
	return syms, nil
}

// parseLine parses "ffffffff81000000 T _stext [module]". ok is false for
// anything but text and weak symbols.
func parseLine(l []byte) (ksym, bool, error) {
	fields := bytes.Fields(l)
	if len(fields) == 0 {
		return ksym{}, false, nil
	}
	if len(fields) < 3 || len(fields[1]) != 1 {
		return ksym{}, false, fmt.Errorf("malformed line %q", l)
	}

	switch fields[1][0] {
	case 't', 'T', 'w', 'W':
	default:
		return ksym{}, false, nil
	}

	addr, err := strconv.ParseUint(string(fields[0]), 16, 64)
	if err != nil {
		return ksym{}, false, fmt.Errorf("parse address: %w", err)
	}

	sym := ksym{addr: addr, name: string(fields[2])}
	if len(fields) > 3 {
		sym.module = string(bytes.Trim(fields[3], "[]"))
	}
	return sym, true, nil
}
