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

package symtab

import (
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/mmap"
	"golang.org/x/exp/slices"
)

type elfSymbol struct {
	name  string
	value uint64
	size  uint64
}

// segment is an executable PT_LOAD program header.
type segment struct {
	off    uint64
	vaddr  uint64
	filesz uint64
}

// elfTable holds the function symbols of one ELF file, sorted by address.
type elfTable struct {
	symbols  []elfSymbol
	segments []segment
	size     int
}

// openELF reads the symbol tables of the ELF file at path. The file is
// mapped rather than read, large binaries only touch the pages holding the
// headers and symbol tables.
func openELF(path string) (*elfTable, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF %s: %w", path, err)
	}
	defer f.Close()

	t := &elfTable{size: r.Len()}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 {
			t.segments = append(t.segments, segment{off: p.Off, vaddr: p.Vaddr, filesz: p.Filesz})
		}
	}

	var errs []error
	for _, read := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := read()
		if err != nil {
			if !errors.Is(err, elf.ErrNoSymbols) {
				errs = append(errs, err)
			}
			continue
		}
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Section == elf.SHN_UNDEF {
				continue
			}
			t.symbols = append(t.symbols, elfSymbol{name: s.Name, value: s.Value, size: s.Size})
		}
	}
	if len(t.symbols) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("read symbols of %s: %w", path, errors.Join(errs...))
	}

	slices.SortStableFunc(t.symbols, func(a, b elfSymbol) int { return cmp.Compare(a.value, b.value) })
	return t, nil
}

// vaddr translates an offset into the file to the virtual address the ELF
// file assigns to it.
func (t *elfTable) vaddr(fileOff uint64) (uint64, bool) {
	for _, s := range t.segments {
		if fileOff >= s.off && fileOff < s.off+s.filesz {
			return fileOff - s.off + s.vaddr, true
		}
	}
	return 0, false
}

// lookup returns the function symbol covering vaddr. Symbols without a size
// cover everything up to the next symbol.
func (t *elfTable) lookup(vaddr uint64) (elfSymbol, bool) {
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].value > vaddr })
	if i == 0 {
		return elfSymbol{}, false
	}
	s := t.symbols[i-1]
	if s.size > 0 && vaddr >= s.value+s.size {
		return elfSymbol{}, false
	}
	return s, true
}
