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

package symbol

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	// CacheSize bounds each of the user and kernel caches. Zero keeps every
	// resolved address for the lifetime of the Resolver.
	CacheSize int
	// Demangle is one of DemangleModes, full if empty.
	Demangle string
}

type userKey struct {
	pid  uint32
	addr uint64
}

// Resolver formats addresses as "name+0xoffset", falling back to "0xaddr"
// when no symbol covers the address. Every result, including fallbacks, is
// cached, so a table is asked about an address at most once.
type Resolver struct {
	logger  log.Logger
	metrics *metrics

	user      UserTable
	kernel    KernelTable
	demangler demangler

	userCache   nameCache[userKey]
	kernelCache nameCache[uint64]
}

// NewResolver creates a Resolver. Either table may be nil, in which case all
// addresses of that space resolve to their hex form.
func NewResolver(logger log.Logger, reg prometheus.Registerer, user UserTable, kernel KernelTable, opts Options) (*Resolver, error) {
	d, err := newDemangler(opts.Demangle)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		logger:      log.With(logger, "component", "symbol_resolver"),
		metrics:     newMetrics(reg),
		user:        user,
		kernel:      kernel,
		demangler:   d,
		userCache:   newNameCache[userKey](reg, spaceUser, opts.CacheSize),
		kernelCache: newNameCache[uint64](reg, spaceKernel, opts.CacheSize),
	}, nil
}

// ResolveUser resolves an address in the address space of pid.
func (r *Resolver) ResolveUser(pid uint32, addr uint64) string {
	name, hit := r.userCache.LoadOrCompute(userKey{pid: pid, addr: addr}, func() string {
		if r.user == nil {
			return r.fallback(spaceUser, addr, nil)
		}
		sym, err := r.user.LookupUser(pid, addr)
		if err != nil {
			return r.fallback(spaceUser, addr, err)
		}
		return r.format(spaceUser, addr, sym, true)
	})
	r.metrics.observeCache(spaceUser, hit)
	return name
}

// ResolveKernel resolves a kernel address. Kernel names are never demangled.
func (r *Resolver) ResolveKernel(addr uint64) string {
	name, hit := r.kernelCache.LoadOrCompute(addr, func() string {
		if r.kernel == nil {
			return r.fallback(spaceKernel, addr, nil)
		}
		sym, err := r.kernel.LookupKernel(addr)
		if err != nil {
			return r.fallback(spaceKernel, addr, err)
		}
		return r.format(spaceKernel, addr, sym, false)
	})
	r.metrics.observeCache(spaceKernel, hit)
	return name
}

func (r *Resolver) format(space string, addr uint64, sym Symbol, demangle bool) string {
	if sym.Name == "" || addr < sym.Start || (sym.End != 0 && addr >= sym.End) {
		return r.fallback(space, addr, nil)
	}
	r.metrics.lookups.WithLabelValues(space, resultFound).Inc()

	name := sym.Name
	if demangle {
		name = r.demangler.demangle(name)
	}
	return stripSpace(name + "+0x" + strconv.FormatUint(addr-sym.Start, 16))
}

func (r *Resolver) fallback(space string, addr uint64, err error) string {
	if err != nil && !errors.Is(err, ErrSymbolNotFound) {
		r.metrics.lookups.WithLabelValues(space, resultError).Inc()
		level.Debug(r.logger).Log("msg", "symbol lookup failed", "space", space, "addr", hex(addr), "err", err)
	} else {
		r.metrics.lookups.WithLabelValues(space, resultNotFound).Inc()
	}
	return hex(addr)
}

// Close releases the caches.
func (r *Resolver) Close() error {
	return errors.Join(r.userCache.Close(), r.kernelCache.Close())
}

func hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
