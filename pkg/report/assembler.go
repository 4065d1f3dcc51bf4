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

package report

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-collector/pkg/aggregator"
	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
	"github.com/parca-dev/stack-collector/pkg/config"
	"github.com/parca-dev/stack-collector/pkg/stack"
)

// MapReader is the view on the profiler maps the assembler needs,
// implemented by *bpfmaps.Maps.
type MapReader interface {
	ReadCounts(deleteAfterRead bool) ([]bpfmaps.Entry, error)
	LookupTrace(stackID int32) (bpfmaps.RawStack, error)
	LookupProcessInfo(pid uint32) (bpfmaps.TaskInfo, bool, error)
	LookupCgroup(tgid int32) (string, bool, error)
	ByteOrder() binary.ByteOrder
}

// SymbolResolver is implemented by *symbol.Resolver.
type SymbolResolver interface {
	ResolveUser(pid uint32, addr uint64) string
	ResolveKernel(addr uint64) string
}

type Options struct {
	// TopK limits the report to the heaviest stacks, zero or less reports
	// all of them.
	TopK int
	// ShowDelta clears the counters while reading them, so every report only
	// covers the time since the previous one.
	ShowDelta bool
	Scales    []config.Scale
}

type Assembler struct {
	logger  log.Logger
	metrics *metrics

	maps     MapReader
	resolver SymbolResolver

	now func() time.Time
}

func NewAssembler(logger log.Logger, reg prometheus.Registerer, maps MapReader, resolver SymbolResolver) *Assembler {
	return &Assembler{
		logger:   log.With(logger, "component", "report_assembler"),
		metrics:  newMetrics(reg),
		maps:     maps,
		resolver: resolver,
		now:      time.Now,
	}
}

// Assemble reads the counters, keeps the TopK heaviest stacks and resolves
// their frames and process metadata. Missing stacks or metadata degrade the
// report but never fail it; only a map access fault, an invalid
// configuration or a cancelled context do.
func (a *Assembler) Assemble(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	r, err := a.assemble(ctx, opts)
	a.metrics.assembleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.assembleAttempts.WithLabelValues(labelError).Inc()
		return nil, err
	}
	a.metrics.assembleAttempts.WithLabelValues(labelSuccess).Inc()
	return r, nil
}

func (a *Assembler) assemble(ctx context.Context, opts Options) (*Report, error) {
	if len(opts.Scales) == 0 {
		return nil, aggregator.ErrNoScales
	}

	entries, err := a.maps.ReadCounts(opts.ShowDelta)
	if err != nil {
		return nil, fmt.Errorf("read counts: %w", err)
	}

	samples, dropped, err := aggregator.Reduce(entries, len(opts.Scales), opts.TopK, a.maps.ByteOrder())
	if err != nil {
		return nil, fmt.Errorf("reduce samples: %w", err)
	}
	if dropped > 0 {
		a.metrics.stackDrop.WithLabelValues(reasonCounterWidth).Add(float64(dropped))
		level.Warn(a.logger).Log("msg", "skipped samples with unexpected counter size", "dropped", dropped, "scales", len(opts.Scales))
	}

	var (
		traces = stack.NewCache()
		pids   = make([]uint32, 0, len(samples))
		seen   = make(map[uint32]struct{}, len(samples))
	)
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pid := s.Key.PID
		if id := s.Key.UserStackID; id > 0 {
			if err := a.decode(traces, id, func(addr uint64) string {
				return a.resolver.ResolveUser(pid, addr)
			}); err != nil {
				return nil, err
			}
		}
		if id := s.Key.KernelStackID; id > 0 {
			if err := a.decode(traces, id, a.resolver.ResolveKernel); err != nil {
				return nil, err
			}
		}

		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}

	processes := make(map[uint32]ProcessInfo, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := a.processInfo(pid)
		if err != nil {
			return nil, err
		}
		processes[pid] = info
	}

	return &Report{
		Time:      a.now(),
		Scales:    opts.Scales,
		Samples:   samples,
		Traces:    traces.Traces(),
		Processes: processes,
	}, nil
}

// decode fills the memo for id. Only map access faults are returned, other
// lookup failures leave an empty trace behind.
func (a *Assembler) decode(traces *stack.Cache, id int32, resolve func(uint64) string) error {
	lookup := func(id int32) ([]uint64, error) {
		return a.maps.LookupTrace(id)
	}
	_, err := traces.GetOrDecode(id, lookup, resolve)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bpfmaps.ErrMapAccessFault):
		return fmt.Errorf("read stack %d: %w", id, err)
	case errors.Is(err, bpfmaps.ErrStackNotFound):
		a.metrics.stackDrop.WithLabelValues(reasonStackNotFound).Inc()
		level.Debug(a.logger).Log("msg", "stack not found", "stack_id", id)
	default:
		a.metrics.stackDrop.WithLabelValues(reasonStackError).Inc()
		level.Debug(a.logger).Log("msg", "failed to read stack", "stack_id", id, "err", err)
	}
	return nil
}

func (a *Assembler) processInfo(pid uint32) (ProcessInfo, error) {
	info := ProcessInfo{PID: pid}

	task, found, err := a.maps.LookupProcessInfo(pid)
	if err != nil {
		if errors.Is(err, bpfmaps.ErrMapAccessFault) {
			return info, fmt.Errorf("read process info of %d: %w", pid, err)
		}
		a.metrics.processInfo.WithLabelValues(labelError).Inc()
		level.Debug(a.logger).Log("msg", "failed to read process info", "pid", pid, "err", err)
		return info, nil
	}
	if !found {
		a.metrics.processInfo.WithLabelValues(labelMissing).Inc()
		return info, nil
	}
	a.metrics.processInfo.WithLabelValues(labelSuccess).Inc()

	info.NamespacedPID = task.NamespacedPID
	info.TGID = task.TGID
	info.Comm = task.Comm

	cgroup, found, err := a.maps.LookupCgroup(task.TGID)
	switch {
	case err != nil && errors.Is(err, bpfmaps.ErrMapAccessFault):
		return info, fmt.Errorf("read container id of %d: %w", task.TGID, err)
	case err != nil:
		level.Debug(a.logger).Log("msg", "failed to read container id", "tgid", task.TGID, "err", err)
	case found:
		info.CgroupID = cgroup
	}
	return info, nil
}
