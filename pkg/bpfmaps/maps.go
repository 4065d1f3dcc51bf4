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

// Package bpfmaps reads the maps that the stack sampling BPF program fills:
// per-stack sample counters, raw stack traces, task information and
// container ids.
package bpfmaps

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const (
	CountMapName  = "psid_count_map"
	TraceMapName  = "sid_trace_map"
	InfoMapName   = "pid_info_map"
	CgroupMapName = "tgid_cgroup_map"

	// Must be in sync with MAX_STACKS in the BPF program.
	DefaultMaxStackDepth = 32
	// Must be in sync with CONTAINER_ID_LEN in the BPF program.
	DefaultContainerIDLen = 128
)

var (
	// ErrMapAccessFault is returned when the kernel reports EFAULT while
	// copying map contents. The whole cycle is unusable when this happens.
	ErrMapAccessFault = errors.New("bpf map access fault")
	ErrNoStack        = errors.New("stack id does not reference a stack")
	ErrStackNotFound  = errors.New("stack not found")
)

// Map is the part of *ebpf.Map this package needs.
type Map interface {
	BatchLookup(cursor *ebpf.MapBatchCursor, keysOut, valuesOut interface{}, opts *ebpf.BatchOptions) (int, error)
	BatchLookupAndDelete(cursor *ebpf.MapBatchCursor, keysOut, valuesOut interface{}, opts *ebpf.BatchOptions) (int, error)
	LookupBytes(key interface{}) ([]byte, error)
	ValueSize() uint32
	MaxEntries() uint32
	Close() error
}

// MapSet groups the four maps shared with the BPF program.
type MapSet struct {
	Counts Map
	Traces Map
	Info   Map
	Cgroup Map
}

type Options struct {
	MaxStackDepth  int
	ContainerIDLen int
	// ByteOrder of the map contents, the host's by default.
	ByteOrder binary.ByteOrder
}

// Maps is the user space view on the profiler maps.
type Maps struct {
	logger  log.Logger
	metrics *metrics

	set            MapSet
	byteOrder      binary.ByteOrder
	maxStackDepth  int
	containerIDLen int
}

func New(logger log.Logger, reg prometheus.Registerer, set MapSet, opts Options) *Maps {
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = DefaultMaxStackDepth
	}
	if opts.ContainerIDLen <= 0 {
		opts.ContainerIDLen = DefaultContainerIDLen
	}
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.NativeEndian
	}
	return &Maps{
		logger:         log.With(logger, "component", "bpf_maps"),
		metrics:        newMetrics(reg),
		set:            set,
		byteOrder:      opts.ByteOrder,
		maxStackDepth:  opts.MaxStackDepth,
		containerIDLen: opts.ContainerIDLen,
	}
}

// ByteOrder returns the byte order of the map contents.
func (m *Maps) ByteOrder() binary.ByteOrder {
	return m.byteOrder
}

// ReadCounts reads up to MaxEntries entries of the counts map in a single
// batch. When deleteAfterRead is set the entries are removed by the same
// operation, so a later read only sees samples recorded after this one.
//
// Reaching the end of the map before the batch is full is not an error.
func (m *Maps) ReadCounts(deleteAfterRead bool) ([]Entry, error) {
	capacity := int(m.set.Counts.MaxEntries())
	if capacity == 0 {
		return nil, nil
	}
	valueSize := int(m.set.Counts.ValueSize())
	if valueSize == 0 {
		return nil, fmt.Errorf("%s has zero sized values", CountMapName)
	}

	var (
		keys   = make([]SampleKey, capacity)
		values = newValueRows(capacity, valueSize)
		cursor = new(ebpf.MapBatchCursor)
		opts   = new(ebpf.BatchOptions)
		n      int
		err    error
	)
	if deleteAfterRead {
		n, err = m.set.Counts.BatchLookupAndDelete(cursor, keys, values.out(), opts)
	} else {
		n, err = m.set.Counts.BatchLookup(cursor, keys, values.out(), opts)
	}

	switch {
	case err == nil:
		m.metrics.readAttempts.WithLabelValues(CountMapName, labelSuccess).Inc()
	case errors.Is(err, ebpf.ErrKeyNotExist):
		// End of map.
		m.metrics.readAttempts.WithLabelValues(CountMapName, labelSuccess).Inc()
	case errors.Is(err, unix.EFAULT):
		m.metrics.readAttempts.WithLabelValues(CountMapName, labelFault).Inc()
		return nil, fmt.Errorf("batch read %s: %w: %w", CountMapName, ErrMapAccessFault, err)
	default:
		m.metrics.readAttempts.WithLabelValues(CountMapName, labelPartial).Inc()
		level.Warn(m.logger).Log("msg", "batch read returned fewer entries than requested", "map", CountMapName, "entries", n, "err", err)
	}

	if n > capacity {
		n = capacity
	}
	m.metrics.readEntries.Observe(float64(n))

	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = Entry{Key: keys[i], Value: values.row(i)}
	}
	return entries, nil
}

// LookupTrace returns the raw addresses stored for the given stack id,
// including the zero padding after the last valid frame.
func (m *Maps) LookupTrace(stackID int32) (RawStack, error) {
	if stackID <= 0 {
		return nil, fmt.Errorf("stack id %d: %w", stackID, ErrNoStack)
	}

	b, err := m.set.Traces.LookupBytes(stackID)
	if err != nil {
		m.metrics.readAttempts.WithLabelValues(TraceMapName, labelError).Inc()
		return nil, m.classify(TraceMapName, err)
	}
	if b == nil {
		m.metrics.readAttempts.WithLabelValues(TraceMapName, labelMissing).Inc()
		return nil, fmt.Errorf("stack id %d: %w", stackID, ErrStackNotFound)
	}
	m.metrics.readAttempts.WithLabelValues(TraceMapName, labelSuccess).Inc()

	return decodeRawStack(b, m.maxStackDepth, m.byteOrder), nil
}

// LookupProcessInfo returns what the BPF program recorded about the task
// with the given pid. found is false when there is no record.
func (m *Maps) LookupProcessInfo(pid uint32) (TaskInfo, bool, error) {
	b, err := m.set.Info.LookupBytes(pid)
	if err != nil {
		m.metrics.readAttempts.WithLabelValues(InfoMapName, labelError).Inc()
		return TaskInfo{}, false, m.classify(InfoMapName, err)
	}
	if b == nil {
		m.metrics.readAttempts.WithLabelValues(InfoMapName, labelMissing).Inc()
		return TaskInfo{}, false, nil
	}

	info, err := decodeTaskInfo(b, m.byteOrder)
	if err != nil {
		m.metrics.readAttempts.WithLabelValues(InfoMapName, labelError).Inc()
		return TaskInfo{}, false, err
	}
	m.metrics.readAttempts.WithLabelValues(InfoMapName, labelSuccess).Inc()
	return info, true, nil
}

// LookupCgroup returns the container id recorded for a thread group.
func (m *Maps) LookupCgroup(tgid int32) (string, bool, error) {
	b, err := m.set.Cgroup.LookupBytes(tgid)
	if err != nil {
		m.metrics.readAttempts.WithLabelValues(CgroupMapName, labelError).Inc()
		return "", false, m.classify(CgroupMapName, err)
	}
	if b == nil {
		m.metrics.readAttempts.WithLabelValues(CgroupMapName, labelMissing).Inc()
		return "", false, nil
	}
	m.metrics.readAttempts.WithLabelValues(CgroupMapName, labelSuccess).Inc()

	if len(b) > m.containerIDLen {
		b = b[:m.containerIDLen]
	}
	return cString(b), true, nil
}

func (m *Maps) classify(name string, err error) error {
	if errors.Is(err, unix.EFAULT) {
		return fmt.Errorf("lookup %s: %w: %w", name, ErrMapAccessFault, err)
	}
	return fmt.Errorf("lookup %s: %w", name, err)
}

// Close closes all maps of the set.
func (m *Maps) Close() error {
	var errs []error
	for _, mp := range []Map{m.set.Counts, m.set.Traces, m.set.Info, m.set.Cgroup} {
		if mp == nil {
			continue
		}
		if err := mp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
