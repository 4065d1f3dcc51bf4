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
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/stack-collector/pkg/aggregator"
	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
	"github.com/parca-dev/stack-collector/pkg/config"
	"github.com/parca-dev/stack-collector/pkg/stack"
	"github.com/parca-dev/stack-collector/pkg/symbol"
)

type fakeMaps struct {
	entries  []bpfmaps.Entry
	readErr  error
	traces   map[int32]bpfmaps.RawStack
	traceErr error
	tasks    map[uint32]bpfmaps.TaskInfo
	taskErr  error
	cgroups  map[int32]string

	deleteAfterRead []bool
	traceLookups    map[int32]int
}

func (f *fakeMaps) ReadCounts(deleteAfterRead bool) ([]bpfmaps.Entry, error) {
	f.deleteAfterRead = append(f.deleteAfterRead, deleteAfterRead)
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.entries, nil
}

func (f *fakeMaps) LookupTrace(id int32) (bpfmaps.RawStack, error) {
	if f.traceLookups == nil {
		f.traceLookups = map[int32]int{}
	}
	f.traceLookups[id]++
	if f.traceErr != nil {
		return nil, f.traceErr
	}
	s, ok := f.traces[id]
	if !ok {
		return nil, fmt.Errorf("stack id %d: %w", id, bpfmaps.ErrStackNotFound)
	}
	return s, nil
}

func (f *fakeMaps) LookupProcessInfo(pid uint32) (bpfmaps.TaskInfo, bool, error) {
	if f.taskErr != nil {
		return bpfmaps.TaskInfo{}, false, f.taskErr
	}
	t, ok := f.tasks[pid]
	return t, ok, nil
}

func (f *fakeMaps) LookupCgroup(tgid int32) (string, bool, error) {
	c, ok := f.cgroups[tgid]
	return c, ok, nil
}

func (f *fakeMaps) ByteOrder() binary.ByteOrder { return binary.LittleEndian }

type fakeUserTable map[uint64]symbol.Symbol

func (f fakeUserTable) LookupUser(_ uint32, addr uint64) (symbol.Symbol, error) {
	for _, s := range f {
		if addr >= s.Start && addr < s.End {
			return s, nil
		}
	}
	return symbol.Symbol{}, symbol.ErrSymbolNotFound
}

func counters(vs ...uint64) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}

var countScale = []config.Scale{{Type: "count", Period: 1}}

func newTestAssembler(t *testing.T, maps MapReader) *Assembler {
	t.Helper()
	resolver, err := symbol.NewResolver(log.NewNopLogger(), prometheus.NewRegistry(), fakeUserTable{
		0xdea0: {Name: "foo", Start: 0xdea0, End: 0xdf00},
	}, nil, symbol.Options{})
	require.NoError(t, err)

	a := NewAssembler(log.NewNopLogger(), prometheus.NewRegistry(), maps, resolver)
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	return a
}

func TestAssembleEndToEnd(t *testing.T) {
	key := bpfmaps.SampleKey{PID: 100, UserStackID: 5, KernelStackID: 0}
	maps := &fakeMaps{
		entries: []bpfmaps.Entry{{Key: key, Value: counters(42)}},
		traces:  map[int32]bpfmaps.RawStack{5: {0xdead, 0xbeef, 0, 0, 0}},
		tasks:   map[uint32]bpfmaps.TaskInfo{100: {NamespacedPID: 1, TGID: 100, Comm: "app"}},
		cgroups: map[int32]string{100: "4f2a"},
	}

	r, err := newTestAssembler(t, maps).Assemble(context.Background(), Options{TopK: 10, Scales: countScale})
	require.NoError(t, err)

	want := &Report{
		Time:    time.Unix(1700000000, 0),
		Scales:  countScale,
		Samples: []aggregator.Sample{{Key: key, Counters: aggregator.Counters{42}}},
		Traces: map[int32]stack.Trace{
			5: {"0xbeef", "foo+0xd"},
		},
		Processes: map[uint32]ProcessInfo{
			100: {PID: 100, NamespacedPID: 1, TGID: 100, Comm: "app", CgroupID: "4f2a"},
		},
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []bool{false}, maps.deleteAfterRead)
}

func TestAssembleDecodesEachStackOnce(t *testing.T) {
	maps := &fakeMaps{
		entries: []bpfmaps.Entry{
			{Key: bpfmaps.SampleKey{PID: 1, UserStackID: 5, KernelStackID: 9}, Value: counters(3)},
			{Key: bpfmaps.SampleKey{PID: 2, UserStackID: 5, KernelStackID: 9}, Value: counters(4)},
			{Key: bpfmaps.SampleKey{PID: 2, UserStackID: 6, KernelStackID: -14}, Value: counters(5)},
		},
		traces: map[int32]bpfmaps.RawStack{
			5: {0x1, 0},
			6: {0x2, 0},
			9: {0xffffffff81000000, 0},
		},
	}

	r, err := newTestAssembler(t, maps).Assemble(context.Background(), Options{Scales: countScale, ShowDelta: true})
	require.NoError(t, err)
	require.Len(t, r.Samples, 3)
	require.Equal(t, map[int32]int{5: 1, 6: 1, 9: 1}, maps.traceLookups)
	require.Equal(t, stack.Trace{"0xffffffff81000000"}, r.Traces[9])
	require.Equal(t, []bool{true}, maps.deleteAfterRead)

	// Both pids are fetched once, even without metadata.
	require.Equal(t, map[uint32]ProcessInfo{1: {PID: 1}, 2: {PID: 2}}, r.Processes)
}

func TestAssembleDegradesOnMissingData(t *testing.T) {
	key := bpfmaps.SampleKey{PID: 7, UserStackID: 11}
	maps := &fakeMaps{
		entries: []bpfmaps.Entry{
			{Key: key, Value: counters(1)},
			{Key: bpfmaps.SampleKey{PID: 8, UserStackID: 12}, Value: []byte{1, 2, 3}},
		},
	}

	r, err := newTestAssembler(t, maps).Assemble(context.Background(), Options{Scales: countScale})
	require.NoError(t, err)
	require.Len(t, r.Samples, 1)
	require.Equal(t, key, r.Samples[0].Key)
	require.Empty(t, r.Trace(11))
	require.NotNil(t, r.Traces[11])
	require.Equal(t, ProcessInfo{PID: 7}, r.Processes[7])
}

func TestAssembleTopK(t *testing.T) {
	maps := &fakeMaps{}
	for i := 1; i <= 20; i++ {
		maps.entries = append(maps.entries, bpfmaps.Entry{
			Key:   bpfmaps.SampleKey{PID: uint32(i)},
			Value: counters(uint64(i * 10)),
		})
	}

	r, err := newTestAssembler(t, maps).Assemble(context.Background(), Options{TopK: 3, Scales: countScale})
	require.NoError(t, err)
	require.Len(t, r.Samples, 3)
	require.Equal(t, aggregator.Counters{180}, r.Samples[0].Counters)
	require.Equal(t, aggregator.Counters{200}, r.Samples[2].Counters)
	require.Len(t, r.Processes, 3)
	require.Empty(t, maps.traceLookups)
}

func TestAssembleErrors(t *testing.T) {
	fault := fmt.Errorf("batch read: %w: %w", bpfmaps.ErrMapAccessFault, unix.EFAULT)
	entries := []bpfmaps.Entry{{Key: bpfmaps.SampleKey{PID: 1, UserStackID: 2}, Value: counters(1)}}

	tests := []struct {
		name string
		maps *fakeMaps
		ctx  func() context.Context
		opts Options
		want error
	}{
		{
			name: "read fault",
			maps: &fakeMaps{readErr: fault},
			opts: Options{Scales: countScale},
			want: bpfmaps.ErrMapAccessFault,
		},
		{
			name: "trace fault",
			maps: &fakeMaps{entries: entries, traceErr: fault},
			opts: Options{Scales: countScale},
			want: bpfmaps.ErrMapAccessFault,
		},
		{
			name: "process info fault",
			maps: &fakeMaps{entries: entries, taskErr: fault, traces: map[int32]bpfmaps.RawStack{2: {1}}},
			opts: Options{Scales: countScale},
			want: bpfmaps.ErrMapAccessFault,
		},
		{
			name: "no scales",
			maps: &fakeMaps{entries: entries},
			want: aggregator.ErrNoScales,
		},
		{
			name: "cancelled",
			maps: &fakeMaps{entries: entries},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			opts: Options{Scales: countScale},
			want: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}
			r, err := newTestAssembler(t, tt.maps).Assemble(ctx, tt.opts)
			require.Nil(t, r)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAssembleNonFatalLookupErrors(t *testing.T) {
	maps := &fakeMaps{
		entries:  []bpfmaps.Entry{{Key: bpfmaps.SampleKey{PID: 1, UserStackID: 2}, Value: counters(1)}},
		traceErr: errors.New("permission denied"),
		taskErr:  errors.New("permission denied"),
	}

	r, err := newTestAssembler(t, maps).Assemble(context.Background(), Options{Scales: countScale})
	require.NoError(t, err)
	require.Empty(t, r.Traces[2])
	require.Equal(t, ProcessInfo{PID: 1}, r.Processes[1])
}
