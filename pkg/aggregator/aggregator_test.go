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

package aggregator

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
)

func sample(pid uint32, counters ...uint64) Sample {
	return Sample{Key: bpfmaps.SampleKey{PID: pid, UserStackID: int32(pid)}, Counters: counters}
}

func requireSorted(t *testing.T, samples []Sample) {
	t.Helper()
	for i := 1; i < len(samples); i++ {
		require.LessOrEqual(t, Compare(samples[i-1], samples[i]), 0, "samples %d and %d out of order", i-1, i)
	}
}

func TestInsertKeepsOrder(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	agg := New(0)
	for i := 0; i < 500; i++ {
		agg.Insert(sample(uint32(r.Intn(50)), uint64(r.Intn(20))))
		requireSorted(t, agg.samples)
	}
	require.Len(t, agg.Top(0), 500)
}

func TestTiesOrderedByPID(t *testing.T) {
	agg := New(3)
	agg.Insert(sample(30, 5))
	agg.Insert(sample(10, 5))
	agg.Insert(sample(20, 5))

	got := agg.Top(0)
	require.Equal(t, []uint32{10, 20, 30}, []uint32{got[0].Key.PID, got[1].Key.PID, got[2].Key.PID})
}

func TestTopK(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	var all []Sample
	agg := New(0)
	for i := 0; i < 200; i++ {
		s := sample(uint32(i), uint64(r.Intn(1000)))
		all = append(all, s)
		agg.Insert(s)
	}

	top := agg.Top(10)
	require.Len(t, top, 10)
	requireSorted(t, top)

	sort.Slice(all, func(i, j int) bool { return Compare(all[i], all[j]) < 0 })
	if diff := cmp.Diff(all[len(all)-10:], top); diff != "" {
		t.Fatalf("top samples mismatch (-want +got):\n%s", diff)
	}
	// Every dropped sample is smaller than every kept one.
	for _, d := range all[:len(all)-10] {
		require.Less(t, Compare(d, top[0]), 0)
	}
}

func TestTopKLargerThanLen(t *testing.T) {
	agg := New(0)
	agg.Insert(sample(1, 1))
	agg.Insert(sample(2, 2))
	require.Len(t, agg.Top(10), 2)
	require.Len(t, agg.Top(0), 2)
	require.Len(t, agg.Top(-1), 2)
}

func TestDecodeCounters(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		n       int
		want    Counters
		wantErr bool
	}{
		{
			name: "64 bit",
			raw:  binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint64(nil, 42), 7),
			n:    2,
			want: Counters{42, 7},
		},
		{
			name: "32 bit",
			raw:  binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, 3), 9),
			n:    2,
			want: Counters{3, 9},
		},
		{
			name:    "odd width",
			raw:     make([]byte, 6),
			n:       1,
			wantErr: true,
		},
		{
			name:    "not divisible",
			raw:     make([]byte, 12),
			n:       5,
			wantErr: true,
		},
		{
			name:    "empty",
			n:       1,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCounters(tt.raw, tt.n, binary.LittleEndian)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCounterWidth)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReduce(t *testing.T) {
	entries := []bpfmaps.Entry{
		{Key: bpfmaps.SampleKey{PID: 1, UserStackID: 1}, Value: binary.LittleEndian.AppendUint64(nil, 5)},
		{Key: bpfmaps.SampleKey{PID: 2, UserStackID: 2}, Value: binary.LittleEndian.AppendUint64(nil, 50)},
		{Key: bpfmaps.SampleKey{PID: 3, UserStackID: 3}, Value: []byte{1, 2, 3}},
		{Key: bpfmaps.SampleKey{PID: 4, UserStackID: 4}, Value: binary.LittleEndian.AppendUint64(nil, 20)},
	}

	samples, dropped, err := Reduce(entries, 1, 2, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Equal(t, []Sample{
		{Key: bpfmaps.SampleKey{PID: 4, UserStackID: 4}, Counters: Counters{20}},
		{Key: bpfmaps.SampleKey{PID: 2, UserStackID: 2}, Counters: Counters{50}},
	}, samples)

	samples, dropped, err = Reduce(nil, 1, 10, binary.LittleEndian)
	require.NoError(t, err)
	require.Zero(t, dropped)
	require.Empty(t, samples)

	_, _, err = Reduce(entries, 0, 10, binary.LittleEndian)
	require.ErrorIs(t, err, ErrNoScales)
}
