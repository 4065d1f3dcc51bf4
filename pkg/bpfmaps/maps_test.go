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

package bpfmaps

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeMap is an in-memory stand-in for a BPF hash map.
type fakeMap struct {
	maxEntries uint32
	valueSize  uint32
	order      []interface{}
	values     map[interface{}][]byte
	batchErr   error
	lookupErr  error
	closed     bool
}

func newFakeMap(maxEntries, valueSize uint32) *fakeMap {
	return &fakeMap{maxEntries: maxEntries, valueSize: valueSize, values: map[interface{}][]byte{}}
}

func (f *fakeMap) put(key interface{}, value []byte) {
	if _, ok := f.values[key]; !ok {
		f.order = append(f.order, key)
	}
	f.values[key] = value
}

// batch behaves like the library does for hash maps: values reach valuesOut
// only when it is a slice of byte arrays whose memory the kernel writes to
// directly. Other value types would be unmarshaled after a successful read
// and are left untouched when the read ends with an error, which is the
// normal outcome for a map that is not full.
func (f *fakeMap) batch(keysOut, valuesOut interface{}, del bool) (int, error) {
	if f.batchErr != nil {
		return 0, f.batchErr
	}
	keys := keysOut.([]SampleKey)
	values := reflect.ValueOf(valuesOut)
	if values.Kind() != reflect.Slice || values.Len() != len(keys) {
		return 0, errors.New("keys and values must have the same length")
	}
	elem := values.Type().Elem()
	direct := elem.Kind() == reflect.Array && elem.Elem().Kind() == reflect.Uint8

	var n int
	for _, k := range f.order {
		if n == len(keys) {
			break
		}
		keys[n] = k.(SampleKey)
		if direct {
			v := f.values[k]
			if len(v) != elem.Len() {
				return 0, fmt.Errorf("value of %d bytes in a map with %d byte values", len(v), elem.Len())
			}
			reflect.Copy(values.Index(n), reflect.ValueOf(v))
		}
		n++
	}
	if del {
		for _, k := range f.order[:n] {
			delete(f.values, k)
		}
		f.order = f.order[n:]
	}
	if n < len(keys) {
		return n, fmt.Errorf("batch lookup: %w", ebpf.ErrKeyNotExist)
	}
	if !direct {
		return 0, fmt.Errorf("unmarshaling %T is not supported", valuesOut)
	}
	return n, nil
}

func (f *fakeMap) BatchLookup(_ *ebpf.MapBatchCursor, keysOut, valuesOut interface{}, _ *ebpf.BatchOptions) (int, error) {
	return f.batch(keysOut, valuesOut, false)
}

func (f *fakeMap) BatchLookupAndDelete(_ *ebpf.MapBatchCursor, keysOut, valuesOut interface{}, _ *ebpf.BatchOptions) (int, error) {
	return f.batch(keysOut, valuesOut, true)
}

func (f *fakeMap) LookupBytes(key interface{}) ([]byte, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.values[key], nil
}

func (f *fakeMap) MaxEntries() uint32 { return f.maxEntries }

func (f *fakeMap) ValueSize() uint32 { return f.valueSize }

func (f *fakeMap) Close() error {
	f.closed = true
	return nil
}

func u64(vs ...uint64) []byte {
	b := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}

func newTestMaps(t *testing.T) (*Maps, MapSet) {
	t.Helper()
	set := MapSet{
		Counts: newFakeMap(16, 8),
		Traces: newFakeMap(16, 8*7),
		Info:   newFakeMap(16, taskInfoSize),
		Cgroup: newFakeMap(16, DefaultContainerIDLen),
	}
	m := New(log.NewNopLogger(), prometheus.NewRegistry(), set, Options{
		MaxStackDepth: 5,
		ByteOrder:     binary.LittleEndian,
	})
	return m, set
}

func TestReadCounts(t *testing.T) {
	m, set := newTestMaps(t)
	counts := set.Counts.(*fakeMap)
	counts.put(SampleKey{PID: 100, UserStackID: 5}, u64(42))
	counts.put(SampleKey{PID: 200, UserStackID: 6, KernelStackID: 7}, u64(3))

	entries, err := m.ReadCounts(false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, SampleKey{PID: 100, UserStackID: 5}, entries[0].Key)
	require.Equal(t, u64(42), entries[0].Value)
	require.Equal(t, SampleKey{PID: 200, UserStackID: 6, KernelStackID: 7}, entries[1].Key)
	require.Equal(t, u64(3), entries[1].Value)

	// Non destructive reads see the same data again.
	entries, err = m.ReadCounts(false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestReadCountsDeltaIsExclusive(t *testing.T) {
	m, set := newTestMaps(t)
	counts := set.Counts.(*fakeMap)
	counts.put(SampleKey{PID: 1, UserStackID: 1}, u64(10))
	counts.put(SampleKey{PID: 2, UserStackID: 2}, u64(20))

	first, err := m.ReadCounts(true)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := m.ReadCounts(true)
	require.NoError(t, err)
	require.Empty(t, second)

	counts.put(SampleKey{PID: 3, UserStackID: 3}, u64(1))
	third, err := m.ReadCounts(true)
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, uint32(3), third[0].Key.PID)
}

func TestReadCountsFault(t *testing.T) {
	m, set := newTestMaps(t)
	set.Counts.(*fakeMap).batchErr = fmt.Errorf("batch lookup: %w", unix.EFAULT)

	_, err := m.ReadCounts(false)
	require.ErrorIs(t, err, ErrMapAccessFault)
	require.ErrorIs(t, err, unix.EFAULT)
}

func TestReadCountsOtherErrorIsPartial(t *testing.T) {
	m, set := newTestMaps(t)
	set.Counts.(*fakeMap).batchErr = errors.New("operation not supported")

	entries, err := m.ReadCounts(true)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLookupTrace(t *testing.T) {
	m, set := newTestMaps(t)
	set.Traces.(*fakeMap).put(int32(5), u64(0xdead, 0xbeef, 0, 0, 0, 0, 0))

	stack, err := m.LookupTrace(5)
	require.NoError(t, err)
	// Capped at the configured depth.
	require.Equal(t, RawStack{0xdead, 0xbeef, 0, 0, 0}, stack)

	_, err = m.LookupTrace(6)
	require.ErrorIs(t, err, ErrStackNotFound)

	_, err = m.LookupTrace(0)
	require.ErrorIs(t, err, ErrNoStack)
	_, err = m.LookupTrace(-14)
	require.ErrorIs(t, err, ErrNoStack)
}

func TestLookupProcessInfo(t *testing.T) {
	m, set := newTestMaps(t)

	value := make([]byte, taskInfoSize)
	binary.LittleEndian.PutUint32(value[0:], 7)
	binary.LittleEndian.PutUint32(value[4:], 100)
	copy(value[8:], "nginx")
	set.Info.(*fakeMap).put(uint32(100), value)
	set.Cgroup.(*fakeMap).put(int32(100), append([]byte("0123abcd"), make([]byte, 120)...))

	info, found, err := m.LookupProcessInfo(100)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, TaskInfo{NamespacedPID: 7, TGID: 100, Comm: "nginx"}, info)

	_, found, err = m.LookupProcessInfo(101)
	require.NoError(t, err)
	require.False(t, found)

	id, found, err := m.LookupCgroup(100)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "0123abcd", id)

	_, found, err = m.LookupCgroup(101)
	require.NoError(t, err)
	require.False(t, found)
}

func TestLookupFault(t *testing.T) {
	m, set := newTestMaps(t)
	set.Info.(*fakeMap).lookupErr = unix.EFAULT

	_, _, err := m.LookupProcessInfo(1)
	require.ErrorIs(t, err, ErrMapAccessFault)
}

func TestReadCountsFullMap(t *testing.T) {
	m, set := newTestMaps(t)
	counts := set.Counts.(*fakeMap)
	for pid := uint32(1); pid <= 16; pid++ {
		counts.put(SampleKey{PID: pid, UserStackID: int32(pid)}, u64(uint64(pid)*10))
	}

	entries, err := m.ReadCounts(true)
	require.NoError(t, err)
	require.Len(t, entries, 16)
	require.Equal(t, u64(160), entries[15].Value)
}

func TestValueRows(t *testing.T) {
	rows := newValueRows(3, 2)
	out := rows.out().([][2]byte)
	out[1] = [2]byte{3, 4}

	require.Equal(t, []byte{0, 0}, rows.row(0))
	require.Equal(t, []byte{3, 4}, rows.row(1))
	require.Len(t, rows.row(2), 2)
	require.Equal(t, 2, cap(rows.row(1)))
}

func TestClose(t *testing.T) {
	m, set := newTestMaps(t)
	require.NoError(t, m.Close())
	require.True(t, set.Counts.(*fakeMap).closed)
	require.True(t, set.Cgroup.(*fakeMap).closed)
}
