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
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

const (
	// TASK_COMM_LEN.
	commLen      = 16
	taskInfoSize = 4 + 4 + commLen
)

// SampleKey mirrors the key of the counts map, 12 bytes without padding.
type SampleKey struct {
	PID           uint32 `json:"pid"`
	UserStackID   int32  `json:"user_stack_id"`
	KernelStackID int32  `json:"kernel_stack_id"`
}

// Entry is one record of the counts map. Value holds the raw counter array,
// one element per measurement scale.
type Entry struct {
	Key   SampleKey
	Value []byte
}

// RawStack is a fixed capacity array of instruction pointers, padded with
// zeroes after the last valid frame.
type RawStack []uint64

// TaskInfo mirrors the value of the task info map.
type TaskInfo struct {
	// Pid as seen from the task's own pid namespace.
	NamespacedPID uint32
	TGID          int32
	Comm          string
}

// valueRows is a []([size]byte) receiving the values of a batch read. The
// library hands the memory of such a slice straight to the kernel, so the
// values are there even when the read ends with ErrKeyNotExist. Anything it
// has to unmarshal into is left untouched on that path.
type valueRows struct {
	rows reflect.Value
}

func newValueRows(n, size int) valueRows {
	typ := reflect.SliceOf(reflect.ArrayOf(size, reflect.TypeOf(byte(0))))
	return valueRows{rows: reflect.MakeSlice(typ, n, n)}
}

// out is passed as valuesOut.
func (v valueRows) out() interface{} {
	return v.rows.Interface()
}

// row returns the bytes of value i without copying them.
func (v valueRows) row(i int) []byte {
	r := v.rows.Index(i)
	return r.Slice(0, r.Len()).Bytes()
}

func decodeRawStack(b []byte, maxDepth int, order binary.ByteOrder) RawStack {
	n := len(b) / 8
	if n > maxDepth {
		n = maxDepth
	}
	stack := make(RawStack, n)
	for i := range stack {
		stack[i] = order.Uint64(b[i*8:])
	}
	return stack
}

func decodeTaskInfo(b []byte, order binary.ByteOrder) (TaskInfo, error) {
	if len(b) < taskInfoSize {
		return TaskInfo{}, fmt.Errorf("task info value too short: %d bytes", len(b))
	}
	return TaskInfo{
		NamespacedPID: order.Uint32(b[0:4]),
		TGID:          int32(order.Uint32(b[4:8])),
		Comm:          cString(b[8 : 8+commLen]),
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
