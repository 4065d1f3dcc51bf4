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

// Package stack turns raw address arrays into symbolized traces.
package stack

// Trace is a symbolized stack, outermost frame first and leaf last.
type Trace []string

// Depth returns the number of valid frames in raw: everything up to and
// including the last non-zero slot.
func Depth(raw []uint64) int {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] != 0 {
			return i + 1
		}
	}
	return 0
}

// Decode resolves the valid frames of raw. raw holds the leaf at index 0, the
// returned trace is reversed.
func Decode(raw []uint64, resolve func(addr uint64) string) Trace {
	depth := Depth(raw)
	trace := make(Trace, 0, depth)
	for i := depth - 1; i >= 0; i-- {
		trace = append(trace, resolve(raw[i]))
	}
	return trace
}

// Cache memoizes traces by stack id for the duration of one report.
type Cache struct {
	traces map[int32]Trace
}

func NewCache() *Cache {
	return &Cache{traces: map[int32]Trace{}}
}

// GetOrDecode returns the trace for id, fetching and decoding it on first
// use. When lookup fails the id is remembered with an empty trace and the
// error is returned once.
func (c *Cache) GetOrDecode(id int32, lookup func(int32) ([]uint64, error), resolve func(uint64) string) (Trace, error) {
	if t, ok := c.traces[id]; ok {
		return t, nil
	}
	raw, err := lookup(id)
	if err != nil {
		c.traces[id] = Trace{}
		return c.traces[id], err
	}
	t := Decode(raw, resolve)
	c.traces[id] = t
	return t, nil
}

// Traces returns all memoized traces.
func (c *Cache) Traces() map[int32]Trace {
	return c.traces
}
