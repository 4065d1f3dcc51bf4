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

// Package aggregator ranks the sampled stacks by their primary counter and
// keeps the heaviest ones.
package aggregator

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
)

var (
	ErrCounterWidth = errors.New("counter value width does not match scale count")
	ErrNoScales     = errors.New("at least one scale is required")
)

// Counters holds one value per measurement scale. The first one ranks the
// sample.
type Counters []uint64

type Sample struct {
	Key      bpfmaps.SampleKey `json:"key"`
	Counters Counters          `json:"counters"`
}

// Compare orders samples by their primary counter, then by pid.
func Compare(a, b Sample) int {
	if c := cmp.Compare(a.Counters[0], b.Counters[0]); c != 0 {
		return c
	}
	return cmp.Compare(a.Key.PID, b.Key.PID)
}

// DecodeCounters splits raw into n counters. Both 32 and 64 bit wide
// counters are supported.
func DecodeCounters(raw []byte, n int, order binary.ByteOrder) (Counters, error) {
	if n <= 0 || len(raw) == 0 || len(raw)%n != 0 {
		return nil, fmt.Errorf("%d bytes for %d scales: %w", len(raw), n, ErrCounterWidth)
	}

	c := make(Counters, n)
	switch width := len(raw) / n; width {
	case 4:
		for i := range c {
			c[i] = uint64(order.Uint32(raw[i*4:]))
		}
	case 8:
		for i := range c {
			c[i] = order.Uint64(raw[i*8:])
		}
	default:
		return nil, fmt.Errorf("%d byte wide counters: %w", width, ErrCounterWidth)
	}
	return c, nil
}

// Aggregator keeps samples sorted ascending by Compare.
type Aggregator struct {
	samples []Sample
}

func New(capacity int) *Aggregator {
	return &Aggregator{samples: make([]Sample, 0, capacity)}
}

// Insert places s before the first sample that is not less than it.
func (a *Aggregator) Insert(s Sample) {
	i, _ := slices.BinarySearchFunc(a.samples, s, Compare)
	a.samples = slices.Insert(a.samples, i, s)
}

// Top keeps the k largest samples, still in ascending order, and returns
// them. k <= 0 keeps everything.
func (a *Aggregator) Top(k int) []Sample {
	if k > 0 && len(a.samples) > k {
		a.samples = slices.Clone(a.samples[len(a.samples)-k:])
	}
	return a.samples
}

// Reduce decodes the counters of all entries and returns the k largest
// samples. Entries whose value cannot be decoded are skipped and counted
// in dropped.
func Reduce(entries []bpfmaps.Entry, scales, k int, order binary.ByteOrder) (samples []Sample, dropped int, err error) {
	if scales < 1 {
		return nil, 0, ErrNoScales
	}

	agg := New(len(entries))
	for _, e := range entries {
		c, err := DecodeCounters(e.Value, scales, order)
		if err != nil {
			dropped++
			continue
		}
		agg.Insert(Sample{Key: e.Key, Counters: c})
	}
	return agg.Top(k), dropped, nil
}
