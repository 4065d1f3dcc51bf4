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
	"io"
	"math"

	"github.com/google/pprof/profile"
)

// PprofRenderer writes the report as a gzipped pprof profile.
type PprofRenderer struct{}

func (PprofRenderer) Extension() string { return "pb.gz" }

func (PprofRenderer) Render(w io.Writer, r *Report) error {
	return Profile(r).Write(w)
}

// frameKey identifies a frame within one address space. Kernel frames share
// pid 0; user frames are scoped to their process since the same name, a raw
// address in particular, means different code in different processes.
type frameKey struct {
	pid  uint32
	name string
}

// Profile converts r into a pprof profile with one sample type per scale.
// Every sample carries its kernel frames followed by its user frames, leaf
// first as pprof expects.
func Profile(r *Report) *profile.Profile {
	p := &profile.Profile{
		TimeNanos: r.Time.UnixNano(),
	}
	for _, s := range r.Scales {
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: s.Type, Unit: s.Unit})
	}
	if len(r.Scales) > 0 {
		p.PeriodType = &profile.ValueType{Type: r.Scales[0].Type, Unit: r.Scales[0].Unit}
		p.Period = r.Scales[0].Period
	}

	functions := map[frameKey]*profile.Function{}
	locations := map[frameKey]*profile.Location{}
	location := func(pid uint32, name string) *profile.Location {
		key := frameKey{pid: pid, name: name}
		if l, ok := locations[key]; ok {
			return l
		}
		f, ok := functions[key]
		if !ok {
			f = &profile.Function{
				ID:         uint64(len(p.Function)) + 1,
				Name:       name,
				SystemName: name,
			}
			functions[key] = f
			p.Function = append(p.Function, f)
		}
		l := &profile.Location{
			ID:   uint64(len(p.Location)) + 1,
			Line: []profile.Line{{Function: f}},
		}
		locations[key] = l
		p.Location = append(p.Location, l)
		return l
	}

	for _, s := range r.Samples {
		kernel := r.Trace(s.Key.KernelStackID)
		user := r.Trace(s.Key.UserStackID)

		locs := make([]*profile.Location, 0, len(kernel)+len(user))
		for i := len(kernel) - 1; i >= 0; i-- {
			locs = append(locs, location(0, kernel[i]))
		}
		for i := len(user) - 1; i >= 0; i-- {
			locs = append(locs, location(s.Key.PID, user[i]))
		}

		values := make([]int64, len(p.SampleType))
		for i := range values {
			if i < len(s.Counters) {
				values[i] = clamp(s.Counters[i])
			}
		}

		proc := r.Process(s.Key.PID)
		sample := &profile.Sample{
			Location: locs,
			Value:    values,
			Label:    map[string][]string{},
			NumLabel: map[string][]int64{"pid": {int64(s.Key.PID)}},
		}
		if proc.Comm != "" {
			sample.Label["comm"] = []string{proc.Comm}
		}
		if proc.CgroupID != "" {
			sample.Label["container_id"] = []string{proc.CgroupID}
		}
		p.Sample = append(p.Sample, sample)
	}
	return p
}

func clamp(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
