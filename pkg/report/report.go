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

// Package report correlates ranked samples, symbolized stacks and process
// metadata into one report per collection cycle, and renders it.
package report

import (
	"time"

	"github.com/parca-dev/stack-collector/pkg/aggregator"
	"github.com/parca-dev/stack-collector/pkg/config"
	"github.com/parca-dev/stack-collector/pkg/stack"
)

type ProcessInfo struct {
	PID           uint32 `json:"pid"`
	NamespacedPID uint32 `json:"ns_pid"`
	TGID          int32  `json:"tgid"`
	Comm          string `json:"comm"`
	CgroupID      string `json:"cgroup_id"`
}

// Report is the result of one collection cycle. Samples are in ascending
// order of their primary counter.
type Report struct {
	Time      time.Time              `json:"time"`
	Scales    []config.Scale         `json:"scales"`
	Samples   []aggregator.Sample    `json:"samples"`
	Traces    map[int32]stack.Trace  `json:"traces"`
	Processes map[uint32]ProcessInfo `json:"processes"`
}

// Trace returns the trace for a stack id. Ids that never referenced a stack
// and ids whose stack could not be read yield an empty trace.
func (r *Report) Trace(id int32) stack.Trace {
	if id <= 0 {
		return stack.Trace{}
	}
	if t, ok := r.Traces[id]; ok {
		return t
	}
	return stack.Trace{}
}

// Process returns the metadata of pid, zero-valued apart from the pid when
// nothing was recorded.
func (r *Report) Process(pid uint32) ProcessInfo {
	if p, ok := r.Processes[pid]; ok {
		return p
	}
	return ProcessInfo{PID: pid}
}
