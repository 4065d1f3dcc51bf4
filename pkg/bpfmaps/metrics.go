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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelMap    = "map"
	labelStatus = "status"

	labelSuccess = "success"
	labelPartial = "partial"
	labelFault   = "fault"
	labelError   = "error"
	labelMissing = "missing"
)

type metrics struct {
	readAttempts *prometheus.CounterVec
	readEntries  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		readAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_collector_map_read_attempts_total",
				Help: "Total number of attempts to read from the profiler maps.",
			},
			[]string{labelMap, labelStatus},
		),
		readEntries: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stack_collector_map_read_entries",
				Help:    "Number of entries returned by a batched read of the counts map.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}
	m.readAttempts.WithLabelValues(CountMapName, labelSuccess)
	m.readAttempts.WithLabelValues(CountMapName, labelPartial)
	m.readAttempts.WithLabelValues(CountMapName, labelFault)
	for _, name := range []string{TraceMapName, InfoMapName, CgroupMapName} {
		m.readAttempts.WithLabelValues(name, labelSuccess)
		m.readAttempts.WithLabelValues(name, labelMissing)
		m.readAttempts.WithLabelValues(name, labelError)
	}
	return m
}
