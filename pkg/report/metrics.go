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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelStatus = "status"
	labelReason = "reason"

	labelSuccess = "success"
	labelError   = "error"
	labelMissing = "missing"

	reasonCounterWidth  = "counter_width"
	reasonStackNotFound = "stack_not_found"
	reasonStackError    = "stack_error"
)

type metrics struct {
	assembleAttempts *prometheus.CounterVec
	assembleDuration prometheus.Histogram
	stackDrop        *prometheus.CounterVec
	processInfo      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		assembleAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_collector_assemble_attempts_total",
				Help: "Total number of attempts to assemble a report.",
			},
			[]string{labelStatus},
		),
		assembleDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "stack_collector_assemble_duration_seconds",
				Help:                        "The duration of assembling a report.",
				NativeHistogramBucketFactor: 1.1,
			},
		),
		stackDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_collector_stack_drop_total",
				Help: "Total number of samples or stacks that could not be read.",
			},
			[]string{labelReason},
		),
		processInfo: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_collector_process_info_total",
				Help: "Total number of process metadata lookups by result.",
			},
			[]string{labelStatus},
		),
	}
	m.assembleAttempts.WithLabelValues(labelSuccess)
	m.assembleAttempts.WithLabelValues(labelError)
	m.stackDrop.WithLabelValues(reasonCounterWidth)
	m.stackDrop.WithLabelValues(reasonStackNotFound)
	m.stackDrop.WithLabelValues(reasonStackError)
	m.processInfo.WithLabelValues(labelSuccess)
	m.processInfo.WithLabelValues(labelMissing)
	m.processInfo.WithLabelValues(labelError)
	return m
}
