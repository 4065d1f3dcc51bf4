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

package symbol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelSpace  = "space"
	labelResult = "result"

	spaceUser   = "user"
	spaceKernel = "kernel"

	resultHit      = "hit"
	resultMiss     = "miss"
	resultFound    = "found"
	resultNotFound = "not_found"
	resultError    = "error"
)

type metrics struct {
	cacheRequests *prometheus.CounterVec
	lookups       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cacheRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_collector_symbol_cache_requests_total",
				Help: "Total number of symbol cache requests.",
			},
			[]string{labelSpace, labelResult},
		),
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_collector_symbol_lookups_total",
				Help: "Total number of symbol table lookups by result.",
			},
			[]string{labelSpace, labelResult},
		),
	}
	for _, space := range []string{spaceUser, spaceKernel} {
		m.cacheRequests.WithLabelValues(space, resultHit)
		m.cacheRequests.WithLabelValues(space, resultMiss)
		m.lookups.WithLabelValues(space, resultFound)
		m.lookups.WithLabelValues(space, resultNotFound)
		m.lookups.WithLabelValues(space, resultError)
	}
	return m
}

func (m *metrics) observeCache(space string, hit bool) {
	if hit {
		m.cacheRequests.WithLabelValues(space, resultHit).Inc()
		return
	}
	m.cacheRequests.WithLabelValues(space, resultMiss).Inc()
}
