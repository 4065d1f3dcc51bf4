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

// Package lru is a fixed size, non concurrency-safe LRU that reports its
// hit ratio and evictions as Prometheus metrics.
package lru

import (
	"errors"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type LRU[K comparable, V any] struct {
	hits, misses, evictions prometheus.Counter

	lru *simplelru.LRU[K, V]

	closer func() error
}

// New returns an LRU holding at most maxEntries. Panics if maxEntries is not
// positive.
func New[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRU[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	c := &LRU[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,
	}

	l, err := simplelru.NewLRU[K, V](maxEntries, nil)
	if err != nil {
		panic(err)
	}
	c.lru = l

	c.closer = func() error {
		if reg == nil {
			return nil
		}
		// Unregister so that a cache with the same name can be created again.
		var errs []error
		if !reg.Unregister(requests) {
			errs = append(errs, errors.New("unregistering requests counter"))
		}
		if !reg.Unregister(evictions) {
			errs = append(errs, errors.New("unregistering evictions counter"))
		}
		return errors.Join(errs...)
	}
	return c
}

// Add adds a value to the cache, evicting the least recently used entry if
// the cache is full.
func (c *LRU[K, V]) Add(key K, value V) {
	if evicted := c.lru.Add(key, value); evicted {
		c.evictions.Inc()
	}
}

// Get looks up a key's value and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return v, ok
}

func (c *LRU[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// RemoveMatching removes all entries for which predicate returns true and
// returns how many were removed. Matching does not count as a cache request.
func (c *LRU[K, V]) RemoveMatching(predicate func(K, V) bool) int {
	var n int
	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok && predicate(k, v) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

func (c *LRU[K, V]) Close() error {
	c.lru.Purge()
	return c.closer()
}
