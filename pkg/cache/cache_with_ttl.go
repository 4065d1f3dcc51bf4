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

package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-collector/pkg/cache/lru"
)

type valueWithDeadline[V any] struct {
	value    V
	deadline time.Time
}

type CacheWithTTL[K comparable, V any] struct {
	c   *lru.LRU[K, valueWithDeadline[V]]
	mtx *sync.Mutex
	ttl time.Duration
	now func() time.Time
}

// NewLRUCacheWithTTL returns a new concurrency-safe fixed size cache with LRU
// eviction policy whose entries expire ttl after they were added.
func NewLRUCacheWithTTL[K comparable, V any](reg prometheus.Registerer, maxEntries int, ttl time.Duration) *CacheWithTTL[K, V] {
	return &CacheWithTTL[K, V]{
		c:   lru.New[K, valueWithDeadline[V]](reg, maxEntries),
		mtx: &sync.Mutex{},
		ttl: ttl,
		now: time.Now,
	}
}

func (c *CacheWithTTL[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.c.Add(key, valueWithDeadline[V]{
		value:    value,
		deadline: c.now().Add(c.ttl),
	})
}

func (c *CacheWithTTL[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, ok := c.c.Get(key)
	if !ok {
		return v.value, false
	}
	if v.deadline.Before(c.now()) {
		c.c.Remove(key)
		var zero V
		return zero, false
	}
	return v.value, true
}

// RemoveExpired drops all entries whose deadline has passed and returns how
// many were dropped.
func (c *CacheWithTTL[K, V]) RemoveExpired() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	now := c.now()
	return c.c.RemoveMatching(func(_ K, v valueWithDeadline[V]) bool {
		return v.deadline.Before(now)
	})
}

func (c *CacheWithTTL[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.c.Len()
}

func (c *CacheWithTTL[K, V]) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.c.Close()
}
