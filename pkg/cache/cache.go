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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-collector/pkg/cache/lru"
)

type LRUCache[K comparable, V any] struct {
	lru *lru.LRU[K, V]
	mtx *sync.Mutex
}

// NewLRUCache returns a new concurrency-safe fixed size cache with LRU
// eviction policy.
func NewLRUCache[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		lru: lru.New[K, V](reg, maxEntries),
		mtx: &sync.Mutex{},
	}
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lru.Add(key, value)
}

// Get moves the key to the front of the eviction list, so it takes the
// write lock.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Get(key)
}

// GetOrAdd returns the cached value for key, or computes, stores and returns
// it. compute runs under the cache lock so concurrent callers never compute
// the same key twice.
func (c *LRUCache[K, V]) GetOrAdd(key K, compute func() V) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if v, ok := c.lru.Get(key); ok {
		return v, true
	}
	v := compute()
	c.lru.Add(key, v)
	return v, false
}

func (c *LRUCache[K, V]) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Close()
}
