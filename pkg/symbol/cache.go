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
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/stack-collector/pkg/cache"
)

// nameCache maps a key to its resolved frame name. compute is called at most
// once per key while the key is cached.
type nameCache[K comparable] interface {
	LoadOrCompute(key K, compute func() string) (string, bool)
	Close() error
}

func newNameCache[K comparable](reg prometheus.Registerer, space string, size int) nameCache[K] {
	if size <= 0 {
		return unboundedCache[K]{m: xsync.NewMapOf[K, string]()}
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"cache": "symbol_" + space}, reg)
	return boundedCache[K]{c: cache.NewLRUCache[K, string](reg, size)}
}

type unboundedCache[K comparable] struct {
	m *xsync.MapOf[K, string]
}

func (c unboundedCache[K]) LoadOrCompute(key K, compute func() string) (string, bool) {
	return c.m.LoadOrCompute(key, compute)
}

func (c unboundedCache[K]) Close() error {
	c.m.Clear()
	return nil
}

type boundedCache[K comparable] struct {
	c *cache.LRUCache[K, string]
}

func (c boundedCache[K]) LoadOrCompute(key K, compute func() string) (string, bool) {
	return c.c.GetOrAdd(key, compute)
}

func (c boundedCache[K]) Close() error {
	return c.c.Close()
}
