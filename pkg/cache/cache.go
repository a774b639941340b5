// Copyright 2023 The Parca Authors
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

	"github.com/parca-dev/kcrash/pkg/cache/lru"
)

// LRUCache is a mutex guarded lru.LRU.
type LRUCache[K comparable, V any] struct {
	mtx sync.Mutex
	lru *lru.LRU[K, V]
}

func NewLRUCache[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int) *LRUCache[K, V] {
	return &LRUCache[K, V]{lru: lru.New[K, V](reg, name, maxEntries)}
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lru.Add(key, value)
}

// Get takes the exclusive lock, a hit reorders the eviction list.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Get(key)
}

func (c *LRUCache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Len()
}

func (c *LRUCache[K, V]) Purge() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lru.Purge()
}

func (c *LRUCache[K, V]) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Close()
}
