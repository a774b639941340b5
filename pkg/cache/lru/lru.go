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

package lru

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// stats are the per cache counters. They are registered under a "cache"
// label so several caches can share one registry.
type stats struct {
	reg       prometheus.Registerer
	requests  *prometheus.CounterVec
	evictions prometheus.Counter

	hits, misses prometheus.Counter
}

func newStats(reg prometheus.Registerer, name string) *stats {
	labels := prometheus.Labels{"cache": name}
	s := &stats{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kcrash_cache_requests_total",
			Help:        "Total number of cache requests.",
			ConstLabels: labels,
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kcrash_cache_evictions_total",
			Help:        "Total number of cache evictions.",
			ConstLabels: labels,
		}),
	}
	s.hits = s.requests.WithLabelValues("hit")
	s.misses = s.requests.WithLabelValues("miss")
	if reg != nil {
		reg.MustRegister(s.requests, s.evictions)
	}
	return s
}

func (s *stats) unregister() error {
	if s.reg == nil {
		return nil
	}
	var err error
	if !s.reg.Unregister(s.requests) {
		err = errors.Join(err, errors.New("unregistering requests counter"))
	}
	if !s.reg.Unregister(s.evictions) {
		err = errors.Join(err, errors.New("unregistering evictions counter"))
	}
	return err
}

// LRU is a fixed size least recently used cache. It is not safe for
// concurrent use.
type LRU[K comparable, V any] struct {
	stats *stats

	maxEntries int
	items      map[K]*entry[K, V]
	order      *lruList[K, V]
}

// New returns an LRU holding at most maxEntries items. The name is attached
// to the cache metrics as the "cache" label.
func New[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int) *LRU[K, V] {
	return &LRU[K, V]{
		stats:      newStats(reg, name),
		maxEntries: maxEntries,
		items:      map[K]*entry[K, V]{},
		order:      newList[K, V](),
	}
}

// Add inserts or refreshes key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Add(key K, value V) {
	if e, ok := c.items[key]; ok {
		e.value = value
		c.order.moveToFront(e)
		return
	}

	c.items[key] = c.order.pushFront(key, value)
	if c.order.length() <= c.maxEntries {
		return
	}
	if oldest := c.order.back(); oldest != nil {
		c.order.remove(oldest)
		delete(c.items, oldest.key)
		c.stats.evictions.Inc()
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		c.stats.misses.Inc()
		var zero V
		return zero, false
	}
	c.order.moveToFront(e)
	c.stats.hits.Inc()
	return e.value, true
}

func (c *LRU[K, V]) Len() int {
	return c.order.length()
}

// Purge drops every entry, the metrics stay registered.
func (c *LRU[K, V]) Purge() {
	clear(c.items)
	c.order.init()
}

// Close purges the cache and unregisters its metrics, so a cache of the
// same name can be created again.
func (c *LRU[K, V]) Close() error {
	c.Purge()
	return c.stats.unregister()
}
