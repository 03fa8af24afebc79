// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package memocache implements the content-addressed cache that lets
// generated pipeline code skip repeated realizations.
//
// Keys are opaque byte strings built by the compiler from the computation and
// its arguments; values are the tuple of output buffers it realized, copied
// on store so later caller mutations never leak in. The cache holds a soft
// byte budget enforced by strict least-recently-used eviction: a store may
// transiently overshoot, and entries pinned by in-flight lookups are skipped
// until released.
package memocache

import (
	"container/list"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/loom-lang/loom/internal/metrics"
	"github.com/loom-lang/loom/types/buffers"
	"github.com/loom-lang/loom/types/xsync"
)

// DefaultBudget is the soft byte budget used until SetSize is called.
const DefaultBudget int64 = 1 << 30

// payload is the copied contents of one buffer of a stored tuple.
type payload struct {
	// shape is a copy of the descriptor the data was stored from, with no
	// host memory attached; lookups must agree with it.
	shape buffers.Buffer
	data  []byte
}

// entry is one stored tuple. Its data is immutable once inserted, so readers
// only need the entry pinned (inUse) while copying out, not the cache lock.
type entry struct {
	key    string
	region buffers.Buffer
	tuple  []payload
	bytes  int64
	inUse  int
}

// Cache is a byte-key to buffer-tuple store. The zero value is ready to use
// with DefaultBudget.
//
// Operations on distinct keys only contend for the brief bookkeeping window
// under the cache lock; payload copies happen outside it.
type Cache struct {
	mu xsync.Mutex

	// lru front is the most recently accessed entry. elements holds the same
	// entries keyed for exact-match lookup; element values are *entry.
	lru      *list.List
	elements map[string]*list.Element

	budget int64
	size   int64
}

// lockedInit finishes lazy setup. Must be called with mu held.
func (c *Cache) lockedInit() {
	if c.elements == nil {
		c.elements = make(map[string]*list.Element)
		c.lru = list.New()
	}
	if c.budget == 0 {
		c.budget = DefaultBudget
	}
}

// SetSize adjusts the soft byte budget. It takes effect lazily, on the next
// Store. Values <= 0 restore DefaultBudget.
func (c *Cache) SetSize(bytes int64) {
	if bytes <= 0 {
		bytes = DefaultBudget
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedInit()
	c.budget = bytes
}

// Lookup checks for a stored tuple under key whose shapes agree with region
// and the given output buffers. On a hit it copies the stored contents into
// the outputs' host memory and returns true; on a miss the outputs are left
// untouched and it returns false. Any internal inconsistency (shape or
// footprint disagreement with the stored entry) also reports a miss.
func (c *Cache) Lookup(key []byte, region *buffers.Buffer, out []*buffers.Buffer) bool {
	c.mu.Lock()
	c.lockedInit()
	elem, found := c.elements[string(key)]
	if !found {
		c.mu.Unlock()
		metrics.CacheMissesTotal.Inc()
		return false
	}
	e := elem.Value.(*entry)
	if !matches(e, region, out) {
		c.mu.Unlock()
		klog.Warningf("memocache: key of %d bytes found but shapes disagree with the stored entry; treating as miss", len(key))
		metrics.CacheMissesTotal.Inc()
		return false
	}
	c.lru.MoveToFront(elem)
	e.inUse++
	c.mu.Unlock()

	for i, p := range e.tuple {
		copy(out[i].Host[:len(p.data)], p.data)
	}

	c.mu.Lock()
	e.inUse--
	c.mu.Unlock()
	metrics.CacheHitsTotal.Inc()
	return true
}

// matches reports whether the stored entry agrees with the caller-shaped
// outputs. Must be called with mu held.
func matches(e *entry, region *buffers.Buffer, out []*buffers.Buffer) bool {
	if len(out) != len(e.tuple) {
		return false
	}
	if region != nil && (region.Extent != e.region.Extent || region.Min != e.region.Min) {
		return false
	}
	for i, p := range e.tuple {
		if out[i].FootprintBytes() != int64(len(p.data)) {
			return false
		}
		if int64(len(out[i].Host)) < int64(len(p.data)) {
			return false
		}
	}
	return true
}

// Store copies the tuple's host contents into a fresh entry under key,
// replacing any prior entry for it, then evicts least-recently-used entries
// until the cache is back under budget or only the new entry remains.
func (c *Cache) Store(key []byte, region *buffers.Buffer, in []*buffers.Buffer) {
	// Copy the payloads before taking the lock: stores of large tuples must
	// not block unrelated keys, and a concurrent lookup of the same key must
	// see either the complete prior entry or the complete new one.
	e := &entry{key: string(key)}
	if region != nil {
		e.region = *region
		e.region.Host = nil
	}
	e.tuple = make([]payload, len(in))
	for i, buf := range in {
		span := buf.FootprintBytes()
		if int64(len(buf.Host)) < span {
			// A malformed input cannot be stored faithfully; memoization is
			// optional, so degrade to "never cached" instead of panicking.
			klog.Warningf("memocache: input buffer %d holds %d host bytes, footprint is %d; skipping store",
				i, len(buf.Host), span)
			return
		}
		data := make([]byte, span)
		copy(data, buf.Host[:span])
		shape := *buf
		shape.Host = nil
		e.tuple[i] = payload{shape: shape, data: data}
		e.bytes += span
	}

	c.mu.Lock()
	c.lockedInit()
	if prior, found := c.elements[e.key]; found {
		c.lockedRemove(prior)
	}
	c.elements[e.key] = c.lru.PushFront(e)
	c.size += e.bytes
	c.lockedEvict()
	size := c.size
	c.mu.Unlock()
	metrics.CacheResidentBytes.Set(float64(size))
}

// lockedEvict drops least-recently-used entries until the cache is under
// budget. The newest entry and entries pinned by in-flight lookups are not
// eligible.
func (c *Cache) lockedEvict() {
	elem := c.lru.Back()
	for c.size > c.budget && elem != nil && c.lru.Len() > 1 {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.inUse == 0 && elem != c.lru.Front() {
			c.lockedRemove(elem)
			metrics.CacheEvictionsTotal.Inc()
			klog.V(2).Infof("memocache: evicted %s entry, %s resident (budget %s)",
				humanize.Bytes(uint64(e.bytes)), humanize.Bytes(uint64(c.size)), humanize.Bytes(uint64(c.budget)))
		}
		elem = prev
	}
}

// lockedRemove unlinks an entry. Pinned readers keep their reference; the
// entry's data is immutable so they finish safely.
func (c *Cache) lockedRemove(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.elements, e.key)
	c.size -= e.bytes
}

// Cleanup drops all entries. The caller guarantees no lookup or store is
// concurrently in flight.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedInit()
	c.elements = make(map[string]*list.Element)
	c.lru.Init()
	c.size = 0
	metrics.CacheResidentBytes.Set(0)
}

// ResidentBytes returns the bytes currently held.
func (c *Cache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedInit()
	return c.lru.Len()
}
