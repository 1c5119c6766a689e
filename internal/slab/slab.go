// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package slab implements the lockless-fast-path fixed-size-node allocator
// spec §3 calls "pending_pool": a slab backing a per-thread queue of
// PendingFrame records that must never take a lock during allocation,
// because the master signal handler runs at arbitrary points and must not
// deadlock. It is modeled on the teacher's pool.Pool idiom (a free-index
// pool handed out under a bounded range, used in
// pkg/sentry/platform/systrap for sysmsg stack IDs) generalized to
// arbitrary fixed-size nodes with lazy, page-sized unit growth.
package slab

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// unitNodes is the number of nodes committed per growth unit. The spec
// frames the "pathological" threshold as >24KiB of pending frames; sizing
// each unit so that a handful of units covers that keeps the common case
// (a handler borrowing one or two nodes) entirely lock-free.
const unitNodes = 64

// node wraps a slab-allocated value with the free-list linkage the slab
// itself needs; callers never see this type.
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Pool is a slab allocator of fixed-size T values. The zero value is not
// usable; construct with New.
type Pool[T any] struct {
	freeHead atomic.Pointer[node[T]]

	// growMu guards unit from growing concurrently; it is the only lock in
	// Pool and is reached only when the free list is observed empty.
	growMu sync.Mutex
	units  [][]node[T]

	allocated atomic.Int64 // count of nodes ever committed, for diagnostics
}

// New returns an empty Pool.
func New[T any]() *Pool[T] {
	return &Pool[T]{}
}

// Get removes and returns a node from the free list, committing a new unit
// of unitNodes if the free list was empty. The fast path (free list
// non-empty) never takes growMu.
func (p *Pool[T]) Get() *T {
	for {
		head := p.freeHead.Load()
		if head == nil {
			break
		}
		next := head.next.Load()
		if p.freeHead.CompareAndSwap(head, next) {
			head.next.Store(nil)
			return &head.value
		}
	}
	return p.growAndGet()
}

// growAndGet is reached only when the free list appeared empty; it commits
// a new unit under growMu, re-checking the free list first in case a
// concurrent grower already added nodes.
func (p *Pool[T]) growAndGet() *T {
	p.growMu.Lock()
	defer p.growMu.Unlock()

	// Someone else may have grown the pool (or freed a node) between our
	// failed lock-free attempt and acquiring growMu; retry before
	// committing a whole new unit.
	for {
		head := p.freeHead.Load()
		if head == nil {
			break
		}
		next := head.next.Load()
		if p.freeHead.CompareAndSwap(head, next) {
			head.next.Store(nil)
			return &head.value
		}
	}

	unit := make([]node[T], unitNodes)
	p.units = append(p.units, unit)
	p.allocated.Add(unitNodes)

	// Hand back the first node directly and chain the rest onto the free
	// list for future lock-free Gets. growMu only excludes other growers;
	// a concurrent lock-free Put can still be racing to publish its own
	// node, so each push uses the same CompareAndSwap loop Put does rather
	// than a plain Store, which could otherwise clobber a Put that landed
	// between the Load and the publish and lose that node permanently.
	for i := 1; i < len(unit); i++ {
		n := &unit[i]
		for {
			head := p.freeHead.Load()
			n.next.Store(head)
			if p.freeHead.CompareAndSwap(head, n) {
				break
			}
		}
	}
	return &unit[0].value
}

// Put returns v to the free list. v must have come from Get on this Pool.
// Since value is node[T]'s leading field, a *T returned by Get points at
// the same address as its enclosing *node[T]; recovering the node is a
// plain pointer conversion, not a pointer-arithmetic trick.
func (p *Pool[T]) Put(v *T) {
	n := (*node[T])(unsafe.Pointer(v))
	for {
		head := p.freeHead.Load()
		n.next.Store(head)
		if p.freeHead.CompareAndSwap(head, n) {
			return
		}
	}
}

// Allocated returns the number of nodes ever committed, i.e. the
// high-water mark of concurrently outstanding-or-freed nodes. It is the
// count a ">24KiB of pending frames" pathological-threshold check (spec
// §3) would compare against; no code in this module performs that check.
func (p *Pool[T]) Allocated() int64 { return p.allocated.Load() }
