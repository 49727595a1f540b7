/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package allocator

import "sync"

// NoLock is a sync.Locker doing nothing.
type NoLock struct{}

func (NoLock) Lock()   {}
func (NoLock) Unlock() {}

// ThreadSafe makes a RawAllocator safe for concurrent use.
//
// Every operation holds the lock for its own duration only.
// Use Lock to run a batch of calls under a single critical section.
// Stateless allocators are never locked.
type ThreadSafe[A RawAllocator] struct {
	alloc A
	mu    sync.Locker
}

var _ RawAllocator = (*ThreadSafe[Heap])(nil)

// NewThreadSafe wraps a with a sync.Mutex, or with NoLock if a is stateless.
func NewThreadSafe[A RawAllocator](a A) *ThreadSafe[A] {
	return NewThreadSafeWithLocker(a, &sync.Mutex{})
}

// NewThreadSafeWithLocker wraps a with l, or with NoLock if a is stateless.
func NewThreadSafeWithLocker[A RawAllocator](a A, l sync.Locker) *ThreadSafe[A] {
	if !IsStateful(a) {
		l = NoLock{}
	}
	return &ThreadSafe[A]{alloc: a, mu: l}
}

func (t *ThreadSafe[A]) AllocateNode(size, alignment int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc.AllocateNode(size, alignment)
}

func (t *ThreadSafe[A]) DeallocateNode(node []byte, size, alignment int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alloc.DeallocateNode(node, size, alignment)
}

func (t *ThreadSafe[A]) AllocateArray(count, size, alignment int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc.AllocateArray(count, size, alignment)
}

func (t *ThreadSafe[A]) DeallocateArray(array []byte, count, size, alignment int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alloc.DeallocateArray(array, count, size, alignment)
}

func (t *ThreadSafe[A]) MaxNodeSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc.MaxNodeSize()
}

func (t *ThreadSafe[A]) MaxArraySize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc.MaxArraySize()
}

func (t *ThreadSafe[A]) MaxAlignment() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc.MaxAlignment()
}

// IsStateful reports whether the wrapped allocator is stateful.
func (t *ThreadSafe[A]) IsStateful() bool {
	return IsStateful(t.alloc)
}

// Allocator returns the wrapped allocator without locking.
func (t *ThreadSafe[A]) Allocator() A {
	return t.alloc
}

// Locker returns the lock in use, NoLock for stateless allocators.
func (t *ThreadSafe[A]) Locker() sync.Locker {
	return t.mu
}

// Lock acquires the lock and returns a handle granting direct access to the wrapped allocator
// until Release is called.
//
//	l := ts.Lock()
//	defer l.Release()
//	a := l.Allocator()
//	...
func (t *ThreadSafe[A]) Lock() *Locked[A] {
	t.mu.Lock()
	return &Locked[A]{alloc: t.alloc, mu: t.mu}
}

// Locked is a handle to an allocator whose lock is held.
// It must be released exactly once, Release is a no-op on a released or moved handle.
type Locked[A RawAllocator] struct {
	alloc A
	mu    sync.Locker // nil once released or moved
}

// Allocator returns the allocator guarded by the lock.
// It panics if the handle has been released or moved.
func (l *Locked[A]) Allocator() A {
	if l.mu == nil {
		panic("allocator: use of released lock handle")
	}
	return l.alloc
}

// Held reports whether the handle still holds the lock.
func (l *Locked[A]) Held() bool {
	return l.mu != nil
}

// Release unlocks the allocator.
func (l *Locked[A]) Release() {
	if l.mu == nil {
		return
	}
	mu := l.mu
	l.mu = nil
	mu.Unlock()
}

// Move transfers the lock to a new handle. l no longer holds the lock afterwards.
func (l *Locked[A]) Move() *Locked[A] {
	m := &Locked[A]{alloc: l.alloc, mu: l.mu}
	l.mu = nil
	var zero A
	l.alloc = zero
	return m
}
