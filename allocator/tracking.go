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

// Tracker observes the allocations of a Tracked allocator.
// Allocation hooks run after a successful allocation, deallocation hooks before the memory is given back.
type Tracker interface {
	OnNodeAllocation(node []byte, size, alignment int)
	OnArrayAllocation(array []byte, count, size, alignment int)
	OnNodeDeallocation(node []byte, size, alignment int)
	OnArrayDeallocation(array []byte, count, size, alignment int)
}

// Tracked reports every allocation of a RawAllocator to a Tracker.
// It is stateful if the allocator or the tracker is.
type Tracked[A RawAllocator, T Tracker] struct {
	alloc   A
	tracker T
}

var _ RawAllocator = (*Tracked[Heap, *MetricsTracker])(nil)

func NewTracked[A RawAllocator, T Tracker](a A, t T) *Tracked[A, T] {
	return &Tracked[A, T]{alloc: a, tracker: t}
}

func (t *Tracked[A, T]) AllocateNode(size, alignment int) ([]byte, error) {
	node, err := t.alloc.AllocateNode(size, alignment)
	if err != nil {
		return nil, err
	}
	t.tracker.OnNodeAllocation(node, size, alignment)
	return node, nil
}

func (t *Tracked[A, T]) DeallocateNode(node []byte, size, alignment int) {
	t.tracker.OnNodeDeallocation(node, size, alignment)
	t.alloc.DeallocateNode(node, size, alignment)
}

func (t *Tracked[A, T]) AllocateArray(count, size, alignment int) ([]byte, error) {
	array, err := t.alloc.AllocateArray(count, size, alignment)
	if err != nil {
		return nil, err
	}
	t.tracker.OnArrayAllocation(array, count, size, alignment)
	return array, nil
}

func (t *Tracked[A, T]) DeallocateArray(array []byte, count, size, alignment int) {
	t.tracker.OnArrayDeallocation(array, count, size, alignment)
	t.alloc.DeallocateArray(array, count, size, alignment)
}

func (t *Tracked[A, T]) MaxNodeSize() int { return t.alloc.MaxNodeSize() }

func (t *Tracked[A, T]) MaxArraySize() int { return t.alloc.MaxArraySize() }

func (t *Tracked[A, T]) MaxAlignment() int { return t.alloc.MaxAlignment() }

func (t *Tracked[A, T]) IsStateful() bool {
	if IsStateful(t.alloc) {
		return true
	}
	if s, ok := any(t.tracker).(interface{ IsStateful() bool }); ok {
		return s.IsStateful()
	}
	return true
}

func (t *Tracked[A, T]) Allocator() A { return t.alloc }

func (t *Tracked[A, T]) Tracker() T { return t.tracker }
