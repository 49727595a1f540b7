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

package malloc

import (
	"sync"
	"sync/atomic"

	"github.com/cloudwego/memkit/allocator"
)

// TemporaryBlockSize is the first block size of the stacks behind Temporary allocators (4KB).
const TemporaryBlockSize = 4 << 10

var (
	temporaryStacks = sync.Pool{New: func() any { return newTemporaryStack() }}
	temporaryGrowth atomic.Pointer[func(size int)]
)

func newTemporaryStack() *MemoryStack {
	opts := DefaultOptions()
	opts.BlockSize = TemporaryBlockSize
	s, err := NewMemoryStack(opts)
	if err != nil {
		panic(err)
	}
	return s
}

// SetTemporaryGrowthTracker installs f and returns the previous tracker.
// f is called with the block size whenever a Temporary allocator takes a new block
// from the heap, which hints that TemporaryBlockSize is too small for the workload.
// A nil f disables tracking.
func SetTemporaryGrowthTracker(f func(size int)) func(size int) {
	var old *func(int)
	if f == nil {
		old = temporaryGrowth.Swap(nil)
	} else {
		old = temporaryGrowth.Swap(&f)
	}
	if old == nil {
		return nil
	}
	return *old
}

// Temporary is an allocator for short lived scratch memory.
// It is backed by a MemoryStack taken from a pool, and Close frees everything it allocated at once.
//
//	t := malloc.NewTemporary()
//	defer t.Close()
//	buf, err := t.Allocate(n, 1)
//
// A Temporary is NOT safe for concurrent use. Distinct Temporary allocators never share memory.
type Temporary struct {
	stack  *MemoryStack // nil once closed
	marker StackMarker
}

var _ allocator.RawAllocator = (*Temporary)(nil)

// NewTemporary returns a Temporary allocator, it must be closed after use.
func NewTemporary() *Temporary {
	s := temporaryStacks.Get().(*MemoryStack)
	return &Temporary{stack: s, marker: s.Top()}
}

func (t *Temporary) mustStack() *MemoryStack {
	if t.stack == nil {
		panic("malloc: use of closed temporary allocator")
	}
	return t.stack
}

// Allocate returns size bytes aligned to alignment, valid until Close.
func (t *Temporary) Allocate(size, alignment int) ([]byte, error) {
	return t.AllocateNode(size, alignment)
}

func (t *Temporary) track(s *MemoryStack, f func() ([]byte, error)) ([]byte, error) {
	blocks := s.arena.Size() + s.arena.CacheSize()
	mem, err := f()
	if err == nil && s.arena.Size()+s.arena.CacheSize() > blocks {
		if g := temporaryGrowth.Load(); g != nil {
			(*g)(len(s.block))
		}
	}
	return mem, err
}

func (t *Temporary) AllocateNode(size, alignment int) ([]byte, error) {
	s := t.mustStack()
	return t.track(s, func() ([]byte, error) { return s.AllocateNode(size, alignment) })
}

// DeallocateNode does nothing, memory is freed by Close.
func (t *Temporary) DeallocateNode(node []byte, size, alignment int) {}

func (t *Temporary) AllocateArray(count, size, alignment int) ([]byte, error) {
	s := t.mustStack()
	return t.track(s, func() ([]byte, error) { return s.AllocateArray(count, size, alignment) })
}

// DeallocateArray does nothing, memory is freed by Close.
func (t *Temporary) DeallocateArray(array []byte, count, size, alignment int) {}

func (t *Temporary) MaxNodeSize() int { return t.mustStack().MaxNodeSize() }

func (t *Temporary) MaxArraySize() int { return t.mustStack().MaxArraySize() }

func (t *Temporary) MaxAlignment() int { return t.mustStack().MaxAlignment() }

// Close frees all memory allocated by t. It is a no-op if t is already closed.
func (t *Temporary) Close() {
	if t.stack == nil {
		return
	}
	t.stack.Unwind(t.marker)
	temporaryStacks.Put(t.stack)
	t.stack = nil
}
