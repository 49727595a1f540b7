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
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cloudwego/memkit/allocator"
	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

// StackMarker is a position in a MemoryStack, see MemoryStack.Top.
type StackMarker struct {
	index int // arena block
	top   int // offset in that block
}

// MemoryStack is a RawAllocator handing out memory by moving a top pointer
// through blocks taken from an Arena.
//
// Single allocations cannot be given back. Instead, Unwind resets the top to a StackMarker
// returned by Top, freeing everything allocated since. Blocks freed by Unwind are cached
// by the arena until Shrink.
// MemoryStack is NOT safe for concurrent use.
type MemoryStack struct {
	arena *Arena
	block []byte // the current block of arena
	top   int
}

var _ allocator.RawAllocator = (*MemoryStack)(nil)

// NewMemoryStack creates a MemoryStack and allocates its first block.
func NewMemoryStack(opts Options) (*MemoryStack, error) {
	arena, err := NewArena(opts)
	if err != nil {
		return nil, err
	}
	s := &MemoryStack{arena: arena}
	if err := s.grow(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStack) grow() error {
	mem, err := s.arena.Allocate()
	if err != nil {
		return fmt.Errorf("malloc: grow memory stack: %w", err)
	}
	s.block, s.top = mem, 0
	debugging.Logger().Debug("memory stack grew",
		zap.Int("block_size", len(mem)),
		zap.Int("blocks", s.arena.Size()))
	return nil
}

// Allocate returns size bytes aligned to alignment.
// If the current block is too small, the stack continues on a new block.
func (s *MemoryStack) Allocate(size, alignment int) ([]byte, error) {
	return s.allocate("node size", size, alignment)
}

func (s *MemoryStack) allocate(kind string, size, alignment int) ([]byte, error) {
	if err := allocator.CheckAllocationSize(s.info(), kind, size, s.NextCapacity()); err != nil {
		return nil, err
	}
	if err := allocator.CheckAllocationSize(s.info(), "alignment", alignment, align.MaxAlignment); err != nil {
		return nil, err
	}
	alignment = max(alignment, 1)
	if mem, ok := s.bump(size, alignment); ok {
		return mem, nil
	}
	if err := s.grow(); err != nil {
		return nil, err
	}
	if mem, ok := s.bump(size, alignment); ok {
		return mem, nil
	}
	return nil, allocator.OutOfMemory(s.info(), size)
}

func (s *MemoryStack) bump(size, alignment int) ([]byte, bool) {
	off := align.AlignOffset(dataAddr(s.block)+uintptr(s.top), alignment)
	if off+size > len(s.block)-s.top {
		return nil, false
	}
	begin := s.top + off
	if debugging.Enabled {
		debugging.Fill(s.block[s.top:begin], debugging.AlignmentMemory)
	}
	s.top = begin + size
	mem := s.block[begin:s.top:s.top]
	if debugging.Enabled {
		debugging.Fill(mem, debugging.NewMemory)
	}
	return mem, true
}

// Top returns a marker to the current top of the stack.
func (s *MemoryStack) Top() StackMarker {
	return StackMarker{index: s.arena.Size() - 1, top: s.top}
}

// Unwind frees everything allocated since m was returned by Top.
// m must not lie above the current top, it is reported to the invalid pointer handler otherwise.
func (s *MemoryStack) Unwind(m StackMarker) {
	current := s.arena.Size() - 1
	if m.index < 0 || m.index > current || (m.index == current && m.top > s.top) {
		debugging.CheckPointer(false, s.info(), dataAddr(s.block)+uintptr(m.top))
		return
	}
	end := s.top
	if m.index < current {
		for i := current; i > m.index; i-- {
			s.arena.Deallocate()
		}
		s.block = s.arena.Current()
		end = len(s.block)
	}
	if debugging.Enabled {
		debugging.Fill(s.block[m.top:end], debugging.FreedMemory)
	}
	s.top = m.top
}

// Capacity returns the number of bytes left in the current block.
func (s *MemoryStack) Capacity() int {
	return len(s.block) - s.top
}

// NextCapacity returns the size of the block used when the current one is exhausted.
func (s *MemoryStack) NextCapacity() int {
	return s.arena.NextBlockSize()
}

// Shrink gives the blocks cached by Unwind back to the upstream allocator.
func (s *MemoryStack) Shrink() {
	s.arena.Shrink()
}

// Arena returns the arena the stack grows from.
func (s *MemoryStack) Arena() *Arena {
	return s.arena
}

// Close gives all memory back to the upstream allocator.
// The stack must not be used afterwards.
func (s *MemoryStack) Close() {
	s.arena.Close()
	s.block, s.top = nil, 0
}

func (s *MemoryStack) AllocateNode(size, alignment int) ([]byte, error) {
	return s.allocate("node size", size, alignment)
}

// DeallocateNode does nothing, memory is freed by Unwind.
func (s *MemoryStack) DeallocateNode(node []byte, size, alignment int) {}

func (s *MemoryStack) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := allocator.ArraySize(count, size)
	if !ok {
		n = s.MaxArraySize() + 1
	}
	return s.allocate("array size", n, alignment)
}

// DeallocateArray does nothing, memory is freed by Unwind.
func (s *MemoryStack) DeallocateArray(array []byte, count, size, alignment int) {}

func (s *MemoryStack) MaxNodeSize() int { return s.NextCapacity() }

func (s *MemoryStack) MaxArraySize() int { return s.NextCapacity() }

func (s *MemoryStack) MaxAlignment() int { return align.MaxAlignment }

func (s *MemoryStack) info() debugging.AllocatorInfo {
	return debugging.AllocatorInfo{
		Name:    "memkit::malloc::MemoryStack",
		Address: uintptr(unsafe.Pointer(s)),
	}
}
