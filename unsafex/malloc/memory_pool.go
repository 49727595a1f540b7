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
)

// PoolType selects the free list of a MemoryPool.
type PoolType int

const (
	// SmallNodePool serves single nodes from a SmallFreeList, without any per node overhead.
	// Arrays are served only if they fit into a single node.
	SmallNodePool PoolType = iota

	// ArrayPool serves single nodes and arrays of contiguous nodes from an OrderedFreeList.
	// Nodes must be at least OrderedMinNodeSize bytes.
	ArrayPool
)

func (t PoolType) String() string {
	switch t {
	case SmallNodePool:
		return "SmallNodePool"
	case ArrayPool:
		return "ArrayPool"
	}
	return fmt.Sprintf("PoolType(%d)", int(t))
}

// MinNodeSize returns the min node size of pools of type t.
func (t PoolType) MinNodeSize() int {
	if t == ArrayPool {
		return OrderedMinNodeSize
	}
	return MinNodeSize
}

// MinBlockSize returns the min size of a block holding one node of nodeSize bytes in pools of type t.
func (t PoolType) MinBlockSize(nodeSize int) int {
	if t == ArrayPool {
		return nodeSize
	}
	return MinBlockSize(nodeSize)
}

func (t PoolType) newList(nodeSize int) freeList {
	if t == ArrayPool {
		return NewOrderedFreeList(nodeSize)
	}
	return NewSmallFreeList(nodeSize)
}

// freeList is the free list a MemoryPool takes its nodes from.
type freeList interface {
	Insert(block []byte)
	Allocate() []byte
	Deallocate(node []byte)
	Capacity() int
	NodeSize() int
	Alignment() int
}

var (
	_ freeList = (*SmallFreeList)(nil)
	_ freeList = (*OrderedFreeList)(nil)
)

// MemoryPool is a RawAllocator serving nodes of one size from a free list selected by its PoolType.
// The list grows by a new Arena block whenever it runs empty.
//
// MemoryPool is NOT safe for concurrent use, wrap it with allocator.NewThreadSafe.
type MemoryPool struct {
	kind  PoolType
	list  freeList
	arena *Arena
	total int // nodes inserted into list
}

var _ allocator.RawAllocator = (*MemoryPool)(nil)

// NewMemoryPool creates a SmallNodePool of nodeSize byte nodes and allocates its first block.
func NewMemoryPool(nodeSize int, opts Options) (*MemoryPool, error) {
	return NewMemoryPoolOf(SmallNodePool, nodeSize, opts)
}

// NewMemoryPoolOf creates a pool of type kind serving nodeSize byte nodes and allocates its first block.
func NewMemoryPoolOf(kind PoolType, nodeSize int, opts Options) (*MemoryPool, error) {
	if kind != SmallNodePool && kind != ArrayPool {
		return nil, fmt.Errorf("malloc: unknown pool type %v", kind)
	}
	if least := kind.MinNodeSize(); nodeSize < least {
		return nil, fmt.Errorf("malloc: node size of %v must be >= %d, got %d", kind, least, nodeSize)
	}
	if need := kind.MinBlockSize(nodeSize); opts.BlockSize < need {
		return nil, fmt.Errorf("malloc: block size %d too small for node size %d, need at least %d",
			opts.BlockSize, nodeSize, need)
	}
	arena, err := NewArena(opts)
	if err != nil {
		return nil, err
	}
	p := &MemoryPool{kind: kind, list: kind.newList(nodeSize), arena: arena}
	if err := p.grow(); err != nil {
		return nil, err
	}
	return p, nil
}

// MinBlockSize returns the min size of a block holding one node of nodeSize bytes in a SmallFreeList.
func MinBlockSize(nodeSize int) int {
	l := SmallFreeList{nodeSize: nodeSize}
	return chunkMemoryOffset + l.stride()
}

func (p *MemoryPool) grow() error {
	mem, err := p.arena.Allocate()
	if err != nil {
		return fmt.Errorf("malloc: grow memory pool of node size %d: %w", p.list.NodeSize(), err)
	}
	before := p.list.Capacity()
	p.list.Insert(mem)
	p.total += p.list.Capacity() - before
	debugging.Logger().Debug("memory pool grew",
		zap.Stringer("type", p.kind),
		zap.Int("node_size", p.list.NodeSize()),
		zap.Int("block_size", len(mem)),
		zap.Int("free_nodes", p.list.Capacity()))
	return nil
}

func (p *MemoryPool) allocate() ([]byte, error) {
	if node := p.list.Allocate(); node != nil {
		return node, nil
	}
	if err := p.grow(); err != nil {
		return nil, err
	}
	if node := p.list.Allocate(); node != nil {
		return node, nil
	}
	return nil, allocator.OutOfMemory(p.info(), p.list.NodeSize())
}

// allocateNodes returns n contiguous nodes of an ArrayPool.
func (p *MemoryPool) allocateNodes(n int) ([]byte, error) {
	l := p.list.(*OrderedFreeList)
	if array := l.AllocateArray(n); array != nil {
		return array, nil
	}
	if err := p.grow(); err != nil {
		return nil, err
	}
	if array := l.AllocateArray(n); array != nil {
		return array, nil
	}
	return nil, allocator.OutOfMemory(p.info(), n*l.NodeSize())
}

// nodesFor returns the number of nodes holding size bytes.
func (p *MemoryPool) nodesFor(size int) int {
	return (size + p.list.NodeSize() - 1) / p.list.NodeSize()
}

// Allocate returns a node of NodeSize() bytes.
func (p *MemoryPool) Allocate() ([]byte, error) {
	return p.allocate()
}

// Deallocate gives back a node returned by Allocate.
func (p *MemoryPool) Deallocate(node []byte) {
	p.list.Deallocate(node)
}

func (p *MemoryPool) AllocateNode(size, alignment int) ([]byte, error) {
	if err := p.check("node size", size, p.MaxNodeSize(), alignment); err != nil {
		return nil, err
	}
	node, err := p.allocate()
	if err != nil {
		return nil, err
	}
	return node[:size], nil
}

func (p *MemoryPool) DeallocateNode(node []byte, size, alignment int) {
	p.list.Deallocate(node)
}

// AllocateArray returns count*size bytes. An ArrayPool serves arrays larger than a node
// from contiguous nodes, a SmallNodePool rejects them.
func (p *MemoryPool) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := allocator.ArraySize(count, size)
	if !ok {
		n = p.MaxArraySize() + 1
	}
	if err := p.check("array size", n, p.MaxArraySize(), alignment); err != nil {
		return nil, err
	}
	var (
		array []byte
		err   error
	)
	if n <= p.list.NodeSize() {
		array, err = p.allocate()
	} else {
		array, err = p.allocateNodes(p.nodesFor(n))
	}
	if err != nil {
		return nil, err
	}
	return array[:n], nil
}

func (p *MemoryPool) DeallocateArray(array []byte, count, size, alignment int) {
	if n := count * size; n > p.list.NodeSize() {
		p.list.(*OrderedFreeList).DeallocateArray(array, p.nodesFor(n))
		return
	}
	p.list.Deallocate(array)
}

func (p *MemoryPool) check(kind string, size, limit, alignment int) error {
	if err := allocator.CheckAllocationSize(p.info(), kind, size, limit); err != nil {
		return err
	}
	return allocator.CheckAllocationSize(p.info(), "alignment", alignment, p.list.Alignment())
}

func (p *MemoryPool) MaxNodeSize() int { return p.list.NodeSize() }

// MaxArraySize returns the node size for a SmallNodePool.
// An ArrayPool accepts arrays filling the nodes of the next block.
func (p *MemoryPool) MaxArraySize() int {
	nodeSize := p.list.NodeSize()
	if p.kind != ArrayPool {
		return nodeSize
	}
	return max(nodeSize, p.arena.NextBlockSize()/nodeSize*nodeSize)
}

func (p *MemoryPool) MaxAlignment() int { return p.list.Alignment() }

// Type returns the pool type.
func (p *MemoryPool) Type() PoolType {
	return p.kind
}

// NodeSize returns the size of nodes.
func (p *MemoryPool) NodeSize() int {
	return p.list.NodeSize()
}

// Capacity returns the number of bytes available before the pool grows.
func (p *MemoryPool) Capacity() int {
	return p.list.Capacity() * p.list.NodeSize()
}

// NextCapacity returns the size of the block used for the next growth.
func (p *MemoryPool) NextCapacity() int {
	return p.arena.NextBlockSize()
}

// Arena returns the arena the pool grows from.
func (p *MemoryPool) Arena() *Arena {
	return p.arena
}

// Swap exchanges the content of p and other.
func (p *MemoryPool) Swap(other *MemoryPool) {
	*p, *other = *other, *p
}

// Close gives all memory back to the upstream allocator.
// Debug builds report nodes that are still allocated to the leak handler.
// The pool must not be used afterwards.
func (p *MemoryPool) Close() {
	if debugging.Enabled {
		debugging.CheckLeak(p.info(), (p.total-p.list.Capacity())*p.list.NodeSize())
	}
	p.list = p.kind.newList(p.list.NodeSize())
	p.total = 0
	p.arena.Close()
}

func (p *MemoryPool) info() debugging.AllocatorInfo {
	return debugging.AllocatorInfo{
		Name:    "memkit::malloc::MemoryPool",
		Address: uintptr(unsafe.Pointer(p)),
	}
}
