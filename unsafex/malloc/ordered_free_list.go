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
	"math"
	"unsafe"

	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

// OrderedMinNodeSize is the min node size of an OrderedFreeList.
// A free node stores a reference to the next free node in its first 8 bytes.
const OrderedMinNodeSize = 8

// nodeRef packs a block index and a node index, noRef is the nil reference.
type nodeRef uint64

const noRef nodeRef = math.MaxUint64

func makeRef(block, node int) nodeRef {
	return nodeRef(uint64(block)<<32 | uint64(uint32(node)))
}

func (r nodeRef) block() int { return int(r >> 32) }
func (r nodeRef) node() int  { return int(uint32(r)) }

// orderedBlock is a memory block inserted into an OrderedFreeList.
type orderedBlock struct {
	mem   unsafe.Pointer
	nodes int
}

// OrderedFreeList is a free list of fixed size nodes kept sorted by address.
//
// Keeping the order makes adjacent free nodes of a block adjacent in the list,
// so AllocateArray can hand out several contiguous nodes at once.
// Deallocation searches the insert position and is linear in the number of free nodes,
// starting at the last deallocated node when possible.
// Double frees are detected while searching and reported to the invalid pointer handler.
//
// OrderedFreeList never owns the inserted memory. It is NOT safe for concurrent use.
type OrderedFreeList struct {
	blocks   []orderedBlock
	first    nodeRef
	hint     nodeRef // last deallocated node still free, or noRef
	nodeSize int
	capacity int
}

// NewOrderedFreeList creates an empty list serving nodes of nodeSize bytes.
func NewOrderedFreeList(nodeSize int) *OrderedFreeList {
	l := &OrderedFreeList{}
	l.init(nodeSize)
	return l
}

func (l *OrderedFreeList) init(nodeSize int) {
	if nodeSize < OrderedMinNodeSize {
		panic(fmt.Sprintf("malloc: node size must be >= %d, got %d", OrderedMinNodeSize, nodeSize))
	}
	*l = OrderedFreeList{first: noRef, hint: noRef, nodeSize: nodeSize}
}

func (l *OrderedFreeList) ptr(r nodeRef) unsafe.Pointer {
	return unsafe.Add(l.blocks[r.block()].mem, r.node()*l.nodeSize)
}

func (l *OrderedFreeList) addr(r nodeRef) uintptr {
	return uintptr(l.ptr(r))
}

func (l *OrderedFreeList) next(r nodeRef) nodeRef {
	return *(*nodeRef)(l.ptr(r))
}

func (l *OrderedFreeList) setNext(r, next nodeRef) {
	*(*nodeRef)(l.ptr(r)) = next
}

// link makes next follow prev, or the head of the list if prev is noRef.
func (l *OrderedFreeList) link(prev, next nodeRef) {
	if prev == noRef {
		l.first = next
	} else {
		l.setNext(prev, next)
	}
}

// Insert carves block into nodes and makes all of them available.
// The address of block must be aligned to align.MaxAlignment and it must hold at least one node.
// It panics otherwise.
func (l *OrderedFreeList) Insert(block []byte) {
	n := len(block) / l.nodeSize
	if n == 0 {
		panic(fmt.Sprintf("malloc: memory block too small: %d bytes, node size %d", len(block), l.nodeSize))
	}
	mem := unsafe.Pointer(unsafe.SliceData(block))
	if !align.IsAligned(uintptr(mem), align.MaxAlignment) {
		panic("malloc: memory block not aligned")
	}
	if uint64(n) > math.MaxUint32 || uint64(len(l.blocks)) >= math.MaxUint32 {
		panic("malloc: too many nodes")
	}
	if debugging.Enabled {
		debugging.Fill(block, debugging.InternalMemory)
	}

	b := len(l.blocks)
	l.blocks = append(l.blocks, orderedBlock{mem: mem, nodes: n})
	prev, next := l.position(noRef, uintptr(mem))
	l.linkRun(prev, makeRef(b, 0), n, next)
	l.capacity += n
}

// linkRun links n nodes starting at first between prev and next.
func (l *OrderedFreeList) linkRun(prev, first nodeRef, n int, next nodeRef) {
	b, i := first.block(), first.node()
	for k := 0; k < n-1; k++ {
		l.setNext(makeRef(b, i+k), makeRef(b, i+k+1))
	}
	l.setNext(makeRef(b, i+n-1), next)
	l.link(prev, first)
}

// position returns the free nodes right before and after addr, starting the search after start.
func (l *OrderedFreeList) position(start nodeRef, addr uintptr) (prev, next nodeRef) {
	prev, next = noRef, l.first
	if start != noRef && l.addr(start) < addr {
		prev, next = start, l.next(start)
	}
	for next != noRef && l.addr(next) < addr {
		prev, next = next, l.next(next)
	}
	return prev, next
}

// Allocate returns a node of NodeSize() bytes, or nil if the list is exhausted.
func (l *OrderedFreeList) Allocate() []byte {
	if l.first == noRef {
		return nil
	}
	r := l.first
	l.first = l.next(r)
	if l.hint == r {
		l.hint = noRef
	}
	l.capacity--
	return l.slice(r, l.nodeSize)
}

// AllocateArray returns n contiguous nodes as one slice of n*NodeSize() bytes,
// or nil if there are no n adjacent free nodes.
func (l *OrderedFreeList) AllocateArray(n int) []byte {
	if n <= 1 {
		return l.Allocate()
	}
	if n > l.capacity {
		return nil
	}
	prev, start := noRef, l.first
	for start != noRef {
		last, k := start, 1
		for k < n {
			next := l.next(last)
			if next == noRef || next.block() != last.block() || next.node() != last.node()+1 {
				break
			}
			last = next
			k++
		}
		if k == n {
			l.link(prev, l.next(last))
			l.hint = noRef
			l.capacity -= n
			return l.slice(start, n*l.nodeSize)
		}
		prev, start = last, l.next(last)
	}
	return nil
}

func (l *OrderedFreeList) slice(r nodeRef, size int) []byte {
	mem := unsafe.Slice((*byte)(l.ptr(r)), size)
	if debugging.Enabled {
		debugging.Fill(mem, debugging.NewMemory)
	}
	return mem
}

// Deallocate gives back a node returned by Allocate.
// Nodes not allocated from l and double frees are reported to the invalid pointer handler.
func (l *OrderedFreeList) Deallocate(node []byte) {
	l.DeallocateArray(node, 1)
}

// DeallocateArray gives back n nodes returned by AllocateArray(n).
func (l *OrderedFreeList) DeallocateArray(array []byte, n int) {
	ptr := dataAddr(array)
	first, ok := l.refOf(ptr, n)
	if !ok {
		debugging.CheckPointer(false, l.info(), ptr)
		return
	}
	prev, next := l.position(l.hint, ptr)
	end := ptr + uintptr(n*l.nodeSize)
	// the free node following the insert position lies inside the freed range
	if next != noRef && l.addr(next) < end {
		debugging.CheckDoubleDealloc(false, l.info(), ptr)
		return
	}
	if debugging.Enabled {
		debugging.Fill(unsafe.Slice((*byte)(l.ptr(first)), n*l.nodeSize), debugging.FreedMemory)
	}
	l.linkRun(prev, first, n, next)
	l.hint = first
	l.capacity += n
}

// refOf returns the reference of the node at ptr if n nodes starting there belong to one block.
func (l *OrderedFreeList) refOf(ptr uintptr, n int) (nodeRef, bool) {
	if n <= 0 {
		return noRef, false
	}
	for b, blk := range l.blocks {
		begin := uintptr(blk.mem)
		if ptr < begin || ptr >= begin+uintptr(blk.nodes*l.nodeSize) {
			continue
		}
		off := int(ptr - begin)
		if off%l.nodeSize != 0 || off/l.nodeSize+n > blk.nodes {
			return noRef, false
		}
		return makeRef(b, off/l.nodeSize), true
	}
	return noRef, false
}

// Capacity returns the number of free nodes.
func (l *OrderedFreeList) Capacity() int {
	return l.capacity
}

// NodeSize returns the size of nodes.
func (l *OrderedFreeList) NodeSize() int {
	return l.nodeSize
}

// Empty reports whether Allocate would return nil.
func (l *OrderedFreeList) Empty() bool {
	return l.capacity == 0
}

// Alignment returns the alignment every node is guaranteed to have.
func (l *OrderedFreeList) Alignment() int {
	return min(align.AlignmentFor(l.nodeSize), l.nodeSize&-l.nodeSize)
}

func (l *OrderedFreeList) info() debugging.AllocatorInfo {
	return debugging.AllocatorInfo{
		Name:    "memkit::malloc::OrderedFreeList",
		Address: uintptr(unsafe.Pointer(l)),
	}
}
