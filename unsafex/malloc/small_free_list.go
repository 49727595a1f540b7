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

// MinNodeSize is the min node size of a SmallFreeList.
// A free node stores the index of the next free node in its first byte.
const MinNodeSize = 1

// SmallFreeList is a free list of fixed size nodes optimized for small node sizes.
//
// Memory blocks are inserted by the caller and carved into chunks of up to 255 nodes.
// Each chunk threads a free list through the bytes of its free nodes,
// so the per node overhead is zero and the per chunk overhead is one header.
//
// Chunks that have never been allocated from are kept in an "unused" list,
// all others in a "used" list. Allocate and Deallocate remember the last chunk they touched,
// and fall back to a scan of the used chunks starting at the last deallocation chunk
// and moving outward in both directions, which keeps them amortized O(1).
//
// SmallFreeList never owns the inserted memory: the caller must keep it alive
// and must not reuse it while the list or any allocated node is in use.
// It is NOT safe for concurrent use, see allocator.ThreadSafe.
type SmallFreeList struct {
	chunks chunkTable
	unused chunkList // capacity == noNodes, never allocated from
	used   chunkList // allocated from at least once

	// cached ids of chunks in used, noChunk if unset
	allocChunk   int32
	deallocChunk int32

	nodeSize int
	capacity int // number of free nodes of all chunks
}

// NewSmallFreeList creates an empty list serving nodes of nodeSize bytes.
func NewSmallFreeList(nodeSize int) *SmallFreeList {
	l := &SmallFreeList{}
	l.init(nodeSize)
	return l
}

// NewSmallFreeListFrom creates a list serving nodes of nodeSize bytes and inserts block into it.
func NewSmallFreeListFrom(nodeSize int, block []byte) *SmallFreeList {
	l := NewSmallFreeList(nodeSize)
	l.Insert(block)
	return l
}

func (l *SmallFreeList) init(nodeSize int) {
	if nodeSize < MinNodeSize {
		panic(fmt.Sprintf("malloc: node size must be >= %d, got %d", MinNodeSize, nodeSize))
	}
	*l = SmallFreeList{
		unused:       newChunkList(),
		used:         newChunkList(),
		allocChunk:   noChunk,
		deallocChunk: noChunk,
		nodeSize:     nodeSize,
	}
}

// Insert carves block into chunks and makes all of its nodes available.
//
// The address of block must be aligned to align.MaxAlignment,
// and len(block) must be large enough for a chunk header and one node.
// It panics otherwise.
func (l *SmallFreeList) Insert(block []byte) {
	if len(block) == 0 {
		panic("malloc: memory block too small")
	}
	mem := unsafe.Pointer(unsafe.SliceData(block))
	if !align.IsAligned(uintptr(mem), align.MaxAlignment) {
		panic("malloc: memory block not aligned")
	}
	if debugging.Enabled {
		debugging.Fill(block, debugging.InternalMemory)
	}

	stride := l.stride()
	unit := chunkMemoryOffset + stride*chunkMaxNodes
	size := len(block)
	n := size / unit
	if n == 0 && size < chunkMemoryOffset+stride {
		panic(fmt.Sprintf("malloc: memory block too small: %d bytes, node stride %d", size, stride))
	}

	nodes := 0
	for i := 0; i < n; i++ {
		l.addChunk(unsafe.Add(mem, i*unit), stride, chunkMaxNodes)
		nodes += chunkMaxNodes
	}
	// a remainder holding exactly one header and one node still becomes a chunk
	if remainder := size - n*unit; remainder >= chunkMemoryOffset+stride {
		k := uint8((remainder - chunkMemoryOffset) / stride)
		l.addChunk(unsafe.Add(mem, n*unit), stride, k)
		nodes += int(k)
	}
	l.capacity += nodes
}

func (l *SmallFreeList) addChunk(mem unsafe.Pointer, stride int, n uint8) {
	if len(l.chunks) >= math.MaxInt32 {
		panic("malloc: too many chunks")
	}
	id := int32(len(l.chunks))
	l.chunks = append(l.chunks, createChunk(mem, stride, n))
	l.unused.push(l.chunks, id)
}

// Allocate returns a node of NodeSize() bytes, or nil if the list is exhausted.
// The content of the node is undefined.
func (l *SmallFreeList) Allocate() []byte {
	if l.capacity == 0 {
		return nil
	}
	id := l.allocChunk
	if id == noChunk || l.chunks[id].empty() {
		if id = l.findChunk(1); id == noChunk {
			return nil
		}
	}

	stride := l.stride()
	slot := l.chunks[id].allocate(stride)
	l.capacity--
	if debugging.Enabled {
		return debugging.FillNew(unsafe.Slice((*byte)(slot), stride), l.nodeSize, l.fenceSize())
	}
	return unsafe.Slice((*byte)(slot), l.nodeSize)
}

// FindChunk prepares the next Allocate calls by selecting a chunk with at least n free nodes.
// It returns false if there is none.
func (l *SmallFreeList) FindChunk(n int) bool {
	if n <= 0 {
		return true
	}
	if n > chunkMaxNodes || n > l.capacity {
		return false
	}
	return l.findChunk(uint8(n)) != noChunk
}

// findChunk selects a chunk with at least n free nodes as allocChunk.
//
// A new chunk is promoted from the unused list whenever possible,
// since this is the common case while the list is still growing.
// Otherwise, the used chunks are searched outward from deallocChunk.
// Only a partial chunk at the front of unused can be too small for n.
func (l *SmallFreeList) findChunk(n uint8) int32 {
	if l.allocChunk != noChunk && l.chunks[l.allocChunk].capacity >= n {
		return l.allocChunk
	}
	if !l.unused.empty() && l.chunks[l.unused.first].capacity >= n {
		id := l.used.transferFront(l.chunks, &l.unused)
		l.allocChunk = id
		if l.deallocChunk == noChunk {
			l.deallocChunk = id
		}
		return id
	}
	if l.deallocChunk == noChunk {
		return noChunk
	}
	id := l.scan(l.deallocChunk, func(c *chunk) bool {
		return c.capacity >= n
	})
	if id != noChunk {
		l.allocChunk = id
	}
	return id
}

// Deallocate gives back a node returned by Allocate.
//
// Passing a node that was not allocated from l is a contract violation
// and is reported to the invalid pointer handler of package debugging.
// Debug builds also detect misaligned nodes and double frees.
func (l *SmallFreeList) Deallocate(node []byte) {
	ptr := dataAddr(node)
	fence := l.fenceSize()
	stride := l.stride()
	addr := ptr - uintptr(fence)

	id := l.chunkFor(addr)
	if id == noChunk {
		// memory was never allocated from this list
		debugging.CheckPointer(false, l.info(), ptr)
		return
	}
	c := l.chunks[id]
	offset := int(addr - uintptr(c.listMemory()))
	if debugging.Enabled && !l.checkNode(c, offset, ptr) {
		return
	}

	slot := unsafe.Add(c.listMemory(), offset)
	if debugging.Enabled {
		debugging.FillFree(unsafe.Slice((*byte)(slot), stride), l.nodeSize, fence)
	}
	c.deallocate(slot, uint8(offset/stride))
	l.capacity++
}

// checkNode reports a node that is not at a node boundary or is already free.
func (l *SmallFreeList) checkNode(c *chunk, offset int, ptr uintptr) bool {
	stride := l.stride()
	if offset%stride != 0 {
		debugging.CheckPointer(false, l.info(), ptr)
		return false
	}
	if c.containsFree(uintptr(c.listMemory())+uintptr(offset), stride) {
		debugging.CheckDoubleDealloc(false, l.info(), ptr)
		return false
	}
	return true
}

// chunkFor returns the used chunk containing addr, or noChunk.
// The result becomes the new deallocChunk.
func (l *SmallFreeList) chunkFor(addr uintptr) int32 {
	if l.deallocChunk == noChunk {
		return noChunk
	}
	stride := l.stride()
	if l.chunks[l.deallocChunk].from(addr, stride) {
		return l.deallocChunk
	}
	if l.allocChunk != noChunk && l.chunks[l.allocChunk].from(addr, stride) {
		l.deallocChunk = l.allocChunk
		return l.allocChunk
	}
	id := l.scan(l.deallocChunk, func(c *chunk) bool {
		return c.from(addr, stride)
	})
	if id != noChunk {
		l.deallocChunk = id
	}
	return id
}

// scan returns the first chunk matching f, starting at start and moving outward
// through the used list, one step forward and one step backward at a time,
// until the two cursors meet. It visits at most half of the used chunks per direction.
func (l *SmallFreeList) scan(start int32, f func(c *chunk) bool) int32 {
	t := l.chunks
	if f(t[start]) {
		return start
	}
	next, prev := t[start].next, t[start].prev
	for next != start {
		if f(t[next]) {
			return next
		}
		if f(t[prev]) {
			return prev
		}
		if next == prev || t[next].next == prev {
			break
		}
		next, prev = t[next].next, t[prev].prev
	}
	return noChunk
}

// Capacity returns the number of free nodes.
func (l *SmallFreeList) Capacity() int {
	return l.capacity
}

// NodeSize returns the size of nodes.
func (l *SmallFreeList) NodeSize() int {
	return l.nodeSize
}

// Empty reports whether Allocate would return nil.
func (l *SmallFreeList) Empty() bool {
	return l.capacity == 0
}

// Alignment returns the alignment every node is guaranteed to have.
func (l *SmallFreeList) Alignment() int {
	stride := l.stride()
	return min(align.AlignmentFor(l.nodeSize), stride&-stride)
}

// Swap exchanges the content of l and other.
func (l *SmallFreeList) Swap(other *SmallFreeList) {
	l.chunks, other.chunks = other.chunks, l.chunks
	l.unused.swap(&other.unused)
	l.used.swap(&other.used)
	l.allocChunk, other.allocChunk = other.allocChunk, l.allocChunk
	l.deallocChunk, other.deallocChunk = other.deallocChunk, l.deallocChunk
	l.nodeSize, other.nodeSize = other.nodeSize, l.nodeSize
	l.capacity, other.capacity = other.capacity, l.capacity
}

// Move transfers all chunks of l to a new list and leaves l empty.
// Nodes allocated before the move must be deallocated through the returned list.
func (l *SmallFreeList) Move() *SmallFreeList {
	moved := *l
	l.init(l.nodeSize)
	return &moved
}

func (l *SmallFreeList) stride() int {
	return l.nodeSize + 2*l.fenceSize()
}

func (l *SmallFreeList) fenceSize() int {
	if debugging.Enabled {
		return align.AlignmentFor(l.nodeSize)
	}
	return 0
}

func (l *SmallFreeList) info() debugging.AllocatorInfo {
	return debugging.AllocatorInfo{
		Name:    "memkit::malloc::SmallFreeList",
		Address: uintptr(unsafe.Pointer(l)),
	}
}

// dataAddr returns the address of the first element of b, valid even if b was resliced to zero length.
func dataAddr(b []byte) uintptr {
	return *(*uintptr)(unsafe.Pointer(&b))
}
