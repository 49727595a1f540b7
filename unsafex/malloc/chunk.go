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
	"math"
	"unsafe"

	"github.com/cloudwego/memkit/internal/align"
)

const (
	// chunkMaxNodes is the max number of nodes of a chunk.
	// The free list stores the index of the next free node in one byte.
	chunkMaxNodes = math.MaxUint8

	// chunkMemoryOffset is the offset from the chunk header to its first node.
	chunkMemoryOffset = (int(unsafe.Sizeof(chunk{})) + align.MaxAlignment - 1) &^ (align.MaxAlignment - 1)

	// noChunk is the nil chunk id.
	noChunk int32 = -1
)

// chunk is the header written at the start of every chunk region.
// It is followed by chunkMemoryOffset-sizeof(chunk) bytes of padding and noNodes nodes.
//
// The header lives in caller memory, so it must NOT contain Go pointers:
// prev/next are ids into the chunk table of the owning SmallFreeList.
type chunk struct {
	prev, next int32

	firstFree uint8 // index of the first free node, == noNodes if there is none
	capacity  uint8 // number of free nodes
	noNodes   uint8 // number of nodes, fixed at creation
}

// createChunk writes a chunk header at mem and threads all n nodes onto its free list.
// mem must hold chunkMemoryOffset + n*stride bytes.
func createChunk(mem unsafe.Pointer, stride int, n uint8) *chunk {
	c := (*chunk)(mem)
	c.prev, c.next = noChunk, noChunk
	c.firstFree = 0
	c.capacity = n
	c.noNodes = n
	mem = c.listMemory()
	for i := 0; i < int(n); i++ {
		*(*uint8)(unsafe.Add(mem, i*stride)) = uint8(i + 1)
	}
	return c
}

// listMemory returns the address of the first node.
func (c *chunk) listMemory() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(c), chunkMemoryOffset)
}

func (c *chunk) nodeMemory(i uint8, stride int) unsafe.Pointer {
	return unsafe.Add(c.listMemory(), int(i)*stride)
}

// allocate pops the first free node. c.capacity must be > 0.
func (c *chunk) allocate(stride int) unsafe.Pointer {
	node := c.nodeMemory(c.firstFree, stride)
	c.firstFree = *(*uint8)(node)
	c.capacity--
	return node
}

// deallocate pushes node, which is the index-th node of c, back onto the free list.
func (c *chunk) deallocate(node unsafe.Pointer, index uint8) {
	*(*uint8)(node) = c.firstFree
	c.firstFree = index
	c.capacity++
}

// from reports whether node lies within the node area of c.
func (c *chunk) from(node uintptr, stride int) bool {
	begin := uintptr(c.listMemory())
	return begin <= node && node < begin+uintptr(int(c.noNodes)*stride)
}

// containsFree reports whether node is currently on the free list of c.
// It walks the whole list and is only used for double free detection.
func (c *chunk) containsFree(node uintptr, stride int) bool {
	for i := c.firstFree; i != c.noNodes; {
		p := c.nodeMemory(i, stride)
		if uintptr(p) == node {
			return true
		}
		i = *(*uint8)(p)
	}
	return false
}

// empty reports whether all nodes of c are allocated.
func (c *chunk) empty() bool {
	return c.capacity == 0
}
