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
	"math/bits"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cloudwego/memkit/allocator"
	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

const (
	// regionHeaderSize is the size of the header in front of every region node.
	// It keeps node data max aligned.
	regionHeaderSize = align.MaxAlignment

	// regionMagic marks the header of an allocated node.
	regionMagic uint32 = 0xBADF00D

	// DefaultRegionMinBlockSize is the default min block size of a Region (8KB).
	DefaultRegionMinBlockSize = 8 << 10

	// DefaultRegionMaxBlockSize is the default max block size of a Region (512KB).
	DefaultRegionMaxBlockSize = 512 << 10
)

// Region is a buddy allocator over a fixed, caller owned memory region.
//
// It implements allocator.RawAllocator and is meant as the upstream allocator of an Arena,
// confining all memory of a pool to one region, for example a mapping of allocator.VirtualMemory.
// Free blocks are merged with their buddies lazily, when an allocation finds no large enough block.
// Region is NOT safe for concurrent use.
type Region struct {
	mem   []byte
	start unsafe.Pointer

	// freeLists[order] holds the offsets of free blocks of minBlockSize<<order bytes.
	freeLists [][]int

	// needsCoalesce is set when a block below the max order is freed.
	needsCoalesce bool

	minBlockSize  int
	minBlockShift int
	maxBlockSize  int
	maxBlockOrder int
}

var _ allocator.RawAllocator = (*Region)(nil)

// NewRegion creates a Region over mem with the default block sizes (8KB min, 512KB max).
func NewRegion(mem []byte) (*Region, error) {
	return NewRegionWithBlockSize(mem, DefaultRegionMinBlockSize, DefaultRegionMaxBlockSize)
}

// NewRegionWithBlockSize creates a Region over mem.
// minBlock and maxBlock must be powers of two larger than the node header, minBlock <= maxBlock.
// len(mem) must be a multiple of maxBlock, and mem must be aligned to align.MaxAlignment.
func NewRegionWithBlockSize(mem []byte, minBlock, maxBlock int) (*Region, error) {
	if minBlock <= regionHeaderSize || !align.IsValidAlignment(minBlock) {
		return nil, fmt.Errorf("malloc: region min block size must be a power of two > %d, got %d",
			regionHeaderSize, minBlock)
	}
	if !align.IsValidAlignment(maxBlock) || maxBlock < minBlock {
		return nil, fmt.Errorf("malloc: region max block size must be a power of two >= %d, got %d",
			minBlock, maxBlock)
	}
	if len(mem) < maxBlock || len(mem)%maxBlock != 0 {
		return nil, fmt.Errorf("malloc: region size must be a multiple of %d bytes, got %d", maxBlock, len(mem))
	}
	if !align.IsAligned(dataAddr(mem), align.MaxAlignment) {
		return nil, fmt.Errorf("malloc: region must be aligned to %d bytes", align.MaxAlignment)
	}

	minShift := bits.TrailingZeros(uint(minBlock))
	maxOrder := bits.TrailingZeros(uint(maxBlock)) - minShift
	r := &Region{
		mem:           mem,
		start:         unsafe.Pointer(unsafe.SliceData(mem)),
		freeLists:     make([][]int, maxOrder+1),
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxOrder,
	}
	r.Reset()
	return r, nil
}

// AllocateNode returns size bytes, or ErrOutOfMemory if no large enough block is free.
func (r *Region) AllocateNode(size, alignment int) ([]byte, error) {
	if err := allocator.CheckAllocationSize(r.info(), "node size", size, r.MaxNodeSize()); err != nil {
		return nil, err
	}
	if err := allocator.CheckAllocationSize(r.info(), "alignment", alignment, align.MaxAlignment); err != nil {
		return nil, err
	}
	order := r.orderFor(size + regionHeaderSize)
	offset, ok := r.pop(order)
	if !ok {
		return nil, allocator.OutOfMemory(r.info(), size)
	}

	hdr := unsafe.Add(r.start, offset)
	*(*uint32)(hdr) = regionMagic
	*(*uint32)(unsafe.Add(hdr, 4)) = uint32(size)
	blockSize := r.minBlockSize << order
	return unsafe.Slice((*byte)(unsafe.Add(hdr, regionHeaderSize)), blockSize-regionHeaderSize)[:size], nil
}

// pop removes a free block of the given order, splitting or merging larger ones as needed.
func (r *Region) pop(order int) (int, bool) {
	found := -1
	for o := order; o <= r.maxBlockOrder; o++ {
		if len(r.freeLists[o]) > 0 {
			found = o
			break
		}
	}
	if found == -1 {
		if !r.needsCoalesce {
			return 0, false
		}
		if found = r.coalesce(order); found == -1 {
			r.needsCoalesce = false
			return 0, false
		}
	}

	freeList := r.freeLists[found]
	n := len(freeList) - 1
	offset := freeList[n]
	r.freeLists[found] = freeList[:n]

	// the left half keeps the offset, the right half becomes free
	for found > order {
		found--
		r.freeLists[found] = append(r.freeLists[found], offset+(r.minBlockSize<<found))
	}
	return offset, true
}

// DeallocateNode gives back a node returned by AllocateNode.
// Nodes not allocated from r and double frees are reported to the invalid pointer handler.
func (r *Region) DeallocateNode(node []byte, size, alignment int) {
	ptr := dataAddr(node)
	offset := int(ptr-uintptr(r.start)) - regionHeaderSize
	if ptr < uintptr(r.start) || offset < 0 || offset >= len(r.mem) || offset&(r.minBlockSize-1) != 0 {
		debugging.CheckPointer(false, r.info(), ptr)
		return
	}

	hdr := unsafe.Add(r.start, offset)
	if *(*uint32)(hdr) != regionMagic {
		debugging.CheckDoubleDealloc(false, r.info(), ptr)
		return
	}
	order := r.orderFor(int(*(*uint32)(unsafe.Add(hdr, 4))) + regionHeaderSize)
	if offset&(r.minBlockSize<<order-1) != 0 {
		debugging.CheckPointer(false, r.info(), ptr)
		return
	}

	*(*uint32)(hdr) = 0
	r.freeLists[order] = append(r.freeLists[order], offset)
	if order < r.maxBlockOrder {
		r.needsCoalesce = true
	}
}

func (r *Region) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := allocator.ArraySize(count, size)
	if !ok {
		n = r.MaxArraySize() + 1
	}
	if err := allocator.CheckAllocationSize(r.info(), "array size", n, r.MaxArraySize()); err != nil {
		return nil, err
	}
	return r.AllocateNode(n, alignment)
}

func (r *Region) DeallocateArray(array []byte, count, size, alignment int) {
	r.DeallocateNode(array, count*size, alignment)
}

func (r *Region) MaxNodeSize() int { return r.maxBlockSize - regionHeaderSize }

func (r *Region) MaxArraySize() int { return r.MaxNodeSize() }

func (r *Region) MaxAlignment() int { return align.MaxAlignment }

// Available returns the total free bytes available for allocation.
func (r *Region) Available() int {
	total := 0
	for order, freeList := range r.freeLists {
		total += len(freeList) * ((r.minBlockSize << order) - regionHeaderSize)
	}
	return total
}

// coalesce merges free buddies below targetOrder until a block of at least targetOrder is free.
// It returns the order of that block, or -1.
func (r *Region) coalesce(targetOrder int) int {
	merged := 0
	for order := 0; order < targetOrder; order++ {
		freeList := r.freeLists[order]
		if len(freeList) < 2 {
			continue
		}
		// buddies become adjacent once sorted, free lists are mostly sorted already
		for i := 1; i < len(freeList); i++ {
			for j := i; j > 0 && freeList[j] < freeList[j-1]; j-- {
				freeList[j], freeList[j-1] = freeList[j-1], freeList[j]
			}
		}

		blockSize := r.minBlockSize << order
		n := 0
		for i := 0; i < len(freeList); {
			offset := freeList[i]
			if i+1 < len(freeList) && freeList[i+1] == offset^blockSize {
				r.freeLists[order+1] = append(r.freeLists[order+1], offset&^blockSize)
				merged++
				i += 2
			} else {
				freeList[n] = offset
				n++
				i++
			}
		}
		r.freeLists[order] = freeList[:n]
	}
	debugging.Logger().Debug("region coalesced",
		zap.Int("target_order", targetOrder),
		zap.Int("merged", merged))

	for o := targetOrder; o <= r.maxBlockOrder; o++ {
		if len(r.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// Reset frees all nodes at once.
func (r *Region) Reset() {
	for i := range r.freeLists {
		r.freeLists[i] = r.freeLists[i][:0]
	}
	for off := 0; off < len(r.mem); off += r.maxBlockSize {
		r.freeLists[r.maxBlockOrder] = append(r.freeLists[r.maxBlockOrder], off)
	}
	r.needsCoalesce = false
}

// orderFor returns the smallest order of a block holding size bytes.
func (r *Region) orderFor(size int) int {
	if size <= r.minBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - r.minBlockShift
}

func (r *Region) info() debugging.AllocatorInfo {
	return debugging.AllocatorInfo{
		Name:    "memkit::malloc::Region",
		Address: uintptr(unsafe.Pointer(r)),
	}
}
