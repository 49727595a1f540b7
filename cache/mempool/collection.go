/*
 * Copyright 2024 CloudWeGo Authors
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

// Package mempool provides a collection of small object pools bucketed by power of two size classes,
// and a process wide thread-safe instance behind Malloc and Free.
package mempool

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/cloudwego/memkit/allocator"
	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
	"github.com/cloudwego/memkit/unsafex/malloc"
)

const (
	minNodeSize = 1       // size of the first bucket
	maxNodeSize = 1 << 30 // max Options.MaxNodeSize
)

// bits2idx maps bits.Len to the index of a bucket.
// for size <= minNodeSize, bits2idx maps to buckets[0] which is expected.
var bits2idx [64]int

func init() {
	i := 0
	for sz := minNodeSize; sz <= maxNodeSize; sz <<= 1 {
		bits2idx[bits.Len(uint(sz))] = i
		i++
	}
}

// poolIndex returns index of a bucket which fits the given size `sz`
func poolIndex(sz int) int {
	if sz <= minNodeSize {
		return 0
	}
	i := bits2idx[bits.Len(uint(sz))]
	if uint(sz)&(uint(sz)-1) == 0 {
		// if power of two, it fits perfectly
		// like `8` should be in buckets[3], but `9` in buckets[4]
		return i
	}
	return i + 1
}

// Options configures a Collection.
type Options struct {
	// MaxNodeSize is the node size of the largest bucket, rounded up to a power of two.
	MaxNodeSize int

	// BlockSize is the size of the blocks inserted into a bucket when it runs empty.
	BlockSize int

	// Allocator is the upstream allocator of the shared arena.
	Allocator allocator.RawAllocator
}

// DefaultOptions returns the default Options: buckets up to 1KB fed by 16KB blocks from the Go heap.
func DefaultOptions() Options {
	return Options{
		MaxNodeSize: 1 << 10,
		BlockSize:   16 << 10,
		Allocator:   allocator.DefaultAllocator,
	}
}

// Collection serves nodes of any size up to MaxNodeSize from power of two buckets.
// Every bucket is a malloc.SmallFreeList, all of them grow from one shared arena.
//
// A node must be deallocated with a size and alignment picking the same bucket,
// the size and alignment it was allocated with always do.
// Collection is NOT safe for concurrent use, wrap it with allocator.NewThreadSafe.
type Collection struct {
	buckets []*malloc.SmallFreeList
	total   []int // nodes inserted per bucket
	arena   *malloc.Arena
}

var _ allocator.RawAllocator = (*Collection)(nil)

// NewCollection creates a Collection. Buckets grow lazily on first use.
func NewCollection(opts Options) (*Collection, error) {
	if opts.MaxNodeSize < minNodeSize || opts.MaxNodeSize > maxNodeSize {
		return nil, fmt.Errorf("mempool: max node size must be in [%d, %d], got %d",
			minNodeSize, maxNodeSize, opts.MaxNodeSize)
	}
	n := poolIndex(opts.MaxNodeSize) + 1
	largest := minNodeSize << (n - 1)
	if need := malloc.MinBlockSize(largest); opts.BlockSize < need {
		return nil, fmt.Errorf("mempool: block size %d too small for node size %d, need at least %d",
			opts.BlockSize, largest, need)
	}
	arena, err := malloc.NewArena(malloc.Options{
		BlockSize:    opts.BlockSize,
		GrowthFactor: 1,
		MaxBlockSize: opts.BlockSize,
		Allocator:    opts.Allocator,
	})
	if err != nil {
		return nil, err
	}
	c := &Collection{
		buckets: make([]*malloc.SmallFreeList, n),
		total:   make([]int, n),
		arena:   arena,
	}
	for i := range c.buckets {
		c.buckets[i] = malloc.NewSmallFreeList(minNodeSize << i)
	}
	return c, nil
}

// bucketIndex returns the bucket serving size bytes aligned to alignment.
// Buckets of node size s are aligned to min(s, align.MaxAlignment).
func bucketIndex(size, alignment int) int {
	return poolIndex(max(size, alignment))
}

func (c *Collection) allocate(size, alignment int) ([]byte, error) {
	i := bucketIndex(size, alignment)
	l := c.buckets[i]
	node := l.Allocate()
	if node == nil {
		if err := c.grow(i); err != nil {
			return nil, err
		}
		if node = l.Allocate(); node == nil {
			return nil, allocator.OutOfMemory(c.info(), l.NodeSize())
		}
	}
	return node[:size], nil
}

// grow inserts a new arena block into bucket i.
func (c *Collection) grow(i int) error {
	l := c.buckets[i]
	block, err := c.arena.Allocate()
	if err != nil {
		return fmt.Errorf("mempool: grow bucket of node size %d: %w", l.NodeSize(), err)
	}
	before := l.Capacity()
	l.Insert(block)
	c.total[i] += l.Capacity() - before
	return nil
}

// AllocateNode returns a node of size bytes. Its capacity is the node size of its bucket.
func (c *Collection) AllocateNode(size, alignment int) ([]byte, error) {
	if err := c.check("node size", size, alignment); err != nil {
		return nil, err
	}
	return c.allocate(size, alignment)
}

func (c *Collection) DeallocateNode(node []byte, size, alignment int) {
	c.buckets[bucketIndex(size, alignment)].Deallocate(node)
}

func (c *Collection) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := allocator.ArraySize(count, size)
	if !ok {
		n = c.MaxNodeSize() + 1
	}
	if err := c.check("array size", n, alignment); err != nil {
		return nil, err
	}
	return c.allocate(n, alignment)
}

func (c *Collection) DeallocateArray(array []byte, count, size, alignment int) {
	c.buckets[bucketIndex(count*size, alignment)].Deallocate(array)
}

func (c *Collection) check(kind string, size, alignment int) error {
	if err := allocator.CheckAllocationSize(c.info(), kind, size, c.MaxNodeSize()); err != nil {
		return err
	}
	return allocator.CheckAllocationSize(c.info(), "alignment", alignment, align.MaxAlignment)
}

func (c *Collection) MaxNodeSize() int {
	return c.buckets[len(c.buckets)-1].NodeSize()
}

func (c *Collection) MaxArraySize() int {
	return c.MaxNodeSize()
}

func (c *Collection) MaxAlignment() int {
	return align.MaxAlignment
}

// Buckets returns the number of buckets.
func (c *Collection) Buckets() int {
	return len(c.buckets)
}

// Capacity returns the number of free nodes in the bucket serving size bytes.
func (c *Collection) Capacity(size int) int {
	if size > c.MaxNodeSize() {
		return 0
	}
	return c.buckets[poolIndex(size)].Capacity()
}

// Owns reports whether buf was allocated from c.
func (c *Collection) Owns(buf []byte) bool {
	return cap(buf) > 0 && c.arena.Owns(buf)
}

// Reserve makes sure the bucket serving size bytes holds at least n free nodes.
func (c *Collection) Reserve(size, n int) error {
	if err := c.check("node size", size, 1); err != nil {
		return err
	}
	i := poolIndex(size)
	for c.buckets[i].Capacity() < n {
		if err := c.grow(i); err != nil {
			return err
		}
	}
	return nil
}

// Close gives all memory back to the upstream allocator.
// Debug builds report nodes that are still allocated to the leak handler.
func (c *Collection) Close() {
	if debugging.Enabled {
		leaked := 0
		for i, l := range c.buckets {
			leaked += (c.total[i] - l.Capacity()) * l.NodeSize()
		}
		debugging.CheckLeak(c.info(), leaked)
	}
	for i, l := range c.buckets {
		c.buckets[i] = malloc.NewSmallFreeList(l.NodeSize())
		c.total[i] = 0
	}
	c.arena.Close()
}

func (c *Collection) info() debugging.AllocatorInfo {
	return debugging.AllocatorInfo{
		Name:    "memkit::mempool::Collection",
		Address: uintptr(unsafe.Pointer(c)),
	}
}
