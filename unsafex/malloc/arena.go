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

	"go.uber.org/zap"

	"github.com/cloudwego/memkit/allocator"
	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

// Options configures an Arena and the pools built on it.
type Options struct {
	// BlockSize is the size of the first block.
	BlockSize int

	// GrowthFactor multiplies the block size after every new block. 1 disables growth.
	GrowthFactor float64

	// MaxBlockSize caps the block size when growing.
	MaxBlockSize int

	// Allocator is the upstream allocator blocks are taken from.
	Allocator allocator.RawAllocator
}

// DefaultOptions returns the default Options: 4KB blocks doubling up to 1MB, taken from allocator.DefaultAllocator.
func DefaultOptions() Options {
	return Options{
		BlockSize:    4 << 10,
		GrowthFactor: 2,
		MaxBlockSize: 1 << 20,
		Allocator:    allocator.DefaultAllocator,
	}
}

func (o *Options) validate() error {
	if o.Allocator == nil {
		o.Allocator = allocator.DefaultAllocator
	}
	if o.BlockSize <= 0 {
		return fmt.Errorf("malloc: block size must be > 0, got %d", o.BlockSize)
	}
	if o.MaxBlockSize < o.BlockSize {
		o.MaxBlockSize = o.BlockSize
	}
	if o.GrowthFactor < 1 {
		return fmt.Errorf("malloc: growth factor must be >= 1, got %v", o.GrowthFactor)
	}
	if o.MaxBlockSize > o.Allocator.MaxNodeSize() {
		return fmt.Errorf("malloc: max block size %d exceeds max node size %d of upstream allocator",
			o.MaxBlockSize, o.Allocator.MaxNodeSize())
	}
	return nil
}

// arenaBlock is a memory block taken from upstream.
type arenaBlock struct {
	raw       []byte // as returned by upstream
	mem       []byte // max aligned part handed out
	alignment int    // passed upstream
}

// Arena hands out max aligned memory blocks taken from an upstream allocator
// and gives all of them back on Close.
//
// Blocks are released in reverse order and cached for reuse until Shrink or Close.
// Arena is NOT safe for concurrent use.
type Arena struct {
	opts   Options
	next   int
	used   []arenaBlock
	cached []arenaBlock
}

// NewArena creates an Arena. No memory is allocated before the first call to Allocate.
func NewArena(opts Options) (*Arena, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Arena{opts: opts, next: opts.BlockSize}, nil
}

// Allocate returns a new block, reusing a cached one if possible.
// The block is aligned to align.MaxAlignment.
func (a *Arena) Allocate() ([]byte, error) {
	if n := len(a.cached); n > 0 {
		b := a.cached[n-1]
		a.cached = a.cached[:n-1]
		a.used = append(a.used, b)
		return b.mem, nil
	}

	size := a.next
	b, err := a.allocateBlock(size)
	if err != nil {
		return nil, err
	}
	a.used = append(a.used, b)
	a.next = min(int(float64(a.next)*a.opts.GrowthFactor), a.opts.MaxBlockSize)
	debugging.Logger().Debug("arena allocated block",
		zap.Int("size", size),
		zap.Int("blocks", len(a.used)),
		zap.Int("next", a.next))
	return b.mem, nil
}

func (a *Arena) allocateBlock(size int) (arenaBlock, error) {
	up := a.opts.Allocator
	if up.MaxAlignment() >= align.MaxAlignment {
		raw, err := up.AllocateNode(size, align.MaxAlignment)
		if err != nil {
			return arenaBlock{}, err
		}
		return arenaBlock{raw: raw, mem: raw, alignment: align.MaxAlignment}, nil
	}

	// align by hand
	raw, err := up.AllocateNode(size+align.MaxAlignment-1, 1)
	if err != nil {
		return arenaBlock{}, err
	}
	off := align.AlignOffset(dataAddr(raw), align.MaxAlignment)
	if debugging.Enabled {
		debugging.Fill(raw[:off], debugging.AlignmentMemory)
	}
	return arenaBlock{raw: raw, mem: raw[off : off+size : off+size], alignment: 1}, nil
}

// Deallocate releases the most recently allocated block into the cache.
// It returns false if no block is in use.
func (a *Arena) Deallocate() bool {
	n := len(a.used)
	if n == 0 {
		return false
	}
	b := a.used[n-1]
	a.used[n-1] = arenaBlock{}
	a.used = a.used[:n-1]
	if debugging.Enabled {
		debugging.Fill(b.mem, debugging.InternalFreedMemory)
	}
	a.cached = append(a.cached, b)
	return true
}

// Current returns the most recently allocated block in use, or nil.
func (a *Arena) Current() []byte {
	if n := len(a.used); n > 0 {
		return a.used[n-1].mem
	}
	return nil
}

// Owns reports whether p lies in a block in use.
func (a *Arena) Owns(p []byte) bool {
	addr := dataAddr(p)
	for _, b := range a.used {
		begin := dataAddr(b.mem)
		if begin <= addr && addr < begin+uintptr(len(b.mem)) {
			return true
		}
	}
	return false
}

// Shrink gives all cached blocks back upstream.
func (a *Arena) Shrink() {
	for i, b := range a.cached {
		a.opts.Allocator.DeallocateNode(b.raw, len(b.raw), b.alignment)
		a.cached[i] = arenaBlock{}
	}
	a.cached = a.cached[:0]
}

// Close gives every block back upstream. The arena can be reused afterwards.
func (a *Arena) Close() {
	for len(a.used) > 0 {
		a.Deallocate()
	}
	a.Shrink()
	a.next = a.opts.BlockSize
}

// Size returns the number of blocks in use.
func (a *Arena) Size() int {
	return len(a.used)
}

// CacheSize returns the number of cached blocks.
func (a *Arena) CacheSize() int {
	return len(a.cached)
}

// NextBlockSize returns the size of the block the next Allocate returns.
func (a *Arena) NextBlockSize() int {
	if n := len(a.cached); n > 0 {
		return len(a.cached[n-1].mem)
	}
	return a.next
}

// Allocator returns the upstream allocator.
func (a *Arena) Allocator() allocator.RawAllocator {
	return a.opts.Allocator
}
