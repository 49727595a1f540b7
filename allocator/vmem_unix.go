//go:build unix

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

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

const vmemMaxSize = math.MaxInt32

var vmemInfo = debugging.AllocatorInfo{Name: "memkit::allocator::VirtualMemory"}

// VirtualMemory maps anonymous private pages for every node.
// Sizes are rounded up to whole pages, so it is meant as a block source for arenas.
type VirtualMemory struct{ Stateless }

var _ RawAllocator = VirtualMemory{}

// PageSize returns the size of a virtual memory page.
func PageSize() int {
	return unix.Getpagesize()
}

func (v VirtualMemory) AllocateNode(size, alignment int) ([]byte, error) {
	if err := CheckAllocationSize(vmemInfo, "node size", size, vmemMaxSize); err != nil {
		return nil, err
	}
	if err := CheckAllocationSize(vmemInfo, "alignment", alignment, v.MaxAlignment()); err != nil {
		return nil, err
	}
	n := align.RoundUp(max(size, 1), PageSize())
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, n, err)
	}
	return b[:size], nil
}

func (VirtualMemory) DeallocateNode(node []byte, size, alignment int) {
	// unix.Munmap looks up the mapping by its full capacity
	err := unix.Munmap(node[:cap(node)])
	debugging.CheckPointer(err == nil, vmemInfo, dataAddr(node))
}

func (v VirtualMemory) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := ArraySize(count, size)
	if !ok {
		n = math.MaxInt
	}
	if err := CheckAllocationSize(vmemInfo, "array size", n, vmemMaxSize); err != nil {
		return nil, err
	}
	return v.AllocateNode(n, alignment)
}

func (v VirtualMemory) DeallocateArray(array []byte, count, size, alignment int) {
	v.DeallocateNode(array, 0, alignment)
}

func (VirtualMemory) MaxNodeSize() int { return vmemMaxSize }

func (VirtualMemory) MaxArraySize() int { return vmemMaxSize }

// MaxAlignment returns the page size, every node starts at a page boundary.
func (VirtualMemory) MaxAlignment() int { return PageSize() }
