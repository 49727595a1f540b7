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
	"math"
	"math/bits"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

// ArraySize returns count*size, or false if the product overflows or an operand is negative.
func ArraySize(count, size int) (int, bool) {
	if count < 0 || size < 0 {
		return 0, false
	}
	hi, lo := bits.Mul(uint(count), uint(size))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

const heapMaxSize = math.MaxInt32

var heapInfo = debugging.AllocatorInfo{Name: "memkit::allocator::Heap"}

// Heap allocates from the Go heap without zeroing.
// Deallocation is a no-op, the memory is reclaimed by the garbage collector
// once it is no longer referenced.
type Heap struct{ Stateless }

var _ RawAllocator = Heap{}

func (h Heap) AllocateNode(size, alignment int) ([]byte, error) {
	if err := h.check(size, alignment, "node size"); err != nil {
		return nil, err
	}
	return heapAlloc(size, alignment), nil
}

func (Heap) DeallocateNode(node []byte, size, alignment int) {}

func (h Heap) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := ArraySize(count, size)
	if !ok {
		n = math.MaxInt
	}
	if err := h.check(n, alignment, "array size"); err != nil {
		return nil, err
	}
	return heapAlloc(n, alignment), nil
}

func (Heap) DeallocateArray(array []byte, count, size, alignment int) {}

func (Heap) MaxNodeSize() int { return heapMaxSize }

func (Heap) MaxArraySize() int { return heapMaxSize }

func (Heap) MaxAlignment() int { return align.MaxAlignment }

func (Heap) check(size, alignment int, kind string) error {
	if err := CheckAllocationSize(heapInfo, kind, size, heapMaxSize); err != nil {
		return err
	}
	return CheckAllocationSize(heapInfo, "alignment", alignment, align.MaxAlignment)
}

func heapAlloc(size, alignment int) []byte {
	if alignment <= 1 {
		return dirtmake.Bytes(size, size)
	}
	n := size + alignment - 1
	buf := dirtmake.Bytes(n, n)
	off := align.AlignOffset(uintptr(unsafe.Pointer(unsafe.SliceData(buf))), alignment)
	return buf[off : off+size : off+size]
}

// dataAddr returns the address of the first element of b, valid for empty slices.
func dataAddr(b []byte) uintptr {
	return *(*uintptr)(unsafe.Pointer(&b))
}
