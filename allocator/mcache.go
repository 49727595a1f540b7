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

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

const mcacheMaxSize = 1 << 30

var mcacheInfo = debugging.AllocatorInfo{Name: "memkit::allocator::MCache"}

// MCache allocates from the power of two size classes of mcache.
// Nodes are rounded up to a size class, which also makes them max aligned.
// Deallocated nodes are put back into their size class for reuse.
type MCache struct{ Stateless }

var _ RawAllocator = MCache{}

func (MCache) AllocateNode(size, alignment int) ([]byte, error) {
	if err := CheckAllocationSize(mcacheInfo, "node size", size, mcacheMaxSize); err != nil {
		return nil, err
	}
	if err := CheckAllocationSize(mcacheInfo, "alignment", alignment, align.MaxAlignment); err != nil {
		return nil, err
	}
	// keep the full capacity, mcache.Free uses it to find the size class
	return mcache.Malloc(max(size, align.MaxAlignment))[:size], nil
}

func (MCache) DeallocateNode(node []byte, size, alignment int) {
	mcache.Free(node)
}

func (m MCache) AllocateArray(count, size, alignment int) ([]byte, error) {
	n, ok := ArraySize(count, size)
	if !ok {
		n = math.MaxInt
	}
	if err := CheckAllocationSize(mcacheInfo, "array size", n, mcacheMaxSize); err != nil {
		return nil, err
	}
	return m.AllocateNode(n, alignment)
}

func (MCache) DeallocateArray(array []byte, count, size, alignment int) {
	mcache.Free(array)
}

func (MCache) MaxNodeSize() int { return mcacheMaxSize }

func (MCache) MaxArraySize() int { return mcacheMaxSize }

func (MCache) MaxAlignment() int { return align.MaxAlignment }
