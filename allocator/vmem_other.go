//go:build !unix

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
	"os"

	"github.com/cloudwego/memkit/internal/align"
)

// VirtualMemory is not available on this platform, all allocations fail with ErrUnsupported.
type VirtualMemory struct{ Stateless }

var _ RawAllocator = VirtualMemory{}

// PageSize returns the size of a virtual memory page.
func PageSize() int {
	return os.Getpagesize()
}

func (VirtualMemory) AllocateNode(size, alignment int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (VirtualMemory) DeallocateNode(node []byte, size, alignment int) {}

func (VirtualMemory) AllocateArray(count, size, alignment int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (VirtualMemory) DeallocateArray(array []byte, count, size, alignment int) {}

func (VirtualMemory) MaxNodeSize() int { return 0 }

func (VirtualMemory) MaxArraySize() int { return 0 }

func (VirtualMemory) MaxAlignment() int { return align.MaxAlignment }
