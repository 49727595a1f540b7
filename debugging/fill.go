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

package debugging

import "unsafe"

// Magic is a byte pattern painted over memory in debug builds.
type Magic byte

const (
	// InternalMemory marks memory used by the allocator itself.
	InternalMemory Magic = 0xAB
	// InternalFreedMemory marks allocator memory that is currently unused.
	InternalFreedMemory Magic = 0xFB
	// NewMemory marks memory handed out but not yet written by the caller.
	NewMemory Magic = 0xCD
	// FreedMemory marks memory given back to an allocator.
	FreedMemory Magic = 0xDD
	// AlignmentMemory marks padding skipped to reach an alignment boundary.
	AlignmentMemory Magic = 0xED
	// FenceMemory marks the guard bytes placed before and after a node.
	FenceMemory Magic = 0xFD
)

// Fill paints b with m.
func Fill(b []byte, m Magic) {
	for i := range b {
		b[i] = byte(m)
	}
}

// FillNew paints a freshly allocated slot laid out as [fence][node][fence]
// and returns the node part.
func FillNew(slot []byte, nodeSize, fence int) []byte {
	Fill(slot[:fence], FenceMemory)
	node := slot[fence : fence+nodeSize : fence+nodeSize]
	Fill(node, NewMemory)
	Fill(slot[fence+nodeSize:fence+nodeSize+fence], FenceMemory)
	return node
}

// FillFree poisons the node part of a slot laid out as [fence][node][fence]
// and verifies both fences. A damaged fence is reported to the buffer overflow handler.
func FillFree(slot []byte, nodeSize, fence int) {
	node := slot[fence : fence+nodeSize]
	Fill(node, FreedMemory)
	checkFence(slot[:fence], node)
	checkFence(slot[fence+nodeSize:fence+nodeSize+fence], node)
}

func checkFence(fence, node []byte) {
	for i := range fence {
		if fence[i] != byte(FenceMemory) {
			GetBufferOverflowHandler()(addressOf(node), len(node), addressOf(fence[i:]))
			return
		}
	}
}

func addressOf(b []byte) uintptr {
	return *(*uintptr)(unsafe.Pointer(&b))
}
