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

// Package align contains the alignment helpers shared by the allocators.
package align

import "math/bits"

// MaxAlignment is the strictest alignment any allocator in this module hands out.
// It matches what malloc guarantees on 64-bit platforms.
const MaxAlignment = 16

// IsValidAlignment reports whether a is a non-zero power of two.
func IsValidAlignment(a int) bool {
	return a > 0 && a&(a-1) == 0
}

// AlignOffset returns the number of bytes needed to move addr up to the next multiple of alignment.
// alignment must be a power of two.
func AlignOffset(addr uintptr, alignment int) int {
	misaligned := int(addr & uintptr(alignment-1))
	if misaligned == 0 {
		return 0
	}
	return alignment - misaligned
}

// IsAligned reports whether addr is a multiple of alignment.
func IsAligned(addr uintptr, alignment int) bool {
	return addr&uintptr(alignment-1) == 0
}

// AlignmentFor returns the minimum alignment sufficient for an object of the given size:
// the largest power of two <= size, capped at MaxAlignment.
func AlignmentFor(size int) int {
	if size >= MaxAlignment {
		return MaxAlignment
	}
	if size <= 1 {
		return 1
	}
	return 1 << ILog2(uint(size))
}

// RoundUp rounds n up to a multiple of alignment, which must be a power of two.
func RoundUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// ILog2 returns floor(log2(x)). x must not be 0.
//
//	1 -> 0, 2 -> 1, 3 -> 1, 4 -> 2, 5 -> 2
func ILog2(x uint) int {
	return bits.Len(x) - 1
}

// ILog2Ceil returns ceil(log2(x)). x must not be 0.
//
//	1 -> 0, 2 -> 1, 3 -> 2, 4 -> 2, 5 -> 3
func ILog2Ceil(x uint) int {
	if x&(x-1) == 0 {
		return bits.Len(x) - 1
	}
	return bits.Len(x)
}
