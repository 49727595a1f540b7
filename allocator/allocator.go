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

// Package allocator defines the contract shared by all memkit allocators
// and provides leaf allocators and decorators built on top of it.
package allocator

import (
	"errors"
	"fmt"

	"github.com/cloudwego/memkit/debugging"
)

// RawAllocator hands out raw memory as byte slices.
//
// A node or array must be given back with the same size, count and alignment it was allocated with.
// The returned slices have exactly the requested length. Their content is undefined.
type RawAllocator interface {
	AllocateNode(size, alignment int) ([]byte, error)
	DeallocateNode(node []byte, size, alignment int)

	AllocateArray(count, size, alignment int) ([]byte, error)
	DeallocateArray(array []byte, count, size, alignment int)

	// MaxNodeSize returns the max size accepted by AllocateNode.
	MaxNodeSize() int
	// MaxArraySize returns the max count*size accepted by AllocateArray.
	MaxArraySize() int
	// MaxAlignment returns the max alignment accepted by both allocation functions.
	MaxAlignment() int
}

// Stateless can be embedded by allocators without any per instance state.
// Decorators may skip synchronization for them.
type Stateless struct{}

// IsStateful implements the optional stateful tag of RawAllocator.
func (Stateless) IsStateful() bool { return false }

// IsStateful reports whether a keeps per instance state.
// Allocators are considered stateful unless they declare otherwise
// with an IsStateful method, for example by embedding Stateless.
func IsStateful(a RawAllocator) bool {
	if s, ok := a.(interface{ IsStateful() bool }); ok {
		return s.IsStateful()
	}
	return true
}

var (
	// ErrOutOfMemory is returned when an allocator cannot serve a request.
	ErrOutOfMemory = errors.New("allocator: out of memory")

	// ErrBadAllocationSize is returned when a request exceeds the limits of an allocator.
	ErrBadAllocationSize = errors.New("allocator: bad allocation size")

	// ErrUnsupported is returned by allocators not available on this platform.
	ErrUnsupported = errors.New("allocator: unsupported on this platform")
)

// BadAllocationSizeError describes a request exceeding the limits of an allocator.
// errors.Is(err, ErrBadAllocationSize) holds for it.
type BadAllocationSizeError struct {
	Info      debugging.AllocatorInfo
	Kind      string // "node size", "array size" or "alignment"
	Passed    int
	Supported int
}

func (e *BadAllocationSizeError) Error() string {
	if e.Passed < 0 {
		return fmt.Sprintf("allocator: %s %d of %s is negative", e.Kind, e.Passed, e.Info)
	}
	return fmt.Sprintf("allocator: %s %d of %s exceeds max %d", e.Kind, e.Passed, e.Info, e.Supported)
}

func (e *BadAllocationSizeError) Unwrap() error {
	return ErrBadAllocationSize
}

// CheckAllocationSize returns a *BadAllocationSizeError if passed is negative or passed > supported.
func CheckAllocationSize(info debugging.AllocatorInfo, kind string, passed, supported int) error {
	if passed < 0 || passed > supported {
		return &BadAllocationSizeError{Info: info, Kind: kind, Passed: passed, Supported: supported}
	}
	return nil
}

// OutOfMemory wraps ErrOutOfMemory with the identity of the allocator and the requested amount.
func OutOfMemory(info debugging.AllocatorInfo, amount int) error {
	return fmt.Errorf("%w: %s failed to allocate %d bytes", ErrOutOfMemory, info, amount)
}

// DefaultAllocator is used by arenas and pools when no upstream allocator is configured.
var DefaultAllocator RawAllocator = Heap{}
