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

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// AllocatorInfo identifies an allocator in reports: a name and the address of the instance.
type AllocatorInfo struct {
	Name    string
	Address uintptr
}

func (i AllocatorInfo) String() string {
	return fmt.Sprintf("%s (at %#x)", i.Name, i.Address)
}

// InvalidPointerHandler is called when a deallocation function receives a pointer
// it never handed out, or one that is already free.
// It must not return normally in production code; the default one panics.
type InvalidPointerHandler func(info AllocatorInfo, ptr uintptr)

// BufferOverflowHandler is called when a fence around a node of size bytes at mem
// has been overwritten at writePtr. The default one panics.
type BufferOverflowHandler func(mem uintptr, size int, writePtr uintptr)

// LeakHandler is called when an allocator is closed while amount bytes are still in use.
// The default one logs and returns.
type LeakHandler func(info AllocatorInfo, amount int)

var (
	invalidPointerHandler atomic.Pointer[InvalidPointerHandler]
	bufferOverflowHandler atomic.Pointer[BufferOverflowHandler]
	leakHandler           atomic.Pointer[LeakHandler]
)

var (
	defaultInvalidPointer = InvalidPointerHandler(defaultInvalidPointerHandler)
	defaultBufferOverflow = BufferOverflowHandler(defaultBufferOverflowHandler)
	defaultLeak           = LeakHandler(defaultLeakHandler)
)

func defaultInvalidPointerHandler(info AllocatorInfo, ptr uintptr) {
	msg := fmt.Sprintf("[memkit] Deallocation function of allocator %s (at %#x) received invalid pointer %#x",
		info.Name, info.Address, ptr)
	Logger().Error(msg,
		zap.String("allocator", info.Name),
		zap.Uintptr("address", info.Address),
		zap.Uintptr("pointer", ptr))
	panic(msg)
}

func defaultBufferOverflowHandler(mem uintptr, size int, writePtr uintptr) {
	msg := fmt.Sprintf("[memkit] Buffer overflow at address %#x detected, corresponding memory block %#x has only size %d",
		writePtr, mem, size)
	Logger().Error(msg,
		zap.Uintptr("block", mem),
		zap.Int("size", size),
		zap.Uintptr("pointer", writePtr))
	panic(msg)
}

func defaultLeakHandler(info AllocatorInfo, amount int) {
	Logger().Warn(fmt.Sprintf("[memkit] Allocator %s (at %#x) leaked %d bytes", info.Name, info.Address, amount),
		zap.String("allocator", info.Name),
		zap.Uintptr("address", info.Address),
		zap.Int("bytes", amount))
}

// SetInvalidPointerHandler installs h and returns the previous handler.
// A nil h restores the default.
func SetInvalidPointerHandler(h InvalidPointerHandler) InvalidPointerHandler {
	if h == nil {
		h = defaultInvalidPointer
	}
	if old := invalidPointerHandler.Swap(&h); old != nil {
		return *old
	}
	return defaultInvalidPointer
}

// GetInvalidPointerHandler returns the current handler, never nil.
func GetInvalidPointerHandler() InvalidPointerHandler {
	if h := invalidPointerHandler.Load(); h != nil {
		return *h
	}
	return defaultInvalidPointer
}

// SetBufferOverflowHandler installs h and returns the previous handler.
// A nil h restores the default.
func SetBufferOverflowHandler(h BufferOverflowHandler) BufferOverflowHandler {
	if h == nil {
		h = defaultBufferOverflow
	}
	if old := bufferOverflowHandler.Swap(&h); old != nil {
		return *old
	}
	return defaultBufferOverflow
}

// GetBufferOverflowHandler returns the current handler, never nil.
func GetBufferOverflowHandler() BufferOverflowHandler {
	if h := bufferOverflowHandler.Load(); h != nil {
		return *h
	}
	return defaultBufferOverflow
}

// SetLeakHandler installs h and returns the previous handler.
// A nil h restores the default.
func SetLeakHandler(h LeakHandler) LeakHandler {
	if h == nil {
		h = defaultLeak
	}
	if old := leakHandler.Swap(&h); old != nil {
		return *old
	}
	return defaultLeak
}

// GetLeakHandler returns the current handler, never nil.
func GetLeakHandler() LeakHandler {
	if h := leakHandler.Load(); h != nil {
		return *h
	}
	return defaultLeak
}

// CheckPointer reports ptr as invalid unless ok.
func CheckPointer(ok bool, info AllocatorInfo, ptr uintptr) {
	if !ok {
		GetInvalidPointerHandler()(info, ptr)
	}
}

// CheckDoubleDealloc reports ptr as freed twice unless ok.
// Double frees go through the invalid pointer handler.
func CheckDoubleDealloc(ok bool, info AllocatorInfo, ptr uintptr) {
	if !ok {
		GetInvalidPointerHandler()(info, ptr)
	}
}

// CheckLeak reports amount leaked bytes if it is not zero.
func CheckLeak(info AllocatorInfo, amount int) {
	if amount != 0 {
		GetLeakHandler()(info, amount)
	}
}
