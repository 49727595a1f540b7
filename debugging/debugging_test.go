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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	old := SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(old) })
	return logs
}

func TestFillNewFillFree(t *testing.T) {
	const nodeSize, fence = 5, 4
	slot := make([]byte, nodeSize+2*fence)

	node := FillNew(slot, nodeSize, fence)
	require.Equal(t, nodeSize, len(node))
	require.Equal(t, nodeSize, cap(node))
	for i := 0; i < fence; i++ {
		assert.Equal(t, byte(FenceMemory), slot[i])
		assert.Equal(t, byte(FenceMemory), slot[fence+nodeSize+i])
	}
	for _, b := range node {
		assert.Equal(t, byte(NewMemory), b)
	}

	called := false
	old := SetBufferOverflowHandler(func(uintptr, int, uintptr) { called = true })
	defer SetBufferOverflowHandler(old)

	node[0] = 42
	FillFree(slot, nodeSize, fence)
	assert.False(t, called)
	for _, b := range node {
		assert.Equal(t, byte(FreedMemory), b)
	}
}

func TestFillFreeDetectsOverflow(t *testing.T) {
	const nodeSize, fence = 8, 8
	slot := make([]byte, nodeSize+2*fence)
	FillNew(slot, nodeSize, fence)

	// offsets are taken inside the handler, the stack may move afterwards
	gotNode, gotWrite := -1, -1
	var gotSize int
	old := SetBufferOverflowHandler(func(mem uintptr, size int, writePtr uintptr) {
		base := addressOf(slot)
		gotNode, gotSize, gotWrite = int(mem-base), size, int(writePtr-base)
	})
	defer SetBufferOverflowHandler(old)

	// one byte past the end of the node
	slot[fence+nodeSize+2] = 0
	FillFree(slot, nodeSize, fence)

	assert.Equal(t, fence, gotNode)
	assert.Equal(t, nodeSize, gotSize)
	assert.Equal(t, fence+nodeSize+2, gotWrite)
}

func TestDefaultInvalidPointerHandler(t *testing.T) {
	logs := observeLogs(t)
	info := AllocatorInfo{Name: "memkit::test", Address: 0x1000}

	assert.PanicsWithValue(t,
		"[memkit] Deallocation function of allocator memkit::test (at 0x1000) received invalid pointer 0x2a",
		func() { CheckPointer(false, info, 42) })

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "memkit::test", entry.ContextMap()["allocator"])

	assert.NotPanics(t, func() { CheckPointer(true, info, 42) })
	assert.Panics(t, func() { CheckDoubleDealloc(false, info, 42) })
}

func TestSetHandlers(t *testing.T) {
	var got []uintptr
	h := InvalidPointerHandler(func(_ AllocatorInfo, ptr uintptr) { got = append(got, ptr) })
	old := SetInvalidPointerHandler(h)
	defer SetInvalidPointerHandler(old)

	CheckPointer(false, AllocatorInfo{}, 1)
	CheckDoubleDealloc(false, AllocatorInfo{}, 2)
	assert.Equal(t, []uintptr{1, 2}, got)

	// nil restores the default
	SetInvalidPointerHandler(nil)
	assert.Panics(t, func() { CheckPointer(false, AllocatorInfo{}, 3) })
}

func TestLeakHandler(t *testing.T) {
	logs := observeLogs(t)
	info := AllocatorInfo{Name: "memkit::pool", Address: 0x10}

	CheckLeak(info, 0)
	assert.Equal(t, 0, logs.Len())

	CheckLeak(info, 64)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "[memkit] Allocator memkit::pool (at 0x10) leaked 64 bytes", entry.Message)
	assert.EqualValues(t, 64, entry.ContextMap()["bytes"])

	var leaked int
	old := SetLeakHandler(func(_ AllocatorInfo, amount int) { leaked = amount })
	defer SetLeakHandler(old)
	CheckLeak(info, 8)
	assert.Equal(t, 8, leaked)
}

func TestAllocatorInfoString(t *testing.T) {
	assert.Equal(t, "memkit::x (at 0xff)", AllocatorInfo{Name: "memkit::x", Address: 0xff}.String())
}
