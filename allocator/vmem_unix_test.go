//go:build unix

package allocator

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

func TestVirtualMemory(t *testing.T) {
	v := VirtualMemory{}
	page := PageSize()
	assert.Equal(t, page, v.MaxAlignment())

	b, err := v.AllocateNode(100, page)
	require.NoError(t, err)
	require.Len(t, b, 100)
	assert.Equal(t, page, cap(b))
	assert.True(t, align.IsAligned(uintptr(unsafe.Pointer(&b[0])), page))
	for i := range b[:cap(b)] {
		b[:cap(b)][i] = 0xff
	}
	v.DeallocateNode(b, 100, page)

	arr, err := v.AllocateArray(3, page, 16)
	require.NoError(t, err)
	assert.Len(t, arr, 3*page)
	v.DeallocateArray(arr, 3, page, 16)
}

func TestVirtualMemoryInvalidDeallocation(t *testing.T) {
	var got uintptr
	old := debugging.SetInvalidPointerHandler(func(_ debugging.AllocatorInfo, ptr uintptr) { got = ptr })
	defer debugging.SetInvalidPointerHandler(old)

	b := make([]byte, 16)
	VirtualMemory{}.DeallocateNode(b, 16, 1)
	assert.Equal(t, dataAddr(b), got)
}
