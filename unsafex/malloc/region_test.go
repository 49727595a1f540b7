package malloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/memkit/allocator"
	"github.com/cloudwego/memkit/debugging"
	"github.com/cloudwego/memkit/internal/align"
)

func newTestRegion(t *testing.T, size int) *Region {
	r, err := NewRegion(alignedBlock(size))
	require.NoError(t, err)
	return r
}

func overlaps(a, b []byte) bool {
	a0, b0 := dataAddr(a), dataAddr(b)
	return a0 < b0+uintptr(cap(b)) && b0 < a0+uintptr(cap(a))
}

func TestNewRegion(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		min     int
		max     int
		wantErr bool
	}{
		{"valid_custom", 64 * 1024, 1024, 64 * 1024, false},
		{"valid_same_min_max", 4096, 4096, 4096, false},
		{"valid_multi_root", 128 * 1024, 1024, 64 * 1024, false},
		{"min_not_pow2", 64 * 1024, 1000, 64 * 1024, true},
		{"max_not_pow2", 64 * 1024, 1024, 60000, true},
		{"min_gt_max", 64 * 1024, 8192, 4096, true},
		{"min_le_header", 64 * 1024, 16, 64 * 1024, true},
		{"region_not_multiple", 100 * 1024, 1024, 64 * 1024, true},
		{"region_too_small", 32 * 1024, 1024, 64 * 1024, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegionWithBlockSize(alignedBlock(tt.size), tt.min, tt.max)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewRegion(alignedBlock(DefaultRegionMaxBlockSize + 1)[1:])
	assert.Error(t, err)
}

func TestRegionAllocate(t *testing.T) {
	r := newTestRegion(t, 512*1024)

	b1, err := r.AllocateNode(1024, 16)
	require.NoError(t, err)
	assert.Len(t, b1, 1024)
	assert.Equal(t, DefaultRegionMinBlockSize-regionHeaderSize, cap(b1))
	assert.True(t, align.IsAligned(dataAddr(b1), align.MaxAlignment))
	for i := range b1 {
		b1[i] = byte(i)
	}

	b2, err := r.AllocateNode(8192, 8)
	require.NoError(t, err)
	assert.False(t, overlaps(b1, b2))
	assert.Equal(t, 16*1024-regionHeaderSize, cap(b2))

	r.DeallocateNode(b1, 1024, 16)
	b3, err := r.AllocateNode(4096, 1)
	require.NoError(t, err)
	assert.Equal(t, dataAddr(b1), dataAddr(b3))

	_, err = r.AllocateNode(r.MaxNodeSize()+1, 1)
	assert.ErrorIs(t, err, allocator.ErrBadAllocationSize)
	_, err = r.AllocateArray(2, r.MaxNodeSize(), 1)
	assert.ErrorIs(t, err, allocator.ErrBadAllocationSize)
}

func TestRegionExhaustionAndCoalescing(t *testing.T) {
	r := newTestRegion(t, 512*1024)
	full := r.Available()

	var nodes [][]byte
	for {
		b, err := r.AllocateNode(1024, 1)
		if err != nil {
			assert.ErrorIs(t, err, allocator.ErrOutOfMemory)
			break
		}
		nodes = append(nodes, b)
	}
	assert.Len(t, nodes, 64) // 512KB / 8KB
	assert.Equal(t, 0, r.Available())

	for _, b := range nodes {
		r.DeallocateNode(b, 1024, 1)
	}
	assert.True(t, r.needsCoalesce)

	// only a merged root block can serve this
	large, err := r.AllocateNode(DefaultRegionMaxBlockSize-regionHeaderSize, 1)
	require.NoError(t, err)
	assert.Len(t, large, DefaultRegionMaxBlockSize-regionHeaderSize)
	r.DeallocateNode(large, len(large), 1)
	assert.Equal(t, full, r.Available())
}

func TestRegionCoalesceFails(t *testing.T) {
	r := newTestRegion(t, 1024*1024)
	for i := range r.freeLists {
		r.freeLists[i] = r.freeLists[i][:0]
	}
	// no buddies
	r.freeLists[0] = append(r.freeLists[0], 0, 2*DefaultRegionMinBlockSize)
	r.needsCoalesce = true

	_, err := r.AllocateNode(16*1024, 1)
	assert.ErrorIs(t, err, allocator.ErrOutOfMemory)
	assert.False(t, r.needsCoalesce)
}

func TestRegionInvalidDeallocation(t *testing.T) {
	r := newTestRegion(t, 512*1024)
	b, err := r.AllocateNode(100, 1)
	require.NoError(t, err)

	var got []uintptr
	old := debugging.SetInvalidPointerHandler(func(_ debugging.AllocatorInfo, ptr uintptr) {
		got = append(got, ptr)
	})
	defer debugging.SetInvalidPointerHandler(old)

	foreign := make([]byte, 100)
	r.DeallocateNode(foreign, 100, 1)
	r.DeallocateNode(b[1:], 99, 1)
	r.DeallocateNode(b, 100, 1)
	r.DeallocateNode(b, 100, 1)
	assert.Equal(t, []uintptr{dataAddr(foreign), dataAddr(b) + 1, dataAddr(b)}, got)

	r.Reset()
	assert.False(t, r.needsCoalesce)
	assert.Len(t, r.freeLists[r.maxBlockOrder], 1)
}

func TestRegionAsArenaUpstream(t *testing.T) {
	r := newTestRegion(t, 512*1024)
	p, err := NewMemoryPool(32, Options{
		BlockSize:    8*1024 - regionHeaderSize,
		GrowthFactor: 2,
		MaxBlockSize: 64*1024 - regionHeaderSize,
		Allocator:    r,
	})
	require.NoError(t, err)

	var nodes [][]byte
	for i := 0; i < 2000; i++ {
		b, err := p.Allocate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, dataAddr(b), dataAddr(r.mem))
		require.Less(t, dataAddr(b), dataAddr(r.mem)+uintptr(len(r.mem)))
		nodes = append(nodes, b)
	}
	for _, b := range nodes {
		p.Deallocate(b)
	}
	p.Close()

	// every block went back and merged into the root block
	_, err = r.AllocateNode(r.MaxNodeSize(), 1)
	assert.NoError(t, err)
}
