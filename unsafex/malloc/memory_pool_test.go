package malloc

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cloudwego/memkit/allocator"
	"github.com/cloudwego/memkit/debugging"
)

// failingAllocator serves n blocks and fails afterwards.
type failingAllocator struct {
	allocator.Heap
	n int
}

func (f *failingAllocator) IsStateful() bool { return true }

func (f *failingAllocator) AllocateNode(size, alignment int) ([]byte, error) {
	if f.n == 0 {
		return nil, allocator.ErrOutOfMemory
	}
	f.n--
	return f.Heap.AllocateNode(size, alignment)
}

func TestNewMemoryPool(t *testing.T) {
	_, err := NewMemoryPool(0, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.BlockSize = MinBlockSize(64) - 1
	_, err = NewMemoryPool(64, opts)
	assert.Error(t, err)

	opts.BlockSize = MinBlockSize(64)
	p, err := NewMemoryPool(64, opts)
	require.NoError(t, err)
	assert.Equal(t, 64, p.Capacity())
	p.Close()

	_, err = NewMemoryPool(16, Options{BlockSize: 4096, GrowthFactor: 1, Allocator: &failingAllocator{}})
	assert.ErrorIs(t, err, allocator.ErrOutOfMemory)
}

func TestMemoryPoolGrows(t *testing.T) {
	opts := Options{BlockSize: 1024, GrowthFactor: 2, MaxBlockSize: 8192}
	p, err := NewMemoryPool(16, opts)
	require.NoError(t, err)
	defer p.Close()

	first := p.Capacity()
	assert.Equal(t, expectedNodes(p.list.(*SmallFreeList), 1024)*16, first)
	assert.Equal(t, 2048, p.NextCapacity())

	nodes := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		b, err := p.Allocate()
		require.NoError(t, err)
		require.Len(t, b, 16)
		nodes = append(nodes, b)
	}
	assert.Greater(t, p.Arena().Size(), 1)
	for _, b := range nodes {
		p.Deallocate(b)
	}
	assert.Equal(t, p.total*16, p.Capacity())
}

func TestMemoryPoolOutOfMemory(t *testing.T) {
	p, err := NewMemoryPool(32, Options{BlockSize: 256, GrowthFactor: 1, Allocator: &failingAllocator{n: 1}})
	require.NoError(t, err)

	n := p.list.Capacity()
	for i := 0; i < n; i++ {
		_, err := p.AllocateNode(32, 1)
		require.NoError(t, err)
	}
	_, err = p.AllocateNode(32, 1)
	assert.ErrorIs(t, err, allocator.ErrOutOfMemory)
}

func TestMemoryPoolRawAllocator(t *testing.T) {
	p, err := NewMemoryPool(24, DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 24, p.MaxNodeSize())
	assert.Equal(t, 24, p.MaxArraySize())
	assert.Equal(t, p.list.Alignment(), p.MaxAlignment())
	assert.True(t, allocator.IsStateful(p))

	b, err := p.AllocateNode(10, 1)
	require.NoError(t, err)
	assert.Len(t, b, 10)
	p.DeallocateNode(b, 10, 1)

	a, err := p.AllocateArray(3, 8, 8)
	require.NoError(t, err)
	assert.Len(t, a, 24)
	p.DeallocateArray(a, 3, 8, 8)

	tests := []struct {
		name  string
		alloc func() ([]byte, error)
		kind  string
	}{
		{"node_too_large", func() ([]byte, error) { return p.AllocateNode(25, 1) }, "node size"},
		{"node_negative", func() ([]byte, error) { return p.AllocateNode(-1, 1) }, "node size"},
		{"bad_alignment", func() ([]byte, error) { return p.AllocateNode(8, 16) }, "alignment"},
		{"array_too_large", func() ([]byte, error) { return p.AllocateArray(4, 8, 1) }, "array size"},
		{"array_overflow", func() ([]byte, error) { return p.AllocateArray(math.MaxInt, 8, 1) }, "array size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.alloc()
			var e *allocator.BadAllocationSizeError
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, "memkit::malloc::MemoryPool", e.Info.Name)
		})
	}
}

func TestMemoryPoolSwap(t *testing.T) {
	p1, err := NewMemoryPool(8, DefaultOptions())
	require.NoError(t, err)
	p2, err := NewMemoryPool(32, DefaultOptions())
	require.NoError(t, err)

	b, err := p1.Allocate()
	require.NoError(t, err)
	p1.Swap(p2)
	assert.Equal(t, 32, p1.NodeSize())
	assert.Equal(t, 8, p2.NodeSize())
	p2.Deallocate(b)

	p1.Close()
	p2.Close()
}

func TestMemoryPoolLogsGrowth(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	old := debugging.SetLogger(zap.New(core))
	defer debugging.SetLogger(old)

	p, err := NewMemoryPool(16, DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	grew := logs.FilterMessage("memory pool grew").All()
	require.Len(t, grew, 1)
	assert.EqualValues(t, 16, grew[0].ContextMap()["node_size"])
	assert.Equal(t, 1, logs.FilterMessage("arena allocated block").Len())
}

func TestMemoryPoolThreadSafe(t *testing.T) {
	p, err := NewMemoryPool(64, DefaultOptions())
	require.NoError(t, err)
	defer p.Close()
	ts := allocator.NewThreadSafe(p)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var nodes [][]byte
			for i := 0; i < 500; i++ {
				b, err := ts.AllocateNode(64, 8)
				if !assert.NoError(t, err) {
					return
				}
				b[0], b[63] = byte(g), byte(g)
				nodes = append(nodes, b)
			}
			for _, b := range nodes {
				assert.Equal(t, byte(g), b[0])
				assert.Equal(t, byte(g), b[63])
				ts.DeallocateNode(b, 64, 8)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, p.total*64, p.Capacity())
}

func TestNewMemoryPoolOf(t *testing.T) {
	_, err := NewMemoryPoolOf(ArrayPool, OrderedMinNodeSize-1, DefaultOptions())
	assert.Error(t, err)
	_, err = NewMemoryPoolOf(PoolType(7), 16, DefaultOptions())
	assert.Error(t, err)
	_, err = NewMemoryPoolOf(ArrayPool, 64, Options{BlockSize: 63})
	assert.Error(t, err)

	p, err := NewMemoryPoolOf(ArrayPool, 64, Options{BlockSize: 64, GrowthFactor: 1})
	require.NoError(t, err)
	assert.Equal(t, ArrayPool, p.Type())
	assert.Equal(t, 64, p.Capacity())
	p.Close()

	p, err = NewMemoryPool(64, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SmallNodePool, p.Type())
	assert.Equal(t, "SmallNodePool", p.Type().String())
	p.Close()
}

func TestArrayPool(t *testing.T) {
	p, err := NewMemoryPoolOf(ArrayPool, 16, Options{BlockSize: 1024, GrowthFactor: 1})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 1024, p.Capacity())
	assert.Equal(t, 1024, p.MaxArraySize())
	assert.Equal(t, 16, p.MaxAlignment())

	a, err := p.AllocateArray(10, 10, 1)
	require.NoError(t, err)
	require.Len(t, a, 100)
	assert.Equal(t, 1024-7*16, p.Capacity())

	// no 64 contiguous nodes are left in the first block
	b, err := p.AllocateArray(64, 16, 16)
	require.NoError(t, err)
	require.Len(t, b, 1024)
	assert.Equal(t, 2, p.Arena().Size())
	assert.False(t, nodeAddr(a) >= nodeAddr(b) && nodeAddr(a) < nodeAddr(b)+1024)

	n, err := p.AllocateNode(16, 16)
	require.NoError(t, err)
	p.DeallocateNode(n, 16, 16)

	small, err := p.AllocateArray(2, 4, 4)
	require.NoError(t, err)
	assert.Len(t, small, 8)
	p.DeallocateArray(small, 2, 4, 4)

	p.DeallocateArray(b, 64, 16, 16)
	p.DeallocateArray(a, 10, 10, 1)
	assert.Equal(t, p.total*16, p.Capacity())
	assert.Equal(t, 2048, p.Capacity())

	_, err = p.AllocateArray(65, 16, 1)
	assert.ErrorIs(t, err, allocator.ErrBadAllocationSize)
	_, err = p.AllocateNode(17, 1)
	assert.ErrorIs(t, err, allocator.ErrBadAllocationSize)
}

func TestArrayPoolOutOfMemory(t *testing.T) {
	p, err := NewMemoryPoolOf(ArrayPool, 16, Options{BlockSize: 256, GrowthFactor: 1, Allocator: &failingAllocator{n: 1}})
	require.NoError(t, err)

	_, err = p.AllocateNode(16, 1)
	require.NoError(t, err)
	_, err = p.AllocateArray(16, 16, 1)
	assert.ErrorIs(t, err, allocator.ErrOutOfMemory)
}
