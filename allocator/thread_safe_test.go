package allocator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLocker counts lock operations and fails the test on misuse.
type recordingLocker struct {
	t       *testing.T
	mu      sync.Mutex
	held    bool
	locks   int
	unlocks int
}

func (l *recordingLocker) Lock() {
	l.mu.Lock()
	assert.False(l.t, l.held)
	l.held = true
	l.locks++
}

func (l *recordingLocker) Unlock() {
	assert.True(l.t, l.held)
	l.held = false
	l.unlocks++
	l.mu.Unlock()
}

func TestThreadSafeElidesLockForStateless(t *testing.T) {
	ts := NewThreadSafe(Heap{})
	assert.Equal(t, NoLock{}, ts.Locker())

	l := &recordingLocker{t: t}
	ts = NewThreadSafeWithLocker(Heap{}, l)
	_, err := ts.AllocateNode(8, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, l.locks)
}

func TestThreadSafeLocksEveryCall(t *testing.T) {
	l := &recordingLocker{t: t}
	ts := NewThreadSafeWithLocker(newCountingAllocator(), l)

	b, err := ts.AllocateNode(8, 8)
	require.NoError(t, err)
	ts.DeallocateNode(b, 8, 8)
	a, err := ts.AllocateArray(2, 8, 8)
	require.NoError(t, err)
	ts.DeallocateArray(a, 2, 8, 8)
	ts.MaxNodeSize()
	ts.MaxArraySize()
	ts.MaxAlignment()

	assert.Equal(t, 7, l.locks)
	assert.Equal(t, 7, l.unlocks)
	assert.False(t, l.held)
}

func TestThreadSafeUnlocksOnFailure(t *testing.T) {
	l := &recordingLocker{t: t}
	ts := NewThreadSafeWithLocker(newCountingAllocator(), l)

	_, err := ts.AllocateNode(1<<30, 1)
	assert.ErrorIs(t, err, ErrBadAllocationSize)
	assert.Equal(t, 1, l.unlocks)
	assert.False(t, l.held)
}

func TestThreadSafeConcurrent(t *testing.T) {
	c := newCountingAllocator()
	ts := NewThreadSafe(c)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b, err := ts.AllocateNode(16, 8)
				if err != nil {
					t.Error(err)
					return
				}
				ts.DeallocateNode(b, 16, 8)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.nodes)
}

func TestThreadSafeLockedHandle(t *testing.T) {
	l := &recordingLocker{t: t}
	c := newCountingAllocator()
	ts := NewThreadSafeWithLocker(c, l)

	h := ts.Lock()
	require.True(t, h.Held())
	assert.Equal(t, 1, l.locks)

	a := h.Allocator()
	assert.Same(t, c, a)
	for i := 0; i < 3; i++ {
		_, err := a.AllocateNode(8, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, l.locks)
	assert.Equal(t, 3, c.nodes)

	moved := h.Move()
	assert.False(t, h.Held())
	assert.True(t, moved.Held())
	assert.Panics(t, func() { h.Allocator() })
	h.Release()
	assert.Equal(t, 0, l.unlocks)

	moved.Release()
	moved.Release()
	assert.Equal(t, 1, l.unlocks)
	assert.False(t, l.held)

	// the allocator is usable through the adapter again
	_, err := ts.AllocateNode(8, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, c.nodes)
}

func TestThreadSafeLockedHandleConcurrent(t *testing.T) {
	c := newCountingAllocator()
	ts := NewThreadSafe(c)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h := ts.Lock()
				a := h.Allocator()
				b1, _ := a.AllocateNode(8, 1)
				b2, _ := a.AllocateNode(8, 1)
				a.DeallocateNode(b1, 8, 1)
				a.DeallocateNode(b2, 8, 1)
				h.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.nodes)
}
