package malloc

import (
	"errors"
	"fmt"

	"github.com/cloudwego/memkit/allocator"
)

func Example() {
	p, _ := NewMemoryPool(32, DefaultOptions())
	defer p.Close()

	b1, _ := p.AllocateNode(24, 8)  // fits in a 32 byte node
	b2, _ := p.AllocateNode(32, 16) // uses the whole node
	_, err := p.AllocateNode(64, 8) // larger than a node

	fmt.Printf("b1: len=%d\n", len(b1))
	fmt.Printf("b2: len=%d\n", len(b2))
	fmt.Println(errors.Is(err, allocator.ErrBadAllocationSize))

	p.DeallocateNode(b1, 24, 8)
	p.DeallocateNode(b2, 32, 16)

	// Output:
	// b1: len=24
	// b2: len=32
	// true
}

func ExampleSmallFreeList() {
	block := alignedBlock(4096) // caller owned, 16 byte aligned
	l := NewSmallFreeListFrom(16, block)

	n := l.Capacity()
	b := l.Allocate()
	fmt.Println(len(b), l.Capacity() == n-1)
	l.Deallocate(b)
	fmt.Println(l.Capacity() == n)

	// Output:
	// 16 true
	// true
}

func ExampleMemoryStack() {
	s, _ := NewMemoryStack(DefaultOptions())
	defer s.Close()

	m := s.Top()
	header, _ := s.Allocate(8, 8)
	body, _ := s.Allocate(100, 1)
	fmt.Println(len(header), len(body))

	s.Unwind(m) // frees header and body
	fmt.Println(s.Capacity() == DefaultOptions().BlockSize)

	// Output:
	// 8 100
	// true
}

func ExampleTemporary() {
	t := NewTemporary()
	defer t.Close()

	scratch, _ := t.Allocate(256, 1)
	n := copy(scratch, "scratch memory")
	fmt.Println(string(scratch[:n]))

	// Output:
	// scratch memory
}
