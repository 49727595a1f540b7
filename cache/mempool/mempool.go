/*
 * Copyright 2024 CloudWeGo Authors
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

package mempool

import (
	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/memkit/allocator"
)

var (
	// pool backs Malloc and Free.
	pool *allocator.ThreadSafe[*Collection]

	// maxMallocSize is the max size served by pool.
	maxMallocSize int
)

func init() {
	c, err := NewCollection(DefaultOptions())
	if err != nil {
		panic(err)
	}
	pool = allocator.NewThreadSafe(c)
	maxMallocSize = c.MaxNodeSize()
}

// Malloc creates a buf from the default collection.
// Tips for usage:
// * buf returned by Malloc may not be initialized with zeros, use at your own risk.
// * call `Free` when buf is no longer use, DO NOT REUSE buf after calling `Free`
// * use `buf = buf[:mempool.Cap(buf)]` to make use of the cap of a returned buf.
// * bufs larger than DefaultOptions().MaxNodeSize come from the Go heap, `Free` ignores them.
func Malloc(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	if size > maxMallocSize {
		return dirtmake.Bytes(size, size)
	}
	buf, err := pool.AllocateNode(size, 1)
	if err != nil {
		panic(err)
	}
	return buf
}

// Cap returns the max cap of a buf can be resized to.
func Cap(buf []byte) int {
	return cap(buf)
}

// Append appends bytes to the given `[]byte`.
// It frees `a` and creates a new one if needed.
// Please make sure you're calling the func like `b = mempool.Append(b, data...)`
func Append(a []byte, b ...byte) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	return appendSlow(a, b)
}

func appendSlow(a, b []byte) []byte {
	ret := Malloc(len(a) + len(b))
	copy(ret, a)
	copy(ret[len(a):], b)
	Free(a)
	return ret
}

// AppendStr ... same as Append for string.
// See comment of `Append` for details.
func AppendStr(a []byte, b string) []byte {
	if cap(a)-len(a) >= len(b) {
		return append(a, b...)
	}
	return appendStrSlow(a, b)
}

func appendStrSlow(a []byte, b string) []byte {
	ret := Malloc(len(a) + len(b))
	copy(ret, a)
	copy(ret[len(a):], b)
	Free(a)
	return ret
}

// Free should be called when a buf is no longer used.
// It is always safe regardless of the input provided: bufs not returned by Malloc or Append are ignored.
// The cap of a buf returned by Malloc must not be changed.
func Free(buf []byte) {
	c := cap(buf)
	if c == 0 || c > maxMallocSize {
		return
	}
	if uint(c)&uint(c-1) != 0 { // not malloc by this package
		return
	}
	l := pool.Lock()
	defer l.Release()
	p := l.Allocator()
	if !p.Owns(buf) {
		return
	}
	// the cap of a buf is the node size of its bucket
	p.DeallocateNode(buf, c, 1)
}
