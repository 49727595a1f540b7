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

package malloc

// chunkTable maps chunk ids to chunk headers. It is owned by a SmallFreeList.
type chunkTable []*chunk

// chunkList is an intrusive circular doubly linked list of chunks.
// A chunk belongs to at most one list at any time.
type chunkList struct {
	first int32 // noChunk if empty
}

func newChunkList() chunkList {
	return chunkList{first: noChunk}
}

func (l *chunkList) empty() bool {
	return l.first == noChunk
}

// push inserts chunk id at the front of the list.
func (l *chunkList) push(t chunkTable, id int32) {
	c := t[id]
	if l.first == noChunk {
		c.prev, c.next = id, id
		l.first = id
		return
	}
	first := t[l.first]
	last := first.prev
	c.next = l.first
	c.prev = last
	t[last].next = id
	first.prev = id
	l.first = id
}

// transferFront moves the first chunk of other to the front of l and returns it.
// other must not be empty.
func (l *chunkList) transferFront(t chunkTable, other *chunkList) int32 {
	id := other.first
	c := t[id]
	if c.next == id {
		other.first = noChunk
	} else {
		t[c.prev].next = c.next
		t[c.next].prev = c.prev
		other.first = c.next
	}
	l.push(t, id)
	return id
}

func (l *chunkList) swap(other *chunkList) {
	l.first, other.first = other.first, l.first
}
