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

package explicit

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaheap/arenaheap/heap"
)

func newHeap(t *testing.T, size int) *Heap {
	t.Helper()
	h, err := New(make([]byte, size))
	require.NoError(t, err)
	return h
}

func TestNew_RejectsBadRegions(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, heap.ErrNilRegion)

	_, err = New(make([]byte, 4))
	assert.ErrorIs(t, err, heap.ErrRegionTooSmall)

	_, err = New(make([]byte, 25))
	assert.ErrorIs(t, err, heap.ErrRegionMisaligned)
}

func TestNew_SingleFreeBlockOnFreeList(t *testing.T) {
	h := newHeap(t, 4096)
	stats := h.Stats()
	assert.Equal(t, 4096, stats.Length)
	assert.Equal(t, 0, stats.Used)
	assert.Equal(t, 4096, stats.Free)
	assert.Equal(t, 0, h.freeHead)
	assert.True(t, h.Validate())
}

func TestAlloc_MultipleDistinctBlocks(t *testing.T) {
	h := newHeap(t, 4096)
	a := h.Alloc(32)
	b := h.Alloc(64)
	c := h.Alloc(16)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	for i := range c {
		c[i] = 0xCC
	}
	assert.Equal(t, len(a), bytes.Count(a, []byte{0xAA}))
	assert.Equal(t, len(b), bytes.Count(b, []byte{0xBB}))
	assert.Equal(t, len(c), bytes.Count(c, []byte{0xCC}))
	assert.True(t, h.Validate())
}

func TestAlloc_ZeroSizeReturnsNil(t *testing.T) {
	h := newHeap(t, 4096)
	assert.Nil(t, h.Alloc(0))
	assert.Nil(t, h.Alloc(-1))
}

func TestAlloc_OversizeRejected(t *testing.T) {
	h := newHeap(t, 64)
	assert.Nil(t, h.Alloc(1<<20))
	assert.True(t, h.Validate())
}

func TestFree_PushesFrontWhenNoRightNeighborToMerge(t *testing.T) {
	h := newHeap(t, 256)
	a := h.Alloc(32)
	b := h.Alloc(32)
	require.NotNil(t, a)
	require.NotNil(t, b)

	h.Free(a)
	assert.Equal(t, h.blockOffset(a), h.freeHead)
	assert.True(t, h.Validate())
}

func TestFree_CoalescesWithFreeRightNeighbor(t *testing.T) {
	h := newHeap(t, 256)
	a := h.Alloc(32)
	b := h.Alloc(32)
	require.NotNil(t, a)
	require.NotNil(t, b)

	h.Free(b)
	h.Free(a) // a's right neighbor (b) is free: must merge into one block
	assert.True(t, h.Validate())
	assert.Equal(t, 0, h.Stats().Used)
	assert.Equal(t, 256, h.Stats().Free)

	// a single free block now spans both original payloads plus both headers
	c := h.Alloc(32 + headerSize + 32)
	assert.NotNil(t, c)
	assert.True(t, h.Validate())
}

func TestFree_NilAndEmptyAreNoop(t *testing.T) {
	h := newHeap(t, 64)
	assert.NotPanics(t, func() {
		h.Free(nil)
		h.Free([]byte{})
	})
	assert.True(t, h.Validate())
}

func TestFree_DoubleFreePanics(t *testing.T) {
	h := newHeap(t, 64)
	a := h.Alloc(16)
	require.NotNil(t, a)
	h.Free(a)
	assert.Panics(t, func() { h.Free(a) })
}

func TestRealloc_GrowPreservesData(t *testing.T) {
	h := newHeap(t, 4096)
	a := h.Alloc(16)
	require.NotNil(t, a)
	for i := range a {
		a[i] = byte(i)
	}

	b := h.Realloc(a, 256)
	require.NotNil(t, b)
	require.Len(t, b, 256)
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i), b[i])
	}
	assert.True(t, h.Validate())
}

func TestRealloc_ShrinkInPlace(t *testing.T) {
	h := newHeap(t, 4096)
	a := h.Alloc(256)
	require.NotNil(t, a)
	for i := range a {
		a[i] = byte(i)
	}

	b := h.Realloc(a, 8)
	require.NotNil(t, b)
	require.Len(t, b, 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(i), b[i])
	}
	assert.True(t, h.Validate())
}

func TestRealloc_NilOldBehavesLikeAlloc(t *testing.T) {
	h := newHeap(t, 4096)
	b := h.Realloc(nil, 32)
	require.Len(t, b, 32)
	assert.True(t, h.Validate())
}

func TestRealloc_ZeroSizeFreesAndReturnsStale(t *testing.T) {
	h := newHeap(t, 4096)
	a := h.Alloc(32)
	require.NotNil(t, a)

	stale := h.Realloc(a, 0)
	assert.Equal(t, a, stale)
	assert.True(t, h.Validate())

	b := h.Alloc(32)
	require.NotNil(t, b)
}

func TestValidate_DetectsCyclicFreeList(t *testing.T) {
	h := newHeap(t, 256)
	require.True(t, h.Validate())

	// force the sole free block's next link to point back at itself
	headPtr := unsafe.Add(h.base, h.freeHead)
	setNextLink(headPtr, h.freeHead)
	assert.False(t, h.Validate())
}

func TestValidate_DetectsLeakedFreeBlock(t *testing.T) {
	h := newHeap(t, 256)
	a := h.Alloc(32)
	b := h.Alloc(32)
	require.NotNil(t, a)
	require.NotNil(t, b)
	h.Free(a) // a now on the free list, plus whatever tail remainder exists

	// sever the list at the head without touching the block tile: the head
	// block becomes unreachable from freeHead even though it is still
	// flagged free in the tile sweep.
	_, next := readLinks(unsafe.Add(h.base, h.freeHead))
	h.freeHead = next
	assert.False(t, h.Validate())
}

func TestDump_DoesNotMutateState(t *testing.T) {
	h := newHeap(t, 256)
	a := h.Alloc(40)
	require.NotNil(t, a)
	copy(a, []byte("hello"))

	var buf bytes.Buffer
	h.Dump(&buf)
	assert.Contains(t, buf.String(), "explicit heap:")
	assert.Contains(t, buf.String(), "free list head=")
	assert.True(t, h.Validate())
}

func TestWithMaxRequestSize(t *testing.T) {
	h, err := New(make([]byte, 4096), WithMaxRequestSize(64))
	require.NoError(t, err)
	assert.NotNil(t, h.Alloc(64))
	assert.Nil(t, h.Alloc(128))
}
