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

// Package regionpool leases and recycles the backing []byte regions that
// implicit.New and explicit.New carve into blocks. Neither allocator
// variant asks the OS for memory itself (per the package docs, a host
// supplies a block), and a host that spins up and tears down many heaps
// (one per request, one per test case, one per shard) benefits from
// recycling those backing slices instead of paying make([]byte, n) and a GC
// pass every time.
//
// Leases are bucketed by power-of-two size, exactly like a classic slab
// allocator: Lease(n) hands back a slice whose capacity is the smallest
// pool size >= n, and Release puts it back in the matching pool after
// verifying (via a footer magic number) that the slice was actually handed
// out by this package, so an accidental Release of a foreign slice is a
// safe no-op rather than silent corruption of someone else's pool.
package regionpool

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

type pool struct {
	sync.Pool
	size int
}

const (
	minPoolSize = 4 << 10  // 4KB: the smallest region Lease will hand out
	maxPoolSize = 1 << 30  // 1GB: Lease panics above this
	footerLen   = 8
)

const (
	footerMagicMask = uint64(0xFFFFFFFFFFFFFFC0) // top 58 bits
	footerIndexMask = uint64(0x000000000000003F) // bottom 6 bits: pool index
	footerMagic     = uint64(0xA11ADA7ABADC0DC0)
)

var (
	pools   []*pool
	bits2idx [64]int
)

func init() {
	i := 0
	for sz := minPoolSize; sz <= maxPoolSize; sz <<= 1 {
		p := &pool{size: sz}
		p.New = func() interface{} {
			b := dirtmake.Bytes(p.size, p.size)
			return &b[0]
		}
		pools = append(pools, p)
		bits2idx[bits.Len(uint(p.size))] = i
		i++
	}
}

func poolIndex(sz int) int {
	if sz <= minPoolSize {
		return 0
	}
	i := bits2idx[bits.Len(uint(sz))]
	if uint(sz)&(uint(sz)-1) == 0 {
		return i // power of two already fits its own bucket exactly
	}
	return i + 1
}

type sliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

// Lease returns a region of at least n bytes, sized up to a bucket boundary
// and reserving footerLen trailing bytes for bookkeeping. The bytes are not
// guaranteed to be zeroed; callers hand the slice straight to
// implicit.New/explicit.New, which only ever reads bytes they themselves
// wrote as headers. Lease panics if n plus footerLen exceeds maxPoolSize.
func Lease(n int) []byte {
	if n <= 0 {
		return nil
	}
	c := n + footerLen
	if c > maxPoolSize {
		panic("regionpool: lease exceeds max pool size")
	}
	i := poolIndex(c)
	p := pools[i]
	ptr := p.Get().(*byte)

	ret := []byte{}
	h := (*sliceHeader)(unsafe.Pointer(&ret))
	h.Data = unsafe.Pointer(ptr)
	h.Len = n
	h.Cap = p.size

	*(*uint64)(unsafe.Add(h.Data, h.Cap-footerLen)) = footerMagic | uint64(i)
	return ret
}

// Cap returns the largest length region can be resized to and still be a
// region this package recognizes on Release: its leased bucket size minus
// the footer. Callers that want to hand the whole bucket to
// implicit.New/explicit.New (rather than just the n bytes they asked for)
// should do region = region[:regionpool.Cap(region)] first; the allocator
// needs the length to be the region it owns, not a cap it can grow into.
func Cap(region []byte) int {
	c := cap(region)
	if c-len(region) < footerLen || footer(region)&footerMagicMask != footerMagic {
		panic("regionpool: region not leased by this package or its length changed without calling Cap")
	}
	return c - footerLen
}

// Release returns a region leased from this package. Releasing a slice this
// package did not hand out, or one whose length was changed via append past
// its leased capacity, is a safe no-op.
func Release(region []byte) {
	c := cap(region)
	if c < minPoolSize || uint(c)&uint(c-1) != 0 {
		return
	}
	if c-len(region) < footerLen {
		return
	}
	footer := footer(region)
	if footer&footerMagicMask != footerMagic {
		return
	}
	i := int(footer & footerIndexMask)
	if i < len(pools) && pools[i].size == c {
		pools[i].Put(&region[0])
	}
}

func footer(region []byte) uint64 {
	h := (*sliceHeader)(unsafe.Pointer(&region))
	return *(*uint64)(unsafe.Add(h.Data, h.Cap-footerLen))
}
