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

// Package stress is the scripted workload driver used to property-test both
// allocator variants. It is not part of either variant's public contract,
// but a harness has to live somewhere, and this is the idiomatic shape for one in
// this codebase: a scripted random-operation loop, fanned out across many
// independent heaps with workerpool, each heap owned by exactly one
// goroutine so neither variant is ever asked to be thread-safe.
package stress

import (
	"fmt"
	"math/rand"

	"github.com/arenaheap/arenaheap/concurrency/workerpool"
	"github.com/arenaheap/arenaheap/regionpool"
)

// Variant is the surface both implicit.Heap and explicit.Heap implement.
// RunWorkload and RunConcurrent are written against it so the same harness
// exercises either variant.
type Variant interface {
	Alloc(size int) []byte
	Free(block []byte)
	Realloc(old []byte, newSize int) []byte
	Validate() bool
}

type live struct {
	block   []byte
	pattern byte
}

// RunWorkload drives v through n scripted operations (allocate, free,
// reallocate, chosen at random) using rng as the only source of randomness,
// so a failing run is reproducible from its seed. Every allocated block is
// stamped with a one-byte pattern and checked for corruption before being
// touched again; Validate is called after every single operation.
//
// It returns the first problem it finds (an invariant violation, corrupted
// payload, or misbehaving operation), or nil if the whole script ran clean.
func RunWorkload(v Variant, rng *rand.Rand, n, maxRequest int) error {
	var liveBlocks []live

	for i := 0; i < n; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(liveBlocks) == 0: // allocate
			size := 1 + rng.Intn(maxRequest)
			b := v.Alloc(size)
			if b != nil {
				if len(b) != size {
					return fmt.Errorf("op %d: Alloc(%d) returned len %d", i, size, len(b))
				}
				pattern := byte(rng.Intn(256))
				for j := range b {
					b[j] = pattern
				}
				liveBlocks = append(liveBlocks, live{block: b, pattern: pattern})
			}

		case op == 1: // free
			idx := rng.Intn(len(liveBlocks))
			v.Free(liveBlocks[idx].block)
			liveBlocks = append(liveBlocks[:idx], liveBlocks[idx+1:]...)

		default: // reallocate
			idx := rng.Intn(len(liveBlocks))
			entry := liveBlocks[idx]
			if err := checkPattern(entry); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			newSize := 1 + rng.Intn(maxRequest)
			nb := v.Realloc(entry.block, newSize)
			if nb == nil {
				continue // legal failure: oversize or no fit, state unchanged
			}
			n := len(entry.block)
			if len(nb) < n {
				n = len(nb)
			}
			for j := 0; j < n; j++ {
				if nb[j] != entry.pattern {
					return fmt.Errorf("op %d: realloc lost data at byte %d", i, j)
				}
			}
			for j := n; j < len(nb); j++ {
				nb[j] = entry.pattern
			}
			liveBlocks[idx] = live{block: nb, pattern: entry.pattern}
		}

		if !v.Validate() {
			return fmt.Errorf("op %d: Validate failed", i)
		}
	}
	return nil
}

func checkPattern(e live) error {
	for i, c := range e.block {
		if c != e.pattern {
			return fmt.Errorf("corrupted payload at byte %d: want %#x got %#x", i, e.pattern, c)
		}
	}
	return nil
}

// RunConcurrent leases heaps independent regions of at least regionSize
// bytes, extends each to its full bucket capacity (regionpool.Cap), builds
// a Variant over each with newVariant, and runs RunWorkload on all of them
// at once via workerpool.Pool.RunWorkloads. It returns one error per heap
// (nil entries mean that heap's script ran clean); a heap whose workload
// panics (a corrupted region from a bug under test) is reported as an error
// for that heap rather than taking the other heaps' runs down with it.
func RunConcurrent(newVariant func(region []byte) (Variant, error), heaps, opsPerHeap, regionSize int) []error {
	workloads := make([]func() error, heaps)
	for i := 0; i < heaps; i++ {
		i := i
		workloads[i] = func() error {
			region := regionpool.Lease(regionSize)
			region = region[:regionpool.Cap(region)]
			defer regionpool.Release(region)

			v, err := newVariant(region)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(int64(i) + 1))
			return RunWorkload(v, rng, opsPerHeap, regionSize/8)
		}
	}

	p := workerpool.New("stress", nil)
	return p.RunWorkloads(workloads)
}
