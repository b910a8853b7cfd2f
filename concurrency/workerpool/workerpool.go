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

// Package workerpool caps the number of goroutines stress.RunConcurrent uses
// to drive many independent region-backed heaps at once. Each heap is owned
// by exactly one goroutine for its entire scripted workload, so the pool
// never needs to hand a heap between workers or synchronize access to
// one — neither allocator variant is safe for that. What the pool owns
// instead is the fan-out: running a batch of independent heap workloads,
// recovering any of them that panics (a corrupted region is expected to
// surface as a panic from Free/Realloc's pointer checks, not a process
// crash), and reporting one outcome per workload.
package workerpool

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Option configures a Pool.
type Option struct {
	// MaxIdleWorkers is the max idle workers keeping in pool for waiting tasks.
	// These workers exit after WorkerMaxAge.
	MaxIdleWorkers int

	// WorkerMaxAge is the max age of a worker in pool.
	WorkerMaxAge time.Duration

	// TaskChanBuffer is the size of the task queue.
	// If it's full, a task falls back to running on its own goroutine
	// without going through the pool.
	TaskChanBuffer int
}

// DefaultOption returns the default values of Option: at most 1000 idle
// workers, each retired once it is older than one minute, and a task queue
// of 1000 entries.
func DefaultOption() *Option {
	return &Option{
		MaxIdleWorkers: 1000,
		WorkerMaxAge:   time.Minute,
		TaskChanBuffer: 1000,
	}
}

type task struct {
	ctx context.Context
	f   func()
}

// Pool is a goroutine pool that caps the number of concurrently-running heap
// workloads while still running every workload submitted to it.
type Pool struct {
	name string

	workers int32
	maxIdle int32
	maxage  int64 // milliseconds

	panicHandler func(ctx context.Context, r interface{})

	tasks     chan task
	unixMilli int64

	createWorker func()
}

// New creates a named worker pool. A nil Option uses DefaultOption.
func New(name string, o *Option) *Pool {
	if o == nil {
		o = DefaultOption()
	}
	p := &Pool{
		name:    name,
		tasks:   make(chan task, o.TaskChanBuffer),
		maxage:  o.WorkerMaxAge.Milliseconds(),
		maxIdle: int32(o.MaxIdleWorkers),
	}

	// fix: func literal escapes to heap
	p.createWorker = func() {
		p.runWorker()
	}
	return p
}

// Go runs f in the background.
func (p *Pool) Go(f func()) {
	p.CtxGo(context.Background(), f)
}

// CtxGo runs f in the background, passing ctx to the panic handler if f
// panics.
func (p *Pool) CtxGo(ctx context.Context, f func()) {
	select {
	case p.tasks <- task{ctx: ctx, f: f}:
	default:
		// full? fall back to use go directly
		go p.runTask(ctx, f)
		return
	}
	// luckily ... it's true when there're many workers.
	if len(p.tasks) == 0 {
		return
	}
	// all workers busy, create a new one
	go p.createWorker()
}

// SetPanicHandler sets a func for handling panics recovered from tasks run
// via Go/CtxGo. RunWorkloads does not consult this: it reports a panic back
// to its caller as an error for the workload that panicked, rather than
// funneling it through a shared side-effecting handler.
func (p *Pool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

func (p *Pool) runTask(ctx context.Context, f func()) {
	defer func(p *Pool, ctx context.Context) {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(ctx, r)
			} else {
				log.Printf("workerpool: panic in pool %s: %v: %s", p.name, r, debug.Stack())
			}
		}
	}(p, ctx)
	f()
}

// CurrentWorkers returns the number of live worker goroutines.
func (p *Pool) CurrentWorkers() int {
	return int(atomic.LoadInt32(&p.workers))
}

func (p *Pool) runWorker() {
	id := atomic.AddInt32(&p.workers, 1)
	defer atomic.AddInt32(&p.workers, -1)

	if id > p.maxIdle {
		// drain task chan and exit without waiting
		for {
			select {
			case t := <-p.tasks:
				p.runTask(t.ctx, t.f)
			default:
				return
			}
		}
	}

	createdAt := time.Now().UnixMilli() // for checking maxage
	for t := range p.tasks {
		p.runTask(t.ctx, t.f)

		now := atomic.LoadInt64(&p.unixMilli)

		// check if ticker is NOT alive
		// p.unixMilli is zero when no ticker is running
		if now == 0 {
			// cas and create a new ticker
			now = time.Now().UnixMilli()
			if atomic.CompareAndSwapInt64(&p.unixMilli, 0, now) {
				go p.runTicker()
			}
		}

		// check maxage
		if now-createdAt > p.maxage {
			return
		}
	}
}

// noopTask wakes up workers in runTicker so they can check their age.
var noopTask = task{f: func() {}}

func (p *Pool) runTicker() {
	// mark it zero to trigger ticker to be created when we have active workers
	defer atomic.StoreInt64(&p.unixMilli, 0)

	// If p.maxage=1s, it updates unixMilli and sends 100 noop tasks per second.
	// As a result, workers may take longer to exit, and this is expected.
	d := time.Duration(p.maxage) * time.Millisecond / 100

	// set a minimum value to avoid performance issues.
	if d < time.Millisecond {
		d = time.Millisecond
	}

	t := time.NewTicker(d)
	defer t.Stop()

	for now := range t.C {
		if p.CurrentWorkers() == 0 {
			return
		}
		atomic.StoreInt64(&p.unixMilli, now.UnixMilli())
		p.tasks <- noopTask
	}
}

// RunWorkloads runs every workload in workloads on the pool and blocks until
// all have returned, pairing each with its index-matched slot in the
// returned slice. A workload that panics has its panic recovered and
// reported as an error rather than propagated, on the assumption that for
// this pool's one caller (stress.RunConcurrent) a panicking workload means a
// single heap's region got corrupted by a bug under test, not that the
// whole fan-out should go down with it.
//
// This is the shape stress.RunConcurrent actually needs — one independent,
// possibly-panicking unit of work per heap, one error slot per heap — rather
// than the raw fire-and-forget Go/CtxGo, which leaves that bookkeeping to
// the caller.
func (p *Pool) RunWorkloads(workloads []func() error) []error {
	errs := make([]error, len(workloads))

	var wg sync.WaitGroup
	wg.Add(len(workloads))
	for i, workload := range workloads {
		i, workload := i, workload
		p.Go(func() {
			defer wg.Done()
			errs[i] = runRecovered(workload)
		})
	}
	wg.Wait()
	return errs
}

func runRecovered(workload func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerpool: workload panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return workload()
}
