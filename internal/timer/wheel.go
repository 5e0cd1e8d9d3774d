// Package timer drives the per-socket periodic callbacks that retire
// retransmissions, send keep-alives, and expire sockets sitting in a
// transient state too long.
//
// A small worker pool pulls the next-due entry off a min-heap ordered
// by deadline, rather than running one ticker goroutine per socket.
// Every socket needs a recurring callback whose next deadline is
// recomputed from the measured RTT after each firing, so an Entry
// reschedules itself instead of being consumed.
package timer

import (
	"container/heap"
	"runtime"
	"sync"
	"time"
)

// Entry is one socket's periodic callback registration. Fire is called
// with the entry's current deadline; its return value becomes the next
// deadline, or the entry is dropped if ok is false (the socket reached
// a terminal state and no longer needs scheduling).
type Entry struct {
	Key      uint32 // near-end ALFID, for Cancel/Reschedule lookups
	Fire     func(now time.Time) (next time.Time, ok bool)
	deadline time.Time
	index    int // heap.Interface bookkeeping
	canceled bool
}

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is the socket-timeout scheduler: one heap-ordered goroutine
// plus a small worker pool that runs due callbacks without blocking the
// scheduling goroutine on slow handlers.
type Wheel struct {
	mu       sync.Mutex
	byKey    map[uint32]*Entry
	pending  entryHeap
	chWake   chan struct{}
	chTask   chan *Entry
	die      chan struct{}
	dieOnce  sync.Once
}

// NewWheel starts a Wheel with the given number of callback worker
// goroutines; anything non-positive falls back to runtime.NumCPU().
func NewWheel(workers int) *Wheel {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	w := &Wheel{
		byKey:  make(map[uint32]*Entry),
		chWake: make(chan struct{}, 1),
		chTask: make(chan *Entry),
		die:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go w.work()
	}
	go w.schedule()
	return w
}

// Schedule registers or replaces the periodic callback for key,
// first firing at deadline.
func (w *Wheel) Schedule(key uint32, deadline time.Time, fire func(now time.Time) (time.Time, bool)) {
	w.mu.Lock()
	if old, ok := w.byKey[key]; ok {
		old.canceled = true
		if old.index >= 0 {
			heap.Remove(&w.pending, old.index)
		}
	}
	e := &Entry{Key: key, Fire: fire, deadline: deadline}
	w.byKey[key] = e
	heap.Push(&w.pending, e)
	w.mu.Unlock()
	w.wake()
}

// Cancel removes key's scheduled callback, if any.
func (w *Wheel) Cancel(key uint32) {
	w.mu.Lock()
	if e, ok := w.byKey[key]; ok {
		e.canceled = true
		if e.index >= 0 {
			heap.Remove(&w.pending, e.index)
		}
		delete(w.byKey, key)
	}
	w.mu.Unlock()
}

func (w *Wheel) wake() {
	select {
	case w.chWake <- struct{}{}:
	default:
	}
}

// schedule is the single goroutine owning the deadline heap: it sleeps
// until the earliest deadline, then hands due entries to the worker
// pool via chTask.
func (w *Wheel) schedule() {
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		w.mu.Lock()
		var wait time.Duration
		if len(w.pending) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(w.pending[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		w.mu.Unlock()

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)

		select {
		case <-t.C:
			w.drainDue()
		case <-w.chWake:
		case <-w.die:
			return
		}
	}
}

func (w *Wheel) drainDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.pending) == 0 || w.pending[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		e := heap.Pop(&w.pending).(*Entry)
		w.mu.Unlock()

		if e.canceled {
			continue
		}
		select {
		case w.chTask <- e:
		case <-w.die:
			return
		}
	}
}

func (w *Wheel) work() {
	for {
		select {
		case e := <-w.chTask:
			w.runOne(e)
		case <-w.die:
			return
		}
	}
}

func (w *Wheel) runOne(e *Entry) {
	next, ok := e.Fire(e.deadline)
	if !ok {
		w.mu.Lock()
		if cur, exists := w.byKey[e.Key]; exists && cur == e {
			delete(w.byKey, e.Key)
		}
		w.mu.Unlock()
		return
	}
	w.mu.Lock()
	if cur, exists := w.byKey[e.Key]; !exists || cur != e || e.canceled {
		w.mu.Unlock()
		return
	}
	e.deadline = next
	e.index = -1
	heap.Push(&w.pending, e)
	w.mu.Unlock()
	w.wake()
}

// Close stops the scheduler and its worker pool.
func (w *Wheel) Close() { w.dieOnce.Do(func() { close(w.die) }) }
