package vm

import (
	"container/heap"
	"time"
)

// PromiseState is the Promise lifecycle.
type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

func (s PromiseState) String() string {
	switch s {
	case PromisePending:
		return "pending"
	case PromiseFulfilled:
		return "fulfilled"
	case PromiseRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// PromiseCallback observes settlement. Fulfillment callbacks run as
// microtasks of the settling tick when registered before settlement, or
// immediately when registered after.
type PromiseCallback func(state PromiseState, v Value)

// Promise is a single-assignment result slot identified by integer id.
type Promise struct {
	ID     int32
	State  PromiseState
	Result Value // fulfillment value or rejection reason

	callbacks []PromiseCallback
}

func (p *Promise) IsSettled() bool { return p.State != PromisePending }

// ---------------------------------------------------------------------------
// Timers

type timerEntry struct {
	id       int32
	deadline time.Time
	interval time.Duration // 0 for one-shot
	callback func()
	index    int
	stopped  bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ---------------------------------------------------------------------------
// Event loop

// EventLoop drives the async opcodes. It is cooperative and single threaded:
// nothing runs until Tick is called, and one tick drains all microtasks, all
// IO completions and all due timers, then runs at most one macrotask followed
// by the microtasks it queued.
type EventLoop struct {
	microtasks []func()
	macrotasks []func()
	ioPending  []func()
	ioDone     []func()
	timers     timerHeap
	timerByID  map[int32]*timerEntry

	promises      map[int32]*Promise
	nextPromiseID int32
	nextTimerID   int32

	running bool
	now     func() time.Time
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		promises:      make(map[int32]*Promise),
		timerByID:     make(map[int32]*timerEntry),
		nextPromiseID: 1,
		nextTimerID:   1,
		now:           time.Now,
	}
}

// ---------------------------------------------------------------------------
// Promises

func (el *EventLoop) CreatePromise() *Promise {
	p := &Promise{ID: el.nextPromiseID, Result: Null()}
	el.nextPromiseID++
	el.promises[p.ID] = p
	return p
}

func (el *EventLoop) Promise(id int32) *Promise {
	return el.promises[id]
}

// Then registers a settlement observer; settled promises fire immediately.
func (el *EventLoop) Then(id int32, cb PromiseCallback) {
	p := el.promises[id]
	if p == nil {
		return
	}
	if p.IsSettled() {
		cb(p.State, p.Result)
		return
	}
	p.callbacks = append(p.callbacks, cb)
}

func (el *EventLoop) ResolvePromise(id int32, v Value) {
	el.settle(id, PromiseFulfilled, v)
}

func (el *EventLoop) RejectPromise(id int32, reason Value) {
	el.settle(id, PromiseRejected, reason)
}

func (el *EventLoop) settle(id int32, state PromiseState, v Value) {
	p := el.promises[id]
	if p == nil || p.IsSettled() {
		return
	}
	p.State = state
	p.Result = v
	callbacks := p.callbacks
	p.callbacks = nil
	for _, cb := range callbacks {
		cb := cb
		el.QueueMicrotask(func() { cb(state, v) })
	}
}

// ---------------------------------------------------------------------------
// Queues and timers

func (el *EventLoop) QueueMicrotask(task func()) {
	el.microtasks = append(el.microtasks, task)
}

func (el *EventLoop) QueueMacrotask(task func()) {
	el.macrotasks = append(el.macrotasks, task)
}

// QueueIO registers a pending IO operation; its completion callback is
// delivered on a later tick via CompleteIO.
func (el *EventLoop) QueueIO(task func()) {
	el.ioPending = append(el.ioPending, task)
}

func (el *EventLoop) CompleteIO(callback func()) {
	if n := len(el.ioPending); n > 0 {
		el.ioPending = el.ioPending[:n-1]
	}
	el.ioDone = append(el.ioDone, callback)
}

// SetTimeout schedules callback once after delay and returns the timer id.
func (el *EventLoop) SetTimeout(callback func(), delay time.Duration) int32 {
	return el.addTimer(callback, delay, 0)
}

// SetInterval schedules callback every interval until cleared.
func (el *EventLoop) SetInterval(callback func(), interval time.Duration) int32 {
	return el.addTimer(callback, interval, interval)
}

func (el *EventLoop) addTimer(callback func(), delay, interval time.Duration) int32 {
	e := &timerEntry{
		id:       el.nextTimerID,
		deadline: el.now().Add(delay),
		interval: interval,
		callback: callback,
	}
	el.nextTimerID++
	el.timerByID[e.id] = e
	heap.Push(&el.timers, e)
	return e.id
}

func (el *EventLoop) ClearTimer(id int32) {
	if e, ok := el.timerByID[id]; ok {
		e.stopped = true
		delete(el.timerByID, id)
	}
}

// ---------------------------------------------------------------------------
// Driving

// Tick runs one iteration: microtasks, IO completions, due timers, then one
// macrotask plus the microtasks it spawned.
func (el *EventLoop) Tick() {
	el.drainMicrotasks()
	el.drainIOCompletions()
	el.fireDueTimers()

	if len(el.macrotasks) > 0 {
		task := el.macrotasks[0]
		el.macrotasks = el.macrotasks[1:]
		task()
		el.drainMicrotasks()
	}
}

// Run ticks until no work remains or Stop is called.
func (el *EventLoop) Run() {
	el.running = true
	for el.running && el.HasPendingWork() {
		el.Tick()
		if el.HasPendingWork() && !el.HasRunnableWork() {
			// Only timers can make progress; wait out the nearest deadline.
			if len(el.timers) > 0 {
				if d := time.Until(el.timers[0].deadline); d > 0 {
					time.Sleep(d)
				}
			} else {
				break
			}
		}
	}
	el.running = false
}

// RunFor ticks until the deadline or until no work remains.
func (el *EventLoop) RunFor(max time.Duration) {
	el.running = true
	deadline := el.now().Add(max)
	for el.running && el.now().Before(deadline) && el.HasPendingWork() {
		el.Tick()
	}
	el.running = false
}

func (el *EventLoop) Stop() { el.running = false }

// HasPendingWork includes unsettled promises, matching the semantics of the
// loop's run condition.
func (el *EventLoop) HasPendingWork() bool {
	return el.HasRunnableWork() || el.hasPendingPromises()
}

// HasRunnableWork reports queued tasks, pending IO or live timers; it is the
// AWAIT liveness check, where an unsettled promise must not count as its own
// source of progress.
func (el *EventLoop) HasRunnableWork() bool {
	return len(el.microtasks) > 0 || len(el.macrotasks) > 0 ||
		len(el.ioDone) > 0 || len(el.ioPending) > 0 || len(el.timers) > 0
}

func (el *EventLoop) hasPendingPromises() bool {
	for _, p := range el.promises {
		if !p.IsSettled() {
			return true
		}
	}
	return false
}

// ScanValues visits promise payloads for the GC root scan.
func (el *EventLoop) ScanValues(visit func(Value)) {
	for _, p := range el.promises {
		visit(p.Result)
	}
}

func (el *EventLoop) drainMicrotasks() {
	for len(el.microtasks) > 0 {
		task := el.microtasks[0]
		el.microtasks = el.microtasks[1:]
		task()
	}
}

func (el *EventLoop) drainIOCompletions() {
	done := el.ioDone
	el.ioDone = nil
	for _, cb := range done {
		cb()
	}
}

func (el *EventLoop) fireDueTimers() {
	now := el.now()
	for len(el.timers) > 0 && !el.timers[0].deadline.After(now) {
		e := heap.Pop(&el.timers).(*timerEntry)
		if e.stopped {
			continue
		}
		e.callback()
		if e.interval > 0 && !e.stopped {
			e.deadline = now.Add(e.interval)
			heap.Push(&el.timers, e)
		} else {
			delete(el.timerByID, e.id)
		}
	}
}
