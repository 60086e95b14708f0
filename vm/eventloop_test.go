package vm

import (
	"reflect"
	"testing"
	"time"
)

// fakeClock pins the loop's notion of now so timer tests are deterministic.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock(el *EventLoop) *fakeClock {
	c := &fakeClock{t: time.Unix(1000, 0)}
	el.now = c.now
	return c
}

func TestTickOrdering(t *testing.T) {
	el := NewEventLoop()
	clock := newFakeClock(el)

	var order []string
	el.QueueMacrotask(func() { order = append(order, "macro1") })
	el.QueueMacrotask(func() { order = append(order, "macro2") })
	el.SetTimeout(func() { order = append(order, "timer") }, 10*time.Millisecond)
	el.QueueIO(func() {})
	el.CompleteIO(func() { order = append(order, "io") })
	el.QueueMicrotask(func() { order = append(order, "micro") })

	clock.advance(20 * time.Millisecond)
	el.Tick()

	want := []string{"micro", "io", "timer", "macro1"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("first tick order = %v, want %v", order, want)
	}

	el.Tick()
	if order[len(order)-1] != "macro2" {
		t.Errorf("second tick should run macro2, got %v", order)
	}
}

func TestMacrotaskMicrotasksRunSameTick(t *testing.T) {
	el := NewEventLoop()
	var order []string
	el.QueueMacrotask(func() {
		order = append(order, "macro")
		el.QueueMicrotask(func() { order = append(order, "spawned") })
	})
	el.Tick()
	want := []string{"macro", "spawned"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTimerDelay(t *testing.T) {
	el := NewEventLoop()
	clock := newFakeClock(el)

	fired := false
	el.SetTimeout(func() { fired = true }, 50*time.Millisecond)

	el.Tick()
	if fired {
		t.Fatal("timer fired before its deadline")
	}
	clock.advance(49 * time.Millisecond)
	el.Tick()
	if fired {
		t.Fatal("timer fired 1ms early")
	}
	clock.advance(1 * time.Millisecond)
	el.Tick()
	if !fired {
		t.Fatal("timer did not fire at its deadline")
	}
	if el.HasPendingWork() {
		t.Error("one-shot timer should be removed after firing")
	}
}

func TestIntervalReschedulesUntilCleared(t *testing.T) {
	el := NewEventLoop()
	clock := newFakeClock(el)

	count := 0
	id := el.SetInterval(func() { count++ }, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		clock.advance(10 * time.Millisecond)
		el.Tick()
	}
	if count != 3 {
		t.Fatalf("interval fired %d times, want 3", count)
	}

	el.ClearTimer(id)
	clock.advance(10 * time.Millisecond)
	el.Tick()
	if count != 3 {
		t.Errorf("interval fired after ClearTimer, count = %d", count)
	}
}

func TestClearTimerBeforeFiring(t *testing.T) {
	el := NewEventLoop()
	clock := newFakeClock(el)

	id := el.SetTimeout(func() { t.Error("cleared timer fired") }, time.Millisecond)
	el.ClearTimer(id)
	clock.advance(time.Second)
	el.Tick()
}

func TestThenBeforeSettlementIsMicrotask(t *testing.T) {
	el := NewEventLoop()
	p := el.CreatePromise()

	var got Value
	called := false
	el.Then(p.ID, func(state PromiseState, v Value) {
		called = true
		got = v
		if state != PromiseFulfilled {
			t.Errorf("state = %v, want fulfilled", state)
		}
	})

	el.ResolvePromise(p.ID, Int32Value(42))
	if called {
		t.Fatal("callback ran synchronously at settlement, want microtask")
	}
	el.Tick()
	if !called {
		t.Fatal("callback never ran")
	}
	if got.AsInt32() != 42 {
		t.Errorf("callback value = %v, want 42", got)
	}
}

func TestThenAfterSettlementFiresImmediately(t *testing.T) {
	el := NewEventLoop()
	p := el.CreatePromise()
	el.RejectPromise(p.ID, Int32Value(-1))

	called := false
	el.Then(p.ID, func(state PromiseState, v Value) {
		called = true
		if state != PromiseRejected {
			t.Errorf("state = %v, want rejected", state)
		}
		if v.AsInt32() != -1 {
			t.Errorf("reason = %v, want -1", v)
		}
	})
	if !called {
		t.Error("Then on a settled promise must fire without a tick")
	}
}

func TestSettlementIsFinal(t *testing.T) {
	el := NewEventLoop()
	p := el.CreatePromise()
	el.ResolvePromise(p.ID, Int32Value(1))
	el.RejectPromise(p.ID, Int32Value(2))

	if p.State != PromiseFulfilled {
		t.Errorf("state = %v, want fulfilled (first settlement wins)", p.State)
	}
	if p.Result.AsInt32() != 1 {
		t.Errorf("result = %v, want 1", p.Result)
	}
}

func TestHasRunnableWorkExcludesPromises(t *testing.T) {
	el := NewEventLoop()
	el.CreatePromise()

	if el.HasRunnableWork() {
		t.Error("an unsettled promise is not runnable work")
	}
	if !el.HasPendingWork() {
		t.Error("an unsettled promise is still pending work")
	}

	el.QueueMacrotask(func() {})
	if !el.HasRunnableWork() {
		t.Error("queued macrotask should be runnable work")
	}
}

func TestPromiseStateString(t *testing.T) {
	if PromisePending.String() != "pending" ||
		PromiseFulfilled.String() != "fulfilled" ||
		PromiseRejected.String() != "rejected" {
		t.Error("unexpected PromiseState rendering")
	}
}
