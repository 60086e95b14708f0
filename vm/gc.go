package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("kava.gc")

// GCEventKind labels a completed collection cycle.
type GCEventKind string

const (
	GCEventMinor GCEventKind = "minor"
	GCEventMajor GCEventKind = "major"
)

// GCEvent describes one finished collection, for telemetry sinks.
type GCEvent struct {
	Kind             GCEventKind
	Pause            time.Duration
	BytesCollected   uint64
	ObjectsCollected uint64
	HeapUsed         uint64
}

// RootVisitor is called with every value the embedder considers reachable.
type RootVisitor func(visit func(Value))

// GarbageCollector runs generational mark-sweep over a Heap. Roots come from
// two places: explicitly registered Value slots and the embedder's root
// scanner, which walks globals, stacks and frames.
type GarbageCollector struct {
	heap        *Heap
	roots       []*Value
	rootScanner RootVisitor

	// Young objects referenced from old-gen parents; refilled by the write
	// barrier between minor cycles.
	remembered []Handle

	// OnEvent, when set, observes every finished cycle.
	OnEvent func(GCEvent)
}

func NewGarbageCollector(heap *Heap) *GarbageCollector {
	return &GarbageCollector{heap: heap}
}

func (gc *GarbageCollector) SetRootScanner(scanner RootVisitor) {
	gc.rootScanner = scanner
}

// AddRoot registers a Value slot that is always reachable. The slot is read
// at mark time, so callers may rebind it between collections.
func (gc *GarbageCollector) AddRoot(root *Value) {
	gc.roots = append(gc.roots, root)
}

func (gc *GarbageCollector) RemoveRoot(root *Value) {
	for i, r := range gc.roots {
		if r == root {
			gc.roots = append(gc.roots[:i], gc.roots[i+1:]...)
			return
		}
	}
}

// WriteBarrier records an old-to-young reference so minor cycles can treat
// the child as a root. Call it whenever a reference is stored into an object.
func (gc *GarbageCollector) WriteBarrier(parent, child *GCObject) {
	if parent == nil || child == nil {
		return
	}
	if parent.IsOldGen() && !child.IsOldGen() {
		gc.remembered = append(gc.remembered, child.Handle)
	}
}

func (gc *GarbageCollector) Stats() GCStats { return gc.heap.Stats }

// Collect runs the standard policy: a minor cycle, then a full cycle when the
// old generation is above its trigger ratio. Non-generational heaps always
// collect fully.
func (gc *GarbageCollector) Collect() {
	if gc.heap.Config.Generational {
		gc.CollectYoung()
		oldUsed := float64(gc.heap.OldGen.Used())
		if oldUsed > float64(gc.heap.OldGen.Capacity())*0.75 {
			gc.CollectFull()
		}
	} else {
		gc.CollectFull()
	}
}

// CollectYoung runs a minor cycle: mark young objects reachable from roots
// and the remembered set, age the survivors, promote the old enough, then
// reset Eden. Promotion is logical (the OLD_GEN flag); object payloads are
// not copied out of Eden.
func (gc *GarbageCollector) CollectYoung() {
	start := time.Now()

	edenBefore := gc.heap.Eden.Used()
	gc.unmarkAll()
	gc.minorMark()
	promoted := gc.minorSweep()

	elapsed := time.Since(start)
	gc.finishCycle(GCEventMinor, elapsed, uint64(edenBefore), 0)
	gc.heap.Stats.MinorCollections++

	if gc.heap.Config.Verbose {
		gcLog.Infof("minor gc: eden %d bytes reset, %d promoted, pause %s",
			edenBefore, promoted, elapsed)
	}
}

// CollectFull runs a major cycle: unmark everything, mark from all roots,
// sweep unmarked objects out of the live index.
func (gc *GarbageCollector) CollectFull() {
	start := time.Now()

	gc.unmarkAll()
	gc.markPhase()
	freedBytes, freedObjects := gc.sweepPhase()

	elapsed := time.Since(start)
	gc.finishCycle(GCEventMajor, elapsed, freedBytes, freedObjects)
	gc.heap.Stats.MajorCollections++

	if gc.heap.Config.Verbose {
		gcLog.Infof("major gc: %d objects / %d bytes collected, pause %s",
			freedObjects, freedBytes, elapsed)
	}
}

func (gc *GarbageCollector) finishCycle(kind GCEventKind, elapsed time.Duration, bytes, objects uint64) {
	stats := &gc.heap.Stats
	stats.TotalCollections++
	ms := uint64(elapsed.Milliseconds())
	stats.TotalTimeMs += ms
	if ms > stats.MaxPauseMs {
		stats.MaxPauseMs = ms
	}
	if gc.OnEvent != nil {
		gc.OnEvent(GCEvent{
			Kind:             kind,
			Pause:            elapsed,
			BytesCollected:   bytes,
			ObjectsCollected: objects,
			HeapUsed:         uint64(gc.heap.TotalUsed()),
		})
	}
}

// ---------------------------------------------------------------------------
// Marking

func (gc *GarbageCollector) unmarkAll() {
	for _, obj := range gc.heap.objects {
		obj.Unmark()
	}
}

func (gc *GarbageCollector) markPhase() {
	for _, root := range gc.roots {
		gc.MarkValue(*root)
	}
	if gc.rootScanner != nil {
		gc.rootScanner(gc.MarkValue)
	}
}

// MarkValue marks whatever a value can reach: object handles directly,
// lambda captures transitively.
func (gc *GarbageCollector) MarkValue(v Value) {
	switch v.Kind() {
	case KindObjectRef:
		gc.mark(v.AsHandle())
	case KindLambdaRef:
		for _, c := range v.AsLambda().Captures {
			gc.MarkValue(c)
		}
	}
}

// markValueYoung is the minor-cycle variant: old-gen objects terminate the
// walk, the remembered set covers their young children.
func (gc *GarbageCollector) markValueYoung(v Value) {
	switch v.Kind() {
	case KindObjectRef:
		if obj := gc.heap.Get(v.AsHandle()); obj != nil && !obj.IsOldGen() {
			gc.mark(obj.Handle)
		}
	case KindLambdaRef:
		for _, c := range v.AsLambda().Captures {
			gc.markValueYoung(c)
		}
	}
}

func (gc *GarbageCollector) mark(h Handle) {
	obj := gc.heap.Get(h)
	if obj == nil || obj.IsMarked() {
		return
	}
	obj.Mark()
	gc.scanObject(obj)
}

// scanObject follows outgoing references. Object arrays hold handles in
// their payload; INSTANCE field maps await class metadata and are treated as
// reference-free for now.
func (gc *GarbageCollector) scanObject(obj *GCObject) {
	if obj.Type != TypeArrayObject {
		return
	}
	length := obj.ArrayLength()
	for i := int32(0); i < length; i++ {
		if h := obj.RefAt(i); h != NilHandle {
			gc.mark(h)
		}
	}
}

// ---------------------------------------------------------------------------
// Sweeping

func (gc *GarbageCollector) sweepPhase() (freedBytes, freedObjects uint64) {
	kept := gc.heap.objects[:0]
	for _, obj := range gc.heap.objects {
		if obj.IsMarked() {
			kept = append(kept, obj)
			continue
		}
		freedBytes += uint64(obj.Size)
		freedObjects++
		gc.heap.removeFromIndex(obj)
	}
	gc.heap.objects = kept

	gc.heap.Stats.TotalBytesCollected += freedBytes
	gc.heap.Stats.TotalObjectsCollected += freedObjects
	return freedBytes, freedObjects
}

// ---------------------------------------------------------------------------
// Minor cycle

func (gc *GarbageCollector) minorMark() {
	for _, root := range gc.roots {
		gc.markValueYoung(*root)
	}
	if gc.rootScanner != nil {
		gc.rootScanner(gc.markValueYoung)
	}
	for _, h := range gc.remembered {
		if obj := gc.heap.Get(h); obj != nil && !obj.IsOldGen() {
			gc.mark(h)
		}
	}
}

// minorSweep ages marked young survivors and promotes the ones that reached
// the tenure threshold, then resets Eden and clears the remembered set.
// Unreachable young objects stay in the index until the next full cycle.
func (gc *GarbageCollector) minorSweep() (promoted int) {
	for _, obj := range gc.heap.objects {
		if obj.IsMarked() && !obj.IsOldGen() {
			obj.Age++
			if obj.Age >= gc.heap.Config.TenureThreshold {
				gc.promote(obj)
				promoted++
			}
		}
	}
	gc.heap.Eden.Reset()
	gc.remembered = gc.remembered[:0]
	return promoted
}

func (gc *GarbageCollector) promote(obj *GCObject) {
	obj.Flags |= FlagOldGen
}
