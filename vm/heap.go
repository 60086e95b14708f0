package vm

import "encoding/binary"

// headerSize is the accounted per-object header: classId (4), size (4),
// type (1), flags (1), age (2) and 4 bytes of padding.
const headerSize = 16

// GCConfig tunes heap sizing and collection policy.
type GCConfig struct {
	InitialHeapSize int64
	MaxHeapSize     int64
	YoungGenRatio   int64   // young gen = initial / ratio
	SurvivorRatio   int64   // survivor = young / ratio
	TenureThreshold uint16  // age at which survivors are promoted
	TriggerRatio    float64 // collect when usage crosses this
	Generational    bool
	Verbose         bool
}

// DefaultGCConfig mirrors the stock runtime tuning.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		InitialHeapSize: 16 * 1024 * 1024,
		MaxHeapSize:     256 * 1024 * 1024,
		YoungGenRatio:   3,
		SurvivorRatio:   8,
		TenureThreshold: 15,
		TriggerRatio:    0.75,
		Generational:    true,
	}
}

// GCStats accumulates collection counters across the heap's lifetime.
type GCStats struct {
	TotalCollections      uint64
	MinorCollections      uint64
	MajorCollections      uint64
	TotalBytesCollected   uint64
	TotalObjectsCollected uint64
	TotalTimeMs           uint64
	MaxPauseMs            uint64
	CurrentHeapSize       uint64
	PeakHeapSize          uint64
}

func (s *GCStats) Reset() {
	s.TotalCollections = 0
	s.MinorCollections = 0
	s.MajorCollections = 0
	s.TotalBytesCollected = 0
	s.TotalObjectsCollected = 0
	s.TotalTimeMs = 0
	s.MaxPauseMs = 0
}

func (s *GCStats) AvgPauseMs() float64 {
	if s.TotalCollections == 0 {
		return 0
	}
	return float64(s.TotalTimeMs) / float64(s.TotalCollections)
}

// MemoryBlock is a bump-pointer arena over a fixed byte buffer.
type MemoryBlock struct {
	buf []byte
	off int
}

func NewMemoryBlock(size int64) *MemoryBlock {
	return &MemoryBlock{buf: make([]byte, size)}
}

func (b *MemoryBlock) Capacity() int  { return len(b.buf) }
func (b *MemoryBlock) Used() int      { return b.off }
func (b *MemoryBlock) Available() int { return len(b.buf) - b.off }
func (b *MemoryBlock) Reset()         { b.off = 0 }

func (b *MemoryBlock) CanAllocate(size int) bool {
	return b.off+size <= len(b.buf)
}

// Allocate bumps the pointer and returns the reserved bytes, or nil when the
// block is exhausted. Failure leaves the bump pointer untouched.
func (b *MemoryBlock) Allocate(size int) []byte {
	if !b.CanAllocate(size) {
		return nil
	}
	mem := b.buf[b.off : b.off+size]
	b.off += size
	return mem
}

// Heap owns the generation arenas and the live-object index. Allocation is
// not goroutine safe; the interpreter is single threaded.
type Heap struct {
	Config GCConfig
	Stats  GCStats

	Eden      *MemoryBlock
	Survivor1 *MemoryBlock
	Survivor2 *MemoryBlock
	OldGen    *MemoryBlock

	objects    []*GCObject
	byHandle   map[Handle]*GCObject
	nextHandle Handle
}

// NewHeap carves the generations out of the configured initial size:
// young = initial/youngGenRatio, survivor = young/survivorRatio,
// eden = young - 2*survivor, old = initial - young. Non-generational heaps
// allocate everything in a single old-gen block.
func NewHeap(cfg GCConfig) *Heap {
	h := &Heap{
		Config:     cfg,
		byHandle:   make(map[Handle]*GCObject),
		nextHandle: 1,
	}
	if cfg.Generational {
		youngSize := cfg.InitialHeapSize / cfg.YoungGenRatio
		survivorSize := youngSize / cfg.SurvivorRatio
		edenSize := youngSize - 2*survivorSize
		oldSize := cfg.InitialHeapSize - youngSize

		h.Eden = NewMemoryBlock(edenSize)
		h.Survivor1 = NewMemoryBlock(survivorSize)
		h.Survivor2 = NewMemoryBlock(survivorSize)
		h.OldGen = NewMemoryBlock(oldSize)
	} else {
		h.OldGen = NewMemoryBlock(cfg.InitialHeapSize)
	}
	h.Stats.CurrentHeapSize = uint64(cfg.InitialHeapSize)
	h.Stats.PeakHeapSize = uint64(cfg.InitialHeapSize)
	return h
}

// Get resolves a handle; nil means the object was collected or the handle is
// stale.
func (h *Heap) Get(handle Handle) *GCObject {
	return h.byHandle[handle]
}

// Objects exposes the live-object index for the collector.
func (h *Heap) Objects() []*GCObject { return h.objects }

// ObjectCount reports indexed objects, collected-but-unswept ones included.
func (h *Heap) ObjectCount() int { return len(h.objects) }

// Allocate reserves an object with dataSize payload bytes, zero initialized.
// The total size is header + payload rounded up to 8 bytes. Returns nil when
// the target arena cannot satisfy the request; the caller decides whether to
// collect and retry.
func (h *Heap) Allocate(classID uint32, typ ObjectType, dataSize int) *GCObject {
	totalSize := (headerSize + dataSize + 7) &^ 7

	var block *MemoryBlock
	if h.Config.Generational {
		block = h.Eden
	} else {
		block = h.OldGen
	}
	mem := block.Allocate(totalSize)
	if mem == nil {
		return nil
	}
	for i := range mem {
		mem[i] = 0
	}

	obj := &GCObject{
		Handle:  h.nextHandle,
		ClassID: classID,
		Size:    uint32(totalSize),
		Type:    typ,
		Data:    mem[headerSize : headerSize+dataSize],
	}
	h.nextHandle++
	h.objects = append(h.objects, obj)
	h.byHandle[obj.Handle] = obj
	return obj
}

// AllocateArray reserves an array of length elements of the given array type.
// The element count lands in the first payload word.
func (h *Heap) AllocateArray(elemType ObjectType, length int32) *GCObject {
	dataSize := 4 + int(length)*elemType.ElemSize()
	obj := h.Allocate(0, elemType, dataSize)
	if obj != nil {
		obj.Flags |= FlagArray
		binary.LittleEndian.PutUint32(obj.Data, uint32(length))
	}
	return obj
}

// AllocateString stores s as length + bytes + NUL.
func (h *Heap) AllocateString(s string) *GCObject {
	dataSize := 4 + len(s) + 1
	obj := h.Allocate(0, TypeString, dataSize)
	if obj != nil {
		binary.LittleEndian.PutUint32(obj.Data, uint32(len(s)))
		copy(obj.Data[4:], s)
		obj.Data[4+len(s)] = 0
	}
	return obj
}

func (h *Heap) TotalUsed() int {
	used := h.OldGen.Used()
	if h.Eden != nil {
		used += h.Eden.Used()
	}
	if h.Survivor1 != nil {
		used += h.Survivor1.Used()
	}
	return used
}

func (h *Heap) TotalCapacity() int {
	cap := h.OldGen.Capacity()
	if h.Eden != nil {
		cap += h.Eden.Capacity()
	}
	if h.Survivor1 != nil {
		cap += h.Survivor1.Capacity()
	}
	if h.Survivor2 != nil {
		cap += h.Survivor2.Capacity()
	}
	return cap
}

func (h *Heap) UsageRatio() float64 {
	cap := h.TotalCapacity()
	if cap == 0 {
		return 1
	}
	return float64(h.TotalUsed()) / float64(cap)
}

// NeedsGC reports whether usage crossed the configured trigger ratio.
func (h *Heap) NeedsGC() bool {
	return h.UsageRatio() >= h.Config.TriggerRatio
}

// removeFromIndex is called by the sweep phase only.
func (h *Heap) removeFromIndex(obj *GCObject) {
	delete(h.byHandle, obj.Handle)
}
