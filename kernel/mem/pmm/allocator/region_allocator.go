package allocator

import (
	"io"
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no run of free frames can satisfy an
	// allocation request. It is not fatal by itself; callers decide.
	ErrOutOfMemory = &kernel.Error{Module: "frame_alloc", Message: "out of memory"}

	errTooManyRegions  = &kernel.Error{Module: "frame_alloc", Message: "region map has more usable regions than the allocator can track"}
	errFrameNotTracked = &kernel.Error{Module: "frame_alloc", Message: "frame does not belong to a usable region"}
	errSpanTableFull   = &kernel.Error{Module: "frame_alloc", Message: "span table is full"}
	errAllocatorLocked = &kernel.Error{Module: "frame_alloc", Message: "allocator lock is held; reentrant or concurrent use during init"}

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	// lockAttempts bounds the number of times the allocator tries to grab
	// its lock before treating the contention as a fatal ordering bug.
	lockAttempts uint32 = 1 << 16
)

// span describes a run of physically contiguous frames that are either all
// free or all allocated.
type span struct {
	frames pmm.FrameRange
	used   bool
}

// RegionAllocator implements a first-fit physical frame allocator over the
// usable entries of a region map.
//
// Allocation state is kept in a fixed-size table of spans sorted by start
// frame; neighbouring spans with the same state are always merged so the
// table never holds more entries than necessary. The table is sized by
// bootinfo.MaxRegions which means that the allocator does not need any
// memory besides its own struct.
//
// Frame 0 is never handed out so that a zero physical address can always be
// treated as invalid.
type RegionAllocator struct {
	lock sync.Spinlock

	spans     [bootinfo.MaxRegions]span
	spanCount int

	// totalFrames tracks the number of frames across all usable regions.
	totalFrames uint64

	// freeFrames tracks the number of frames that can still be allocated.
	freeFrames uint64
}

// acquire grabs the allocator lock. A lock that cannot be obtained within
// lockAttempts tries indicates an allocation from within an allocation (e.g.
// from an interrupt handler) and is fatal.
func (alloc *RegionAllocator) acquire() bool {
	if alloc.lock.TryToAcquireWithin(lockAttempts) {
		return true
	}

	panicFn(errAllocatorLocked)
	return false
}

// Init resets the allocator state and starts tracking the usable regions in
// mmap. Calling Init on an already initialized allocator discards its
// previous state.
func (alloc *RegionAllocator) Init(mmap *bootinfo.MemoryMap) *kernel.Error {
	if !alloc.acquire() {
		return errAllocatorLocked
	}
	defer alloc.lock.Release()

	alloc.spanCount = 0
	alloc.totalFrames = 0
	alloc.freeFrames = 0

	var err *kernel.Error
	mmap.Visit(func(region *bootinfo.Region) bool {
		if !region.Kind.Usable() || region.PageCount == 0 {
			return true
		}

		frames := region.Frames()
		if frames.Start == 0 {
			frames.Start++
			frames.Count--
			if frames.Count == 0 {
				return true
			}
		}

		if alloc.spanCount == len(alloc.spans) {
			err = errTooManyRegions
			return false
		}

		alloc.insertSorted(span{frames: frames})
		alloc.totalFrames += frames.Count
		return true
	})

	if err != nil {
		alloc.spanCount = 0
		alloc.totalFrames = 0
		return err
	}

	alloc.freeFrames = alloc.totalFrames
	alloc.coalesce()
	return nil
}

// AllocFrames reserves the first run of count contiguous free frames. A
// request for zero frames succeeds with an empty range. If no run is large
// enough, AllocFrames returns ErrOutOfMemory; it never returns a shorter run.
func (alloc *RegionAllocator) AllocFrames(count uint64) (pmm.FrameRange, *kernel.Error) {
	if count == 0 {
		return pmm.FrameRange{}, nil
	}

	if !alloc.acquire() {
		return pmm.FrameRange{}, errAllocatorLocked
	}
	defer alloc.lock.Release()

	for i := 0; i < alloc.spanCount; i++ {
		cur := alloc.spans[i]
		if cur.used || cur.frames.Count < count {
			continue
		}

		allocated := pmm.FrameRange{Start: cur.frames.Start, Count: count}
		if cur.frames.Count == count {
			alloc.spans[i].used = true
		} else {
			parts := [2]span{
				{frames: allocated, used: true},
				{frames: pmm.FrameRange{Start: allocated.End(), Count: cur.frames.Count - count}},
			}
			// The span table is full; a later span may still fit
			// without a split.
			if !alloc.replace(i, parts[:]) {
				continue
			}
		}

		alloc.freeFrames -= count
		alloc.coalesce()
		return allocated, nil
	}

	return pmm.FrameRange{}, ErrOutOfMemory
}

// AllocFrame reserves a single frame.
func (alloc *RegionAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	frames, err := alloc.AllocFrames(1)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return frames.Start, nil
}

// FreeFrame returns a single frame to the free pool. Freeing a frame that is
// already free is a no-op.
func (alloc *RegionAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	if !alloc.acquire() {
		return errAllocatorLocked
	}
	defer alloc.lock.Release()

	for i := 0; i < alloc.spanCount; i++ {
		cur := alloc.spans[i]
		if !cur.frames.Contains(frame) {
			continue
		}

		if !cur.used {
			return nil
		}

		var (
			parts [3]span
			count int
		)

		if frame > cur.frames.Start {
			parts[count] = span{frames: pmm.FrameRange{Start: cur.frames.Start, Count: uint64(frame - cur.frames.Start)}, used: true}
			count++
		}

		parts[count] = span{frames: pmm.FrameRange{Start: frame, Count: 1}}
		count++

		if frame+1 < cur.frames.End() {
			parts[count] = span{frames: pmm.FrameRange{Start: frame + 1, Count: uint64(cur.frames.End() - frame - 1)}, used: true}
			count++
		}

		if !alloc.replace(i, parts[:count]) {
			return errSpanTableFull
		}

		alloc.freeFrames++
		alloc.coalesce()
		return nil
	}

	return errFrameNotTracked
}

// FreeFrames returns the number of frames that are currently free.
func (alloc *RegionAllocator) FreeFrames() uint64 {
	if !alloc.acquire() {
		return 0
	}
	defer alloc.lock.Release()

	return alloc.freeFrames
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *RegionAllocator) TotalFrames() uint64 {
	if !alloc.acquire() {
		return 0
	}
	defer alloc.lock.Release()

	return alloc.totalFrames
}

// UsedRanges invokes visitor for each run of allocated frames. The visitor
// must return true to continue or false to abort the scan. The allocator is
// locked while the visitor runs so it must not call back into it.
func (alloc *RegionAllocator) UsedRanges(visitor func(pmm.FrameRange) bool) {
	if !alloc.acquire() {
		return
	}
	defer alloc.lock.Release()

	for i := 0; i < alloc.spanCount; i++ {
		if alloc.spans[i].used && !visitor(alloc.spans[i].frames) {
			return
		}
	}
}

// PrintMemoryMap writes the allocator spans to w.
func (alloc *RegionAllocator) PrintMemoryMap(w io.Writer) {
	if !alloc.acquire() {
		return
	}
	defer alloc.lock.Release()

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[frame_alloc] ")}

	kfmt.Fprintf(pw, "tracked spans:\n")
	for i := 0; i < alloc.spanCount; i++ {
		state := "free"
		if alloc.spans[i].used {
			state = "used"
		}

		kfmt.Fprintf(pw, "  [0x%10x - 0x%10x], pages: %8d, %s\n",
			alloc.spans[i].frames.Start.Address(),
			alloc.spans[i].frames.End().Address(),
			alloc.spans[i].frames.Count,
			state,
		)
	}
	kfmt.Fprintf(pw, "available memory: %dKb of %dKb\n",
		uint64(mem.Size(alloc.freeFrames)*mem.PageSize/mem.Kb),
		uint64(mem.Size(alloc.totalFrames)*mem.PageSize/mem.Kb),
	)
}

// insertSorted adds s to the span table keeping it ordered by start frame.
// The caller must ensure there is room for one more span.
func (alloc *RegionAllocator) insertSorted(s span) {
	i := alloc.spanCount
	for ; i > 0 && alloc.spans[i-1].frames.Start > s.frames.Start; i-- {
		alloc.spans[i] = alloc.spans[i-1]
	}
	alloc.spans[i] = s
	alloc.spanCount++
}

// replace substitutes the span at index i with parts, shifting the spans that
// follow. It returns false if the span table cannot fit the extra entries.
func (alloc *RegionAllocator) replace(i int, parts []span) bool {
	extra := len(parts) - 1
	if alloc.spanCount+extra > len(alloc.spans) {
		return false
	}

	copy(alloc.spans[i+len(parts):alloc.spanCount+extra], alloc.spans[i+1:alloc.spanCount])
	copy(alloc.spans[i:], parts)
	alloc.spanCount += extra
	return true
}

// coalesce merges neighbouring spans that share the same state and are
// physically contiguous.
func (alloc *RegionAllocator) coalesce() {
	if alloc.spanCount == 0 {
		return
	}

	last := 0
	for i := 1; i < alloc.spanCount; i++ {
		next := alloc.spans[i]
		if cur := &alloc.spans[last]; cur.used == next.used && cur.frames.End() == next.frames.Start {
			cur.frames.Count += next.frames.Count
			continue
		}

		last++
		alloc.spans[last] = next
	}
	alloc.spanCount = last + 1
}
