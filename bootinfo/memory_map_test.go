package bootinfo

import (
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"testing"
)

func TestNewMemoryMap(t *testing.T) {
	backing := make([]Region, 4)

	if _, err := NewMemoryMap(backing, 5); err != errMapCapacity {
		t.Fatalf("expected to get errMapCapacity; got %v", err)
	}

	mmap, err := NewMemoryMap(backing, 2)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := 2, mmap.Len(); got != exp {
		t.Fatalf("expected Len() to return %d; got %d", exp, got)
	}

	if exp, got := 4, mmap.Cap(); got != exp {
		t.Fatalf("expected Cap() to return %d; got %d", exp, got)
	}
}

func TestValidate(t *testing.T) {
	specs := []struct {
		regions []Region
		expErr  error
	}{
		{
			[]Region{
				{PhysStart: 0x0, PageCount: 0x9f, Kind: RegionConventional},
				{PhysStart: 0x100000, PageCount: 0x100, Kind: RegionConventional},
			},
			nil,
		},
		{
			[]Region{
				{PhysStart: 0x100000, PageCount: 0, Kind: RegionConventional},
			},
			errEmptyRegion,
		},
		{
			[]Region{
				{PhysStart: 0x100800, PageCount: 1, Kind: RegionConventional},
			},
			errUnaligned,
		},
		{
			[]Region{
				{PhysStart: 0x100000, PageCount: 0x10, Kind: RegionConventional},
				{PhysStart: 0x0, PageCount: 0x10, Kind: RegionReserved},
				{PhysStart: 0x10f000, PageCount: 0x1, Kind: RegionMMIO},
			},
			errOverlap,
		},
		{
			// the end of the second entry wraps around the address space
			[]Region{
				{PhysStart: 0x100000, PageCount: 0x10, Kind: RegionConventional},
				{PhysStart: 0x200000, PageCount: ^uint64(0), Kind: RegionConventional},
			},
			errRegionRange,
		},
		{
			[]Region{
				{PhysStart: 1 << 52, PageCount: 1, Kind: RegionMMIO},
			},
			errRegionRange,
		},
		{
			[]Region{
				{PhysStart: 1<<52 - 0x2000, PageCount: 3, Kind: RegionMMIO},
			},
			errRegionRange,
		},
		{
			[]Region{
				{PhysStart: 1<<52 - 0x2000, PageCount: 2, Kind: RegionMMIO},
			},
			nil,
		},
	}

	for specIndex, spec := range specs {
		mmap, err := NewMemoryMap(spec.regions, len(spec.regions))
		if err != nil {
			t.Fatal(err)
		}

		if err := mmap.Validate(); (spec.expErr == nil && err != nil) || (spec.expErr != nil && err != spec.expErr) {
			t.Errorf("[spec %d] expected Validate to return %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestReserve(t *testing.T) {
	newMap := func(capacity int) *MemoryMap {
		backing := make([]Region, capacity)
		backing[0] = Region{PhysStart: 0x0, PageCount: 0x10, Kind: RegionReserved}
		backing[1] = Region{PhysStart: 0x100000, PageCount: 0x10, Kind: RegionConventional}
		backing[2] = Region{PhysStart: 0x200000, PageCount: 0x4, Kind: RegionACPIReclaim}
		mmap, err := NewMemoryMap(backing, 3)
		if err != nil {
			t.Fatal(err)
		}
		return mmap
	}

	t.Run("split in the middle", func(t *testing.T) {
		mmap := newMap(8)
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x104000), Count: 2}
		if err := mmap.Reserve(frames, RegionKernelImage); err != nil {
			t.Fatal(err)
		}

		exp := []Region{
			{PhysStart: 0x0, PageCount: 0x10, Kind: RegionReserved},
			{PhysStart: 0x100000, PageCount: 0x4, Kind: RegionConventional},
			{PhysStart: 0x104000, PageCount: 0x2, Kind: RegionKernelImage},
			{PhysStart: 0x106000, PageCount: 0xa, Kind: RegionConventional},
			{PhysStart: 0x200000, PageCount: 0x4, Kind: RegionACPIReclaim},
		}
		assertRegions(t, mmap, exp)

		if err := mmap.Validate(); err != nil {
			t.Fatalf("expected map to remain valid after Reserve; got %v", err)
		}
	})

	t.Run("split at region start", func(t *testing.T) {
		mmap := newMap(8)
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x100000), Count: 3}
		if err := mmap.Reserve(frames, RegionKernelImage); err != nil {
			t.Fatal(err)
		}

		exp := []Region{
			{PhysStart: 0x0, PageCount: 0x10, Kind: RegionReserved},
			{PhysStart: 0x100000, PageCount: 0x3, Kind: RegionKernelImage},
			{PhysStart: 0x103000, PageCount: 0xd, Kind: RegionConventional},
			{PhysStart: 0x200000, PageCount: 0x4, Kind: RegionACPIReclaim},
		}
		assertRegions(t, mmap, exp)
	})

	t.Run("whole region", func(t *testing.T) {
		mmap := newMap(3)
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x100000), Count: 0x10}
		if err := mmap.Reserve(frames, RegionKernelImage); err != nil {
			t.Fatal(err)
		}

		if exp, got := RegionKernelImage, mmap.Region(1).Kind; got != exp {
			t.Fatalf("expected region kind to be %s; got %s", exp, got)
		}
	})

	t.Run("capacity exceeded", func(t *testing.T) {
		mmap := newMap(4)
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x104000), Count: 2}
		if err := mmap.Reserve(frames, RegionKernelImage); err != errMapCapacity {
			t.Fatalf("expected to get errMapCapacity; got %v", err)
		}

		if exp, got := 3, mmap.Len(); got != exp {
			t.Fatalf("expected a failed Reserve to leave the map untouched; got %d entries", got)
		}
	})

	t.Run("not usable", func(t *testing.T) {
		mmap := newMap(8)
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x200000), Count: 1}
		if err := mmap.Reserve(frames, RegionKernelImage); err != errNotReservable {
			t.Fatalf("expected to get errNotReservable; got %v", err)
		}
	})

	t.Run("straddles regions", func(t *testing.T) {
		mmap := newMap(8)
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x10f000), Count: 2}
		if err := mmap.Reserve(frames, RegionKernelImage); err != errNotReservable {
			t.Fatalf("expected to get errNotReservable; got %v", err)
		}
	})

	t.Run("sealed", func(t *testing.T) {
		mmap := newMap(8)
		mmap.Seal()
		frames := pmm.FrameRange{Start: pmm.FrameFromAddress(0x100000), Count: 1}
		if err := mmap.Reserve(frames, RegionKernelImage); err != errMapSealed {
			t.Fatalf("expected to get errMapSealed; got %v", err)
		}
	})
}

func TestVisitAndUsableSize(t *testing.T) {
	regions := []Region{
		{PhysStart: 0x0, PageCount: 0x9f, Kind: RegionConventional},
		{PhysStart: 0x9f000, PageCount: 0x61, Kind: RegionReserved},
		{PhysStart: 0x100000, PageCount: 0x7ee0, Kind: RegionConventional},
	}
	mmap, _ := NewMemoryMap(regions, len(regions))

	if exp, got := mem.Size(0x9f+0x7ee0)*mem.PageSize, mmap.UsableSize(); got != exp {
		t.Fatalf("expected UsableSize() to return %d; got %d", exp, got)
	}

	var visited int
	mmap.Visit(func(r *Region) bool {
		visited++
		return r.Kind != RegionReserved
	})

	if exp := 2; visited != exp {
		t.Fatalf("expected visitor to abort after %d entries; visited %d", exp, visited)
	}
}

func TestRegionKindString(t *testing.T) {
	specs := []struct {
		kind RegionKind
		exp  string
	}{
		{RegionConventional, "available"},
		{RegionReserved, "reserved"},
		{RegionACPIReclaim, "ACPI (reclaimable)"},
		{RegionKernelImage, "kernel image"},
		{RegionKind(0xff), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}

	for kind := RegionReserved; kind <= RegionPersistent; kind++ {
		if exp, got := kind == RegionConventional, kind.Usable(); got != exp {
			t.Errorf("expected %s.Usable() to return %t; got %t", kind, exp, got)
		}
	}
}

func assertRegions(t *testing.T, mmap *MemoryMap, exp []Region) {
	t.Helper()

	if mmap.Len() != len(exp) {
		t.Fatalf("expected map to contain %d entries; got %d", len(exp), mmap.Len())
	}

	for i := range exp {
		if got := mmap.Region(i); got != exp[i] {
			t.Errorf("[entry %d] expected %+v; got %+v", i, exp[i], got)
		}
	}
}
