package firmware

import (
	"errors"
	"fmt"
	"io"
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"testing"
	"unsafe"
)

type fakeBootServices struct {
	regions []bootinfo.Region
	mapErr  error

	// exitErrs holds the result of successive ExitBootServices calls;
	// once exhausted calls succeed.
	exitErrs []error

	mapCalls  int
	exitCalls int
	exitKeys  []uint64
}

func (f *fakeBootServices) MemoryMap(buf []bootinfo.Region) (int, uint64, error) {
	f.mapCalls++
	if f.mapErr != nil {
		return 0, 0, f.mapErr
	}

	if len(f.regions) > len(buf) {
		return len(f.regions), 0, nil
	}

	copy(buf, f.regions)
	return len(f.regions), uint64(0x100 + f.mapCalls), nil
}

func (f *fakeBootServices) ExitBootServices(key uint64) error {
	f.exitCalls++
	f.exitKeys = append(f.exitKeys, key)
	if len(f.exitErrs) == 0 {
		return nil
	}

	err := f.exitErrs[0]
	f.exitErrs = f.exitErrs[1:]
	return err
}

func testRegions() []bootinfo.Region {
	return []bootinfo.Region{
		{PhysStart: 0x0, PageCount: 0x9f, Kind: bootinfo.RegionConventional},
		{PhysStart: 0x100000, PageCount: 0x100, Kind: bootinfo.RegionLoaderData},
		{PhysStart: 0x200000, PageCount: 0x7de0, Kind: bootinfo.RegionConventional},
	}
}

func mockOutputSink(t *testing.T) *int {
	var calls int
	setOutputSinkFn = func(w io.Writer) {
		if w != nil {
			t.Errorf("expected output sink to be detached; got %v", w)
		}
		calls++
	}
	t.Cleanup(func() { setOutputSinkFn = kfmt.SetOutputSink })
	return &calls
}

func TestExitBootServices(t *testing.T) {
	sinkCalls := mockOutputSink(t)

	fw := &fakeBootServices{regions: testRegions()}
	session := NewSession(fw)

	mmap, err := session.ExitBootServices()
	if err != nil {
		t.Fatal(err)
	}

	if !session.Retired() {
		t.Fatal("expected session to be retired after exiting boot services")
	}

	if *sinkCalls != 1 {
		t.Fatalf("expected output sink to be detached once; got %d calls", *sinkCalls)
	}

	if exp := len(fw.regions); mmap.Len() != exp {
		t.Fatalf("expected captured map to have %d entries; got %d", exp, mmap.Len())
	}

	for i, exp := range fw.regions {
		if got := mmap.Region(i); got != exp {
			t.Errorf("[region %d] expected %v; got %v", i, exp, got)
		}
	}

	if mmap.Cap() != bootinfo.MaxRegions {
		t.Fatalf("expected map capacity to be %d; got %d", bootinfo.MaxRegions, mmap.Cap())
	}

	if mmap.Addr() != uintptrOf(&session.regions[0]) {
		t.Fatal("expected map to be backed by the session buffer")
	}

	t.Run("retired session", func(t *testing.T) {
		if _, err := session.ExitBootServices(); err != errRetired {
			t.Fatalf("expected to get errRetired; got %v", err)
		}

		if fw.mapCalls != 1 || fw.exitCalls != 1 {
			t.Fatalf("expected no firmware calls through a retired session; got %d map and %d exit calls", fw.mapCalls, fw.exitCalls)
		}
	})
}

func TestExitBootServicesStaleKey(t *testing.T) {
	mockOutputSink(t)

	t.Run("retry succeeds", func(t *testing.T) {
		fw := &fakeBootServices{
			regions:  testRegions(),
			exitErrs: []error{ErrStaleMapKey},
		}
		session := NewSession(fw)

		if _, err := session.ExitBootServices(); err != nil {
			t.Fatal(err)
		}

		if fw.mapCalls != 2 || fw.exitCalls != 2 {
			t.Fatalf("expected the map to be recaptured once; got %d map and %d exit calls", fw.mapCalls, fw.exitCalls)
		}

		if fw.exitKeys[0] == fw.exitKeys[1] {
			t.Fatal("expected the retry to use the key of the recaptured map")
		}
	})

	t.Run("wrapped stale key", func(t *testing.T) {
		fw := &fakeBootServices{
			regions:  testRegions(),
			exitErrs: []error{fmt.Errorf("EFI_INVALID_PARAMETER: %w", ErrStaleMapKey)},
		}
		session := NewSession(fw)

		if _, err := session.ExitBootServices(); err != nil {
			t.Fatalf("expected a wrapped stale key to trigger a retry; got %v", err)
		}

		if fw.exitCalls != 2 || !session.Retired() {
			t.Fatalf("expected a successful retry; got %d exit calls, retired: %t", fw.exitCalls, session.Retired())
		}
	})

	t.Run("retry fails", func(t *testing.T) {
		fw := &fakeBootServices{
			regions:  testRegions(),
			exitErrs: []error{ErrStaleMapKey, ErrStaleMapKey, ErrStaleMapKey},
		}
		session := NewSession(fw)

		if _, err := session.ExitBootServices(); err != ErrStaleMapKey {
			t.Fatalf("expected to get ErrStaleMapKey; got %v", err)
		}

		if fw.exitCalls != exitAttempts {
			t.Fatalf("expected %d exit attempts; got %d", exitAttempts, fw.exitCalls)
		}

		if session.Retired() {
			t.Fatal("expected session to remain active after a failed exit")
		}
	})
}

func TestExitBootServicesErrors(t *testing.T) {
	mockOutputSink(t)

	tooMany := make([]bootinfo.Region, bootinfo.MaxRegions+1)
	for i := range tooMany {
		tooMany[i] = bootinfo.Region{PhysStart: uint64(i) << 12, PageCount: 1, Kind: bootinfo.RegionConventional}
	}

	specs := []struct {
		fw     *fakeBootServices
		expErr *kernel.Error
	}{
		{&fakeBootServices{mapErr: errors.New("buffer too small")}, errMapFailed},
		{&fakeBootServices{regions: tooMany}, errMapTooLarge},
		{&fakeBootServices{regions: testRegions(), exitErrs: []error{errors.New("invalid parameter")}}, errExitFailed},
	}

	for specIndex, spec := range specs {
		session := NewSession(spec.fw)
		if _, err := session.ExitBootServices(); err != spec.expErr {
			t.Errorf("[spec %d] expected to get %v; got %v", specIndex, spec.expErr, err)
		}

		if session.Retired() {
			t.Errorf("[spec %d] expected session to remain active", specIndex)
		}
	}
}

func uintptrOf(r *bootinfo.Region) uintptr {
	return uintptr(unsafe.Pointer(r))
}
