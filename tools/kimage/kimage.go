package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"unsafe"

	"kestrel/boot/elfload"
	"kestrel/boot/handoff"
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/pmm/allocator"
	"kestrel/kernel/mem/vmm"

	"github.com/fsnotify/fsnotify"
	"github.com/u-root/u-root/pkg/boot/bzimage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// addressRangePersistentMemory is the ACPI address range type for
// persistent memory; bzimage does not define it.
const addressRangePersistentMemory = 7

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kimage] error: %s\n", err.Error())
	os.Exit(1)
}

// arena is a block of anonymous memory that stands in for physical RAM.
// Frame numbers handed out during a dry run are derived from its host
// addresses so the loader can write through them unchanged.
type arena struct {
	mem []byte
}

func newArena(size mem.Size) (*arena, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("unable to map %d bytes for the memory arena: %w", size, err)
	}

	return &arena{mem: buf}, nil
}

func (a *arena) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
}

// frame returns the arena bytes that back the supplied frame.
func (a *arena) frame(f pmm.Frame) []byte {
	off := f.Address() - a.base()
	return a.mem[off : off+uintptr(mem.PageSize)]
}

// regions describes the arena as a firmware memory map: the first
// reservedPages pages hold loader data and the remainder is free.
func (a *arena) regions(buf []bootinfo.Region, reservedPages uint64) int {
	total := mem.Size(len(a.mem)).Pages()
	if reservedPages >= total {
		reservedPages = 0
	}

	n := 0
	if reservedPages > 0 {
		buf[n] = bootinfo.Region{PhysStart: uint64(a.base()), PageCount: reservedPages, Kind: bootinfo.RegionLoaderData}
		n++
	}

	buf[n] = bootinfo.Region{
		PhysStart: uint64(a.base()) + reservedPages<<mem.PageShift,
		PageCount: total - reservedPages,
		Kind:      bootinfo.RegionConventional,
	}
	return n + 1
}

func (a *arena) Close() error {
	return unix.Munmap(a.mem)
}

type mapping struct {
	frame pmm.Frame
	flags vmm.PageTableEntryFlag
}

// recordingMapper records the mappings requested by the loader instead of
// editing page tables.
type recordingMapper struct {
	pages map[vmm.Page]mapping
}

func (m *recordingMapper) Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	m.pages[page] = mapping{frame: frame, flags: flags}
	return nil
}

// e820 converts a region map entry into the legacy BIOS E820 view.
func e820(r bootinfo.Region) bzimage.E820Entry {
	e := bzimage.E820Entry{
		Addr: r.PhysStart,
		Size: uint64(r.Size()),
	}

	switch r.Kind {
	case bootinfo.RegionLoaderCode, bootinfo.RegionLoaderData,
		bootinfo.RegionBootServicesCode, bootinfo.RegionBootServicesData,
		bootinfo.RegionConventional:
		e.MemType = bzimage.RAM
	case bootinfo.RegionPersistent:
		e.MemType = addressRangePersistentMemory
	case bootinfo.RegionACPIReclaim:
		e.MemType = bzimage.ACPI
	case bootinfo.RegionACPINVS:
		e.MemType = bzimage.NVS
	default:
		e.MemType = bzimage.Reserved
	}

	return e
}

// dryRun loads image into an arena of memSize bytes exactly as the
// bootloader would, verifies the copied segments and prints the region map
// the kernel would receive.
func dryRun(w io.Writer, image []byte, memSize mem.Size, reservedPages uint64) error {
	img, kerr := elfload.Parse(image)
	if kerr != nil {
		return kerr
	}

	fmt.Fprintf(w, "entry: 0x%016x\n", img.Entry)
	fmt.Fprintf(w, "segments:\n")
	for _, seg := range img.Segments {
		fmt.Fprintf(w, "  0x%016x filesz: %8d memsz: %8d pages: %4d flags: %s\n",
			seg.VirtAddr, seg.FileSize, seg.MemSize, seg.PageCount(), seg.Flags)
	}

	a, err := newArena(memSize)
	if err != nil {
		return err
	}
	defer a.Close()

	var backing [bootinfo.MaxRegions]bootinfo.Region
	mmap, kerr := bootinfo.NewMemoryMap(backing[:], a.regions(backing[:], reservedPages))
	if kerr != nil {
		return kerr
	}

	var alloc allocator.RegionAllocator
	if kerr = alloc.Init(mmap); kerr != nil {
		return kerr
	}

	mapper := &recordingMapper{pages: make(map[vmm.Page]mapping)}
	if _, kerr = elfload.Load(image, &alloc, mapper); kerr != nil {
		return kerr
	}

	if err = verify(a, image, img, mapper); err != nil {
		return err
	}

	if kerr = handoff.CommitUsedFrames(&alloc, mmap); kerr != nil {
		return kerr
	}

	info := bootinfo.NewBootInfo(mmap, 0)
	fmt.Fprintf(w, "boot info: %d regions at 0x%x\n", info.MemoryMapLen, info.MemoryMapAddr)

	for i := 0; i < mmap.Len(); i++ {
		r := mmap.Region(i)
		e := e820(r)
		fmt.Fprintf(w, "  [0x%016x - 0x%016x] %-20s e820: %v\n", r.PhysStart, r.PhysEnd(), r.Kind, e.MemType)
	}

	return nil
}

// verify checks that the bytes mapped at each segment address match the
// image and that the rest of the segment is zeroed.
func verify(a *arena, image []byte, img *elfload.Image, mapper *recordingMapper) error {
	for _, seg := range img.Segments {
		var (
			contents = make([]byte, seg.PageCount()<<mem.PageShift)
			start    = seg.PageOffset()
		)
		copy(contents[start:], image[seg.FileOffset:seg.FileOffset+seg.FileSize])

		for i := uint64(0); i < seg.PageCount(); i++ {
			page := seg.FirstPage() + vmm.Page(i)
			m, ok := mapper.pages[page]
			if !ok {
				return fmt.Errorf("page 0x%x of segment 0x%x is not mapped", page.Address(), seg.VirtAddr)
			}

			exp := contents[i<<mem.PageShift : (i+1)<<mem.PageShift]
			if !bytes.Equal(a.frame(m.frame), exp) {
				return fmt.Errorf("page 0x%x of segment 0x%x does not match the image", page.Address(), seg.VirtAddr)
			}
		}
	}

	return nil
}

// dryRunAll dry-runs every image concurrently and writes the reports to w
// in argument order. The first failing image aborts the run.
func dryRunAll(w io.Writer, paths []string, memSize mem.Size, reservedPages uint64) error {
	var (
		reports = make([]bytes.Buffer, len(paths))
		g       errgroup.Group
	)
	g.SetLimit(runtime.NumCPU())

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			image, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			fmt.Fprintf(&reports[i], "%s:\n", path)
			if err = dryRun(&reports[i], image, memSize, reservedPages); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i := range reports {
		if _, err := reports[i].WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

// watch re-runs fn for an image every time it is rewritten until ctx is
// cancelled. The parent directories are watched as linkers usually replace
// the output file instead of writing it in place.
func watch(ctx context.Context, paths []string, fn func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	targets := make(map[string]string, len(paths))
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		targets[abs] = path

		if err = w.Add(filepath.Dir(abs)); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if path, ok := targets[abs]; ok {
				fn(path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func runTool() error {
	memMb := flag.Uint("mem", 64, "the size of the simulated physical memory in MiB")
	reserved := flag.Uint64("reserved", 16, "the number of pages at the start of memory marked as loader data")
	watchImages := flag.Bool("watch", false, "re-run the dry run whenever an image is rewritten")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kimage [options] kernel-image...\n")
		fmt.Fprint(os.Stderr, "\nDry-run the kernel loader over simulated memory and print the boot info region map.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("missing kernel image argument")
	}

	memSize := mem.Size(*memMb) * mem.Mb
	if err := dryRunAll(os.Stdout, flag.Args(), memSize, *reserved); err != nil {
		if !*watchImages {
			return err
		}
		fmt.Fprintf(os.Stderr, "[kimage] error: %s\n", err.Error())
	}

	if !*watchImages {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return watch(ctx, flag.Args(), func(path string) {
		if err := dryRunAll(os.Stdout, []string{path}, memSize, *reserved); err != nil {
			fmt.Fprintf(os.Stderr, "[kimage] error: %s\n", err.Error())
		}
	})
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
