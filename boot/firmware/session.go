// Package firmware wraps the boot services handle that the bootloader uses
// until it takes ownership of the machine.
package firmware

import (
	"errors"
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
)

var (
	// ErrStaleMapKey must be returned by BootServices.ExitBootServices when
	// the supplied map key no longer matches the firmware memory map.
	ErrStaleMapKey = &kernel.Error{Module: "firmware", Message: "memory map key is stale"}

	errRetired     = &kernel.Error{Module: "firmware", Message: "boot services have already been exited"}
	errMapTooLarge = &kernel.Error{Module: "firmware", Message: "firmware memory map does not fit in the capture buffer"}
	errMapFailed   = &kernel.Error{Module: "firmware", Message: "unable to retrieve the firmware memory map"}
	errExitFailed  = &kernel.Error{Module: "firmware", Message: "unable to exit boot services"}

	// setOutputSinkFn is mocked by tests and is automatically inlined by
	// the compiler.
	setOutputSinkFn = kfmt.SetOutputSink
)

// exitAttempts is the number of times ExitBootServices is tried. The memory
// map can change between capturing it and exiting (e.g. due to a timer
// event); a second failure is not retried.
const exitAttempts = 2

// BootServices is the subset of the firmware boot services used by the
// bootloader.
type BootServices interface {
	// MemoryMap copies the current firmware memory map into buf and returns
	// the number of entries together with the key identifying the map. If
	// the map has more than len(buf) entries, MemoryMap returns the required
	// entry count without filling buf.
	MemoryMap(buf []bootinfo.Region) (n int, key uint64, err error)

	// ExitBootServices terminates the boot services. It returns
	// ErrStaleMapKey if key does not identify the current map.
	ExitBootServices(key uint64) error
}

// Session is a one-shot wrapper around a BootServices handle. Once
// ExitBootServices succeeds the handle is retired and no further firmware
// calls are made through it.
type Session struct {
	services BootServices
	retired  bool

	// regions holds the final memory map. It is part of the session so it
	// stays at a fixed address that can be handed to the kernel.
	regions [bootinfo.MaxRegions]bootinfo.Region
}

// NewSession returns a session for the supplied boot services handle.
func NewSession(services BootServices) *Session {
	return &Session{services: services}
}

// Retired returns true once boot services have been exited.
func (s *Session) Retired() bool {
	return s.retired
}

// ExitBootServices captures the final memory map and exits the boot
// services. The returned map is backed by the session and remains valid for
// the lifetime of the session. Calling ExitBootServices on a retired session
// returns an error.
func (s *Session) ExitBootServices() (*bootinfo.MemoryMap, *kernel.Error) {
	if s.retired {
		return nil, errRetired
	}

	for attempt := 0; attempt < exitAttempts; attempt++ {
		n, key, err := s.services.MemoryMap(s.regions[:])
		switch {
		case err != nil:
			kfmt.Printf("[firmware] memory map: %s\n", err.Error())
			return nil, errMapFailed
		case n < 0 || n > len(s.regions):
			kfmt.Printf("[firmware] memory map has %d entries; capacity is %d\n", n, len(s.regions))
			return nil, errMapTooLarge
		}

		err = s.services.ExitBootServices(key)
		if err == nil {
			s.retired = true

			// The firmware console is gone
			setOutputSinkFn(nil)

			mmap, mapErr := bootinfo.NewMemoryMap(s.regions[:], n)
			if mapErr != nil {
				return nil, mapErr
			}
			return mmap, nil
		}

		if !errors.Is(err, ErrStaleMapKey) {
			kfmt.Printf("[firmware] exit boot services: %s\n", err.Error())
			return nil, errExitFailed
		}
	}

	return nil, ErrStaleMapKey
}
