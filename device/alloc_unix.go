// alloc_unix.go - Gepinnter Host-Speicher via mmap/mlock
//
// Enthaelt:
// - allocPinned: mmap + mlock einer anonymen Region
// - freePinned: munlock + munmap

//go:build unix

package device

import (
	"sync"

	"golang.org/x/sys/unix"
)

var pinnedRegions sync.Map // *byte -> []byte (mmap'd Region)

func allocPinned(size uint64) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	if err := unix.Mlock(buf); err != nil {
		unix.Munmap(buf)
		return nil, err
	}

	pinnedRegions.Store(&buf[0], buf)
	return buf[:size:size], nil
}

func freePinned(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	v, ok := pinnedRegions.LoadAndDelete(&buf[0])
	if !ok {
		return ErrFreeFailed
	}
	region := v.([]byte)
	unix.Munlock(region)
	return unix.Munmap(region)
}
