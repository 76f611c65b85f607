// alloc.go - Speicher-Allokatoren fuer Geraete-Puffer
//
// Dieses Modul definiert die Allokations-Primitiven hinter den Puffern:
// - Kind: Speicherart (Geraetespeicher oder gepinnter Host-Speicher)
// - Allocator: Schnittstelle fuer Allokation/Freigabe
// - DefaultAllocator: prozessweiter Standard-Allokator
package device

import (
	"errors"
	"fmt"
	"unsafe"
)

// Kind bezeichnet die Speicherart einer Allokation.
type Kind int

const (
	// Device ist Speicher, der auf dem Geraet selbst liegt.
	Device Kind = iota
	// Pinned ist seitengesperrter Host-Speicher fuer schnelle
	// Host<->Geraet-Transfers (Staging der Kategorie-Schluessel).
	Pinned
)

func (k Kind) String() string {
	switch k {
	case Device:
		return "device"
	case Pinned:
		return "pinned"
	}
	return "unknown"
}

// Alignment ist die Ausrichtung, auf die jede logische Teilregion
// eines Puffers aufgefuellt wird.
const Alignment = 32

var (
	ErrAllocFailed = errors.New("device: allocation failed")
	ErrFreeFailed  = errors.New("device: free failed")
)

// Allocator allokiert und gibt rohe, ausgerichtete Byte-Regionen frei.
type Allocator interface {
	Allocate(size uint64, kind Kind) ([]byte, error)
	Free(buf []byte, kind Kind) error
}

// DefaultAllocator ist der prozessweite Standard-Allokator. Geraete-
// Allokationen laufen ueber den Heap, gepinnte Allokationen ueber
// mmap+mlock, wo die Plattform das hergibt.
var DefaultAllocator Allocator = allocator{}

type allocator struct{}

func (allocator) Allocate(size uint64, kind Kind) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized allocation", ErrAllocFailed)
	}

	if kind == Pinned {
		if buf, err := allocPinned(size); err == nil {
			return buf, nil
		}
		// Ohne mlock-Privileg faellt die Allokation auf normalen
		// Host-Speicher zurueck; Transfers bleiben korrekt.
	}
	return allocAligned(size), nil
}

func (allocator) Free(buf []byte, kind Kind) error {
	if kind == Pinned {
		if err := freePinned(buf); err == nil {
			return nil
		}
	}
	return nil
}

// allocAligned allokiert size Bytes, deren Basisadresse auf Alignment
// ausgerichtet ist.
func allocAligned(size uint64) []byte {
	raw := make([]byte, size+Alignment)
	off := uintptr(unsafe.Pointer(&raw[0])) % Alignment
	if off != 0 {
		off = Alignment - off
	}
	return raw[off : uintptr(size)+off : uintptr(size)+off]
}
