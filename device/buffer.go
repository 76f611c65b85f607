// buffer.go - Geraete-Puffer mit Reserve/Allocate/Free-Lebenszyklus
//
// Dieses Modul enthaelt den Buffer-Typ:
// - Reserve: reserviert eine logische Teilregion (vor der Allokation)
// - Allocate: genau eine Allokation ueber alle reservierten Regionen
// - Ptr/Bytes: typisierter bzw. roher Blick auf die Allokation
// - Free: genau eine Freigabe beim Instanz-Teardown
//
// Ein Puffer ist entweder vollstaendig allokiert oder vollstaendig
// unallokiert; Doppel-Allokation und Reserve nach Allocate werden als
// Fehler gemeldet, ohne die bestehende Allokation anzutasten.
package device

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrAlreadyAllocated: Allocate wurde auf einem bereits
	// allokierten Puffer aufgerufen.
	ErrAlreadyAllocated = errors.New("device: buffer already allocated")
	// ErrFinalized: Reserve nach Allocate.
	ErrFinalized = errors.New("device: buffer is finalized")
	// ErrNotAllocated: Zugriff vor Allocate.
	ErrNotAllocated = errors.New("device: buffer not allocated")
	// ErrAlreadyFreed: Free wurde doppelt aufgerufen.
	ErrAlreadyFreed = errors.New("device: buffer already freed")
)

// Element sind die Element-Typen, die ein Puffer tragen kann.
type Element interface {
	~float32 | ~uint32 | ~int32 | ~int64
}

// Buffer besitzt genau eine zusammenhaengende Allokation, in die
// mehrere vorab reservierte logische Teilregionen gepackt sind. Jede
// Teilregion ist auf Alignment Bytes aufgefuellt.
type Buffer[T Element] struct {
	kind  Kind
	alloc Allocator

	reserved  []uint64 // aufgefuellte Byte-Groessen je Teilregion
	elems     uint64
	data      []byte
	sizeBytes uint64
	freed     bool
}

// NewBuffer erstellt einen unallokierten Puffer der gegebenen
// Speicherart.
func NewBuffer[T Element](kind Kind) *Buffer[T] {
	return NewBufferWith[T](kind, DefaultAllocator)
}

// NewBufferWith erstellt einen Puffer mit explizitem Allokator
// (Tests injizieren hierueber Fehler).
func NewBufferWith[T Element](kind Kind, alloc Allocator) *Buffer[T] {
	return &Buffer[T]{kind: kind, alloc: alloc}
}

// Kind gibt die Speicherart des Puffers zurueck.
func (b *Buffer[T]) Kind() Kind { return b.kind }

// Allocated meldet, ob der Puffer allokiert ist.
func (b *Buffer[T]) Allocated() bool {
	return b.sizeBytes != 0 && b.data != nil
}

// Reserve haengt eine logische Region mit elements(dims) Elementen an
// das ausstehende Layout an. Darf mehrfach vor Allocate aufgerufen
// werden, danach nicht mehr.
func (b *Buffer[T]) Reserve(dims ...uint64) error {
	if b.Allocated() {
		return ErrFinalized
	}

	var elems uint64 = 1
	for _, dim := range dims {
		elems *= dim
	}

	size := elems * uint64(unsafe.Sizeof(*new(T)))
	if rem := size % Alignment; rem != 0 {
		size += Alignment - rem
	}

	b.reserved = append(b.reserved, size)
	b.elems += elems
	return nil
}

// Allocate fuehrt genau eine Allokation ueber die Gesamtgroesse aller
// reservierten Regionen aus und leert die Reservierungsliste. Ein
// zweiter Aufruf ist ein Nutzungsfehler und laesst die bestehende
// Allokation unveraendert.
func (b *Buffer[T]) Allocate() error {
	if b.Allocated() {
		return ErrAlreadyAllocated
	}

	var total uint64
	for _, size := range b.reserved {
		total += size
	}
	b.reserved = b.reserved[:0]

	if total == 0 {
		return nil
	}

	data, err := b.alloc.Allocate(total, b.kind)
	if err != nil {
		return fmt.Errorf("allocating %s buffer (%d bytes): %w", b.kind, total, err)
	}

	b.data = data
	b.sizeBytes = total
	return nil
}

// Ptr gibt den typisierten Blick auf die Allokation zurueck. Nur nach
// Allocate gueltig.
func (b *Buffer[T]) Ptr() []T {
	if !b.Allocated() {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.data[0])), b.elems)
}

// Bytes gibt die rohe Allokation zurueck.
func (b *Buffer[T]) Bytes() []byte {
	return b.data
}

// Size gibt die Gesamtgroesse der Allokation in Bytes zurueck
// (inklusive Auffuellung).
func (b *Buffer[T]) Size() uint64 {
	return b.sizeBytes
}

// Elems gibt die Anzahl reservierter Elemente zurueck.
func (b *Buffer[T]) Elems() uint64 {
	return b.elems
}

// Free gibt die Allokation frei. Ein nie allokierter Puffer ist ein
// No-Op, eine doppelte Freigabe ein Fehler.
func (b *Buffer[T]) Free() error {
	if b.freed {
		return ErrAlreadyFreed
	}
	b.freed = true

	if !b.Allocated() {
		return nil
	}

	err := b.alloc.Free(b.data, b.kind)
	b.data = nil
	b.sizeBytes = 0
	if err != nil {
		return fmt.Errorf("freeing %s buffer: %w", b.kind, err)
	}
	return nil
}
