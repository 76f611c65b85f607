// copy.go - Transfer-Primitiven zwischen Host und Geraet
//
// Enthaelt:
// - CopyKind: Richtung eines Transfers
// - Memcpy: groessen-geprueftes Kopieren in einen Puffer
package device

import (
	"errors"
	"fmt"
)

// CopyKind bezeichnet die Richtung eines Transfers.
type CopyKind int

const (
	HostToDevice CopyKind = iota
	DeviceToHost
	HostToHost
	DeviceToDevice
)

func (k CopyKind) String() string {
	switch k {
	case HostToDevice:
		return "host-to-device"
	case DeviceToHost:
		return "device-to-host"
	case HostToHost:
		return "host-to-host"
	case DeviceToDevice:
		return "device-to-device"
	}
	return "unknown"
}

// ErrCopyOutOfRange: Quelle passt nicht in das Ziel.
var ErrCopyOutOfRange = errors.New("device: copy exceeds destination size")

// Memcpy kopiert src in dst. Ein Transfer, der das Ziel ueberschreiten
// wuerde, wird abgelehnt statt stillschweigend abgeschnitten.
func Memcpy(dst, src []byte, kind CopyKind) error {
	if len(src) > len(dst) {
		return fmt.Errorf("%w: %s copy of %d bytes into %d bytes", ErrCopyOutOfRange, kind, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
