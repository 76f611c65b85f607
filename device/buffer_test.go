// buffer_test.go - Tests fuer den Puffer-Lebenszyklus
//
// Enthaelt Tests fuer:
// - Reserve/Allocate/Free-Reihenfolge und ihre Fehlerfaelle
// - 32-Byte-Ausrichtung und Regionen-Padding
// - Unveraenderlichkeit einer bestehenden Allokation
package device

import (
	"errors"
	"testing"
	"unsafe"
)

func TestBufferReserveAllocate(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		dims      []uint64
		wantBytes uint64
	}{
		{
			name:      "Einzelne Region wird auf 32 Byte aufgerundet",
			kind:      Device,
			dims:      []uint64{3}, // 12 Bytes -> 32
			wantBytes: 32,
		},
		{
			name:      "Mehrere Regionen werden einzeln gepolstert",
			kind:      Device,
			dims:      []uint64{3, 9}, // 12->32, 36->64
			wantBytes: 96,
		},
		{
			name:      "Exakte Vielfache bleiben unveraendert",
			kind:      Device,
			dims:      []uint64{8, 16}, // 32 + 64
			wantBytes: 96,
		},
		{
			name:      "Gepinnter Puffer verwendet dieselbe Geometrie",
			kind:      Pinned,
			dims:      []uint64{5},
			wantBytes: 32,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewBuffer[float32](tt.kind)
			for _, d := range tt.dims {
				if err := buf.Reserve(d); err != nil {
					t.Fatalf("Reserve(%d): unerwarteter Fehler %v", d, err)
				}
			}
			if err := buf.Allocate(); err != nil {
				t.Fatalf("Allocate(): unerwarteter Fehler %v", err)
			}
			defer buf.Free()

			if got := buf.Size(); got != tt.wantBytes {
				t.Errorf("Size() = %d, erwartet %d", got, tt.wantBytes)
			}
			if ptr := uintptr(unsafe.Pointer(&buf.Bytes()[0])); ptr%Alignment != 0 {
				t.Errorf("Basisadresse %#x ist nicht auf %d Bytes ausgerichtet", ptr, Alignment)
			}
		})
	}
}

func TestBufferAllocateTwice(t *testing.T) {
	buf := NewBuffer[float32](Device)
	if err := buf.Reserve(16); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := buf.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer buf.Free()

	wantPtr := &buf.Bytes()[0]
	wantSize := buf.Size()

	if err := buf.Allocate(); !errors.Is(err, ErrAlreadyAllocated) {
		t.Errorf("zweites Allocate = %v, erwartet ErrAlreadyAllocated", err)
	}

	// Die bestehende Allokation bleibt unveraendert.
	if &buf.Bytes()[0] != wantPtr {
		t.Error("Basisadresse hat sich nach dem abgelehnten Allocate geaendert")
	}
	if buf.Size() != wantSize {
		t.Errorf("Size() = %d nach abgelehntem Allocate, erwartet %d", buf.Size(), wantSize)
	}
}

func TestBufferReserveAfterAllocate(t *testing.T) {
	buf := NewBuffer[int32](Device)
	if err := buf.Reserve(8); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := buf.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer buf.Free()

	wantSize := buf.Size()
	if err := buf.Reserve(1024); !errors.Is(err, ErrFinalized) {
		t.Errorf("Reserve nach Allocate = %v, erwartet ErrFinalized", err)
	}
	if buf.Size() != wantSize {
		t.Errorf("Size() = %d nach abgelehntem Reserve, erwartet %d", buf.Size(), wantSize)
	}
}

func TestBufferFree(t *testing.T) {
	t.Run("Doppeltes Free wird abgelehnt", func(t *testing.T) {
		buf := NewBuffer[float32](Device)
		if err := buf.Reserve(4); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := buf.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := buf.Free(); err != nil {
			t.Fatalf("erstes Free: %v", err)
		}
		if err := buf.Free(); !errors.Is(err, ErrAlreadyFreed) {
			t.Errorf("zweites Free = %v, erwartet ErrAlreadyFreed", err)
		}
	})

	t.Run("Free ohne Allokation ist ein No-Op", func(t *testing.T) {
		buf := NewBuffer[float32](Device)
		if err := buf.Free(); err != nil {
			t.Errorf("Free ohne Allocate = %v, erwartet nil", err)
		}
	})

	t.Run("Gepinnter Puffer wird freigegeben", func(t *testing.T) {
		buf := NewBuffer[int64](Pinned)
		if err := buf.Reserve(64); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := buf.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := buf.Free(); err != nil {
			t.Errorf("Free = %v, erwartet nil", err)
		}
	})
}

func TestBufferPtr(t *testing.T) {
	buf := NewBuffer[int64](Device)
	if p := buf.Ptr(); p != nil {
		t.Errorf("Ptr() vor Allocate = %v, erwartet nil", p)
	}

	if err := buf.Reserve(6); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := buf.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer buf.Free()

	p := buf.Ptr()
	if len(p) != int(buf.Elems()) {
		t.Fatalf("len(Ptr()) = %d, erwartet %d", len(p), buf.Elems())
	}

	// Schreiben ueber die typisierte Sicht ist in Bytes() sichtbar.
	p[0] = 0x0102030405060708
	b := buf.Bytes()
	if b[0] != 0x08 || b[7] != 0x01 {
		t.Errorf("Bytes()[0..7] = %v, erwartet little-endian Darstellung", b[:8])
	}
}

func TestMemcpy(t *testing.T) {
	tests := []struct {
		name    string
		dstLen  int
		src     []byte
		kind    CopyKind
		wantErr bool
	}{
		{"Host zu Geraet", 8, []byte{1, 2, 3, 4}, HostToDevice, false},
		{"Geraet zu Host", 4, []byte{9, 8, 7, 6}, DeviceToHost, false},
		{"Host zu Host", 4, []byte{5, 5}, HostToHost, false},
		{"Quelle groesser als Ziel", 2, []byte{1, 2, 3, 4}, HostToDevice, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.dstLen)
			err := Memcpy(dst, tt.src, tt.kind)
			if tt.wantErr {
				if !errors.Is(err, ErrCopyOutOfRange) {
					t.Errorf("Memcpy = %v, erwartet ErrCopyOutOfRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Memcpy: unerwarteter Fehler %v", err)
			}
			for i, b := range tt.src {
				if dst[i] != b {
					t.Errorf("dst[%d] = %d, erwartet %d", i, dst[i], b)
				}
			}
		})
	}
}
