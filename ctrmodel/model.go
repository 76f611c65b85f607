// model.go - Ausfuehrbares Dense-Netz eines (Model, Geraet)-Paars
//
// Dieses Modul enthaelt das ExecutableModel:
// - Load: laedt Topologie und Gewichte des Dense-Netzes fuer ein Geraet
//   und bindet den Embedding-Cache fuer die Lookups
// - Predict: Embedding-Lookup + Forward-Pass fuer bis zu numSamples
//   Samples, Ergebnis in den Praediktionspuffer des Aufrufers
//
// Predict ist synchron und blockiert den aufrufenden Thread; alle
// Puffer muessen vor dem Aufruf befuellt sein. Ein Model gehoert genau
// einer Instanz, die Scratch-Vektoren brauchen deshalb kein Lock.
package ctrmodel

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/ctrserve/ctrserve/embcache"
	"github.com/ctrserve/ctrserve/ps"
)

var (
	// ErrRowOffsets: Zeilen-Offsets passen nicht zu numSamples/slots.
	ErrRowOffsets = errors.New("ctrmodel: row offsets do not match sample layout")
	// ErrOutputTooSmall: Praediktionspuffer zu klein.
	ErrOutputTooSmall = errors.New("ctrmodel: output buffer too small")
)

type layer struct {
	w    *mat.Dense
	b    *mat.VecDense
	out  int
	last bool
}

// Model ist das geladene Dense-Netz eines Geraets, gebunden an den
// Embedding-Cache desselben Geraets.
type Model[K ps.Key] struct {
	cache    *embcache.Cache[K]
	deviceID int

	slots    int
	embSize  int
	denseDim int
	layers   []layer

	// Scratch fuer Predict, instanz-exklusiv.
	x      *mat.VecDense
	embVec []float32
	slotEm []float32
}

// Load laedt das Dense-Netz aus der Model-JSON und bindet den Cache.
func Load[K ps.Key](configPath string, deviceID int, cache *embcache.Cache[K]) (*Model[K], error) {
	if cache == nil {
		return nil, fmt.Errorf("ctrmodel: nil embedding cache")
	}

	cfg, err := loadNetworkJSON(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.EmbeddingVectorSize != cache.EmbeddingSize() {
		return nil, fmt.Errorf("ctrmodel: config embedding size %d does not match table %d",
			cfg.EmbeddingVectorSize, cache.EmbeddingSize())
	}

	inputDim := cfg.DenseDim + cfg.Slots*cfg.EmbeddingVectorSize
	layers, err := buildLayers(cfg, inputDim)
	if err != nil {
		return nil, err
	}

	m := &Model[K]{
		cache:    cache,
		deviceID: deviceID,
		slots:    cfg.Slots,
		embSize:  cfg.EmbeddingVectorSize,
		denseDim: cfg.DenseDim,
		layers:   layers,
		x:        mat.NewVecDense(inputDim, nil),
		embVec:   make([]float32, cfg.EmbeddingVectorSize),
		slotEm:   make([]float32, cfg.Slots*cfg.EmbeddingVectorSize),
	}

	slog.Info("dense model loaded", "config", configPath, "device", deviceID,
		"slots", m.slots, "embedding_vector_size", m.embSize,
		"dense_dim", m.denseDim, "layers", len(m.layers))
	return m, nil
}

// OutputWidth gibt die Breite der Ausgabe pro Sample zurueck.
func (m *Model[K]) OutputWidth() int {
	return m.layers[len(m.layers)-1].out
}

// Predict fuehrt Lookup und Forward-Pass fuer numSamples Samples aus.
// dense enthaelt numSamples*denseDim Werte, keys die flachen
// Kategorie-Schluessel, rowOffsets die CSR-Delimiter (numSamples*slots+1
// Eintraege; die kompakte Form mit numSamples+1 Eintraegen markiert je
// Sample einen Bereich, dessen Schluessel der Reihe nach den Slots
// zugeordnet werden). Ergebnisse landen in out[0:numSamples].
func (m *Model[K]) Predict(dense []float32, keys []K, rowOffsets []int32, out []float32, numSamples int) error {
	if numSamples <= 0 {
		return fmt.Errorf("ctrmodel: invalid sample count %d", numSamples)
	}
	if len(out) < numSamples {
		return fmt.Errorf("%w: %d < %d", ErrOutputTooSmall, len(out), numSamples)
	}
	if len(dense) < numSamples*m.denseDim {
		return fmt.Errorf("ctrmodel: dense input has %d values, want %d", len(dense), numSamples*m.denseDim)
	}

	perSlot := false
	switch {
	case len(rowOffsets) >= numSamples*m.slots+1:
		perSlot = true
	case len(rowOffsets) >= numSamples+1:
	default:
		return fmt.Errorf("%w: %d offsets for %d samples x %d slots",
			ErrRowOffsets, len(rowOffsets), numSamples, m.slots)
	}

	for s := 0; s < numSamples; s++ {
		if err := m.gatherSlots(keys, rowOffsets, s, perSlot); err != nil {
			return err
		}

		// Eingabevektor: Dense-Features, dann die konkatenierten
		// Slot-Embeddings.
		for i := 0; i < m.denseDim; i++ {
			m.x.SetVec(i, float64(dense[s*m.denseDim+i]))
		}
		for i, v := range m.slotEm {
			m.x.SetVec(m.denseDim+i, float64(v))
		}

		out[s] = m.forward()
	}
	return nil
}

// gatherSlots fuellt slotEm mit den gepoolten Embeddings des Samples s.
// Je Slot werden die Vektoren aller Schluessel im Offset-Bereich
// summiert; ein leerer Bereich ergibt den Null-Vektor.
func (m *Model[K]) gatherSlots(keys []K, rowOffsets []int32, s int, perSlot bool) error {
	clear(m.slotEm)

	lookupInto := func(slot int, lo, hi int32) error {
		if lo < 0 || int(hi) > len(keys) || lo > hi {
			return fmt.Errorf("%w: offsets [%d,%d) out of key range %d", ErrRowOffsets, lo, hi, len(keys))
		}
		dst := m.slotEm[slot*m.embSize : (slot+1)*m.embSize]
		for k := lo; k < hi; k++ {
			if _, _, err := m.cache.Lookup(keys[k:k+1], m.embVec); err != nil {
				return fmt.Errorf("embedding lookup: %w", err)
			}
			for i, v := range m.embVec {
				dst[i] += v
			}
		}
		return nil
	}

	if perSlot {
		base := s * m.slots
		for slot := 0; slot < m.slots; slot++ {
			if err := lookupInto(slot, rowOffsets[base+slot], rowOffsets[base+slot+1]); err != nil {
				return err
			}
		}
		return nil
	}

	// Kompakte Form: die Schluessel des Sample-Bereichs der Reihe
	// nach auf die Slots verteilen, ein Schluessel pro Slot.
	lo, hi := rowOffsets[s], rowOffsets[s+1]
	if hi-lo > int32(m.slots) {
		return fmt.Errorf("%w: %d keys for %d slots", ErrRowOffsets, hi-lo, m.slots)
	}
	for slot := 0; slot < int(hi-lo); slot++ {
		if err := lookupInto(slot, lo+int32(slot), lo+int32(slot)+1); err != nil {
			return err
		}
	}
	return nil
}

// forward laeuft durch alle Schichten: y = W*x + b, ReLU auf allen
// ausser der letzten. Die Ausgabe ist der Skalar der letzten Schicht.
func (m *Model[K]) forward() float32 {
	x := m.x
	for _, l := range m.layers {
		y := mat.NewVecDense(l.out, nil)
		y.MulVec(l.w, x)
		y.AddVec(y, l.b)

		if !l.last {
			for i := 0; i < l.out; i++ {
				if y.AtVec(i) < 0 {
					y.SetVec(i, 0)
				}
			}
		}
		x = y
	}
	return float32(x.AtVec(0))
}

// Close gibt das Model frei. Der Cache wird vom Besitzer (der Instanz)
// nach dem Model geschlossen.
func (m *Model[K]) Close() {
	m.layers = nil
}
