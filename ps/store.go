// store.go - Prozessweiter Parameter-Server fuer Embedding-Tabellen
//
// Dieses Modul enthaelt den Store:
// - Create: laedt beim Backend-Load eifrig alle Sparse-Tabellen
// - Lookup/LookupBatch: typisierte Schluessel-Suche
// - Walk: Iteration fuer Cache-Warmup
//
// Ein Store existiert genau einmal pro Schluesselbreite im Prozess und
// ueberlebt jedes Model und jede Instanz. Nach Abschluss des Ladens
// wird er nicht mehr mutiert und ist damit fuer unsynchronisierte
// parallele Lookups mehrerer Geraete sicher; das RWMutex schuetzt nur
// die Ladephase.
package ps

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ctrserve/ctrserve/format"
)

// Key sind die unterstuetzten Schluesselbreiten der Kategorie-Features.
type Key interface {
	~uint32 | ~int64
}

// ModelEntry benennt ein Model und den Pfad seiner eigenen
// JSON-Konfiguration (Sparse-/Dense-Dateiorte).
type ModelEntry struct {
	Name       string
	ConfigPath string
}

type table[K Key] struct {
	dim  int
	vecs map[K][]float32
}

// Store haelt die vollstaendigen Embedding-Tabellen aller Modelle
// einer Schluesselbreite.
type Store[K Key] struct {
	mu     sync.RWMutex
	tables map[string]*table[K]
}

// NewStore erstellt einen leeren Store.
func NewStore[K Key]() *Store[K] {
	return &Store[K]{tables: make(map[string]*table[K])}
}

// Create erstellt den Store und laedt die Sparse-Tabellen aller
// uebergebenen Modelle eifrig. Ein Ladefehler ist fatal fuer den
// Backend-Load.
func Create[K Key](models []ModelEntry) (*Store[K], error) {
	slog.Info("parameter server creating", "models", len(models))

	s := NewStore[K]()
	for _, m := range models {
		if err := s.LoadModel(m.Name, m.ConfigPath); err != nil {
			return nil, fmt.Errorf("loading sparse model %q: %w", m.Name, err)
		}
	}

	slog.Info("parameter server created")
	return s, nil
}

// LoadModel laedt die Sparse-Tabelle eines Models aus den in seiner
// Konfiguration benannten Dateien.
func (s *Store[K]) LoadModel(name, configPath string) error {
	files, dim, err := sparseLayout(configPath)
	if err != nil {
		return err
	}

	t := &table[K]{dim: dim, vecs: make(map[K][]float32)}
	var bytes uint64
	for _, file := range files {
		n, err := readTableFile(file, t)
		if err != nil {
			return fmt.Errorf("reading sparse file %q: %w", file, err)
		}
		bytes += n
	}

	s.mu.Lock()
	s.tables[name] = t
	s.mu.Unlock()

	slog.Info("sparse table loaded", "model", name, "keys", len(t.vecs),
		"embedding_vector_size", t.dim, "size", format.HumanBytes2(bytes))
	return nil
}

func (s *Store[K]) table(model string) (*table[K], error) {
	s.mu.RLock()
	t, ok := s.tables[model]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ps: model %q not registered", model)
	}
	return t, nil
}

// EmbeddingSize gibt die Vektorlaenge der Tabelle eines Models zurueck.
func (s *Store[K]) EmbeddingSize(model string) (int, error) {
	t, err := s.table(model)
	if err != nil {
		return 0, err
	}
	return t.dim, nil
}

// NumKeys gibt die Anzahl der Schluessel in der Tabelle eines Models
// zurueck.
func (s *Store[K]) NumKeys(model string) (int, error) {
	t, err := s.table(model)
	if err != nil {
		return 0, err
	}
	return len(t.vecs), nil
}

// Lookup kopiert den Vektor eines Schluessels nach out und meldet, ob
// der Schluessel in der Tabelle vorhanden war. Fehlende Schluessel
// liefern den Null-Vektor.
func (s *Store[K]) Lookup(model string, key K, out []float32) (bool, error) {
	t, err := s.table(model)
	if err != nil {
		return false, err
	}
	if len(out) < t.dim {
		return false, fmt.Errorf("ps: lookup output too small: %d < %d", len(out), t.dim)
	}

	vec, ok := t.vecs[key]
	if !ok {
		clear(out[:t.dim])
		return false, nil
	}
	copy(out, vec)
	return true, nil
}

// LookupBatch kopiert die Vektoren aller Schluessel hintereinander
// nach out (len(keys)*dim Elemente) und gibt die Anzahl der Treffer
// zurueck.
func (s *Store[K]) LookupBatch(model string, keys []K, out []float32) (int, error) {
	t, err := s.table(model)
	if err != nil {
		return 0, err
	}
	if len(out) < len(keys)*t.dim {
		return 0, fmt.Errorf("ps: lookup output too small: %d < %d", len(out), len(keys)*t.dim)
	}

	var hits int
	for i, key := range keys {
		dst := out[i*t.dim : (i+1)*t.dim]
		if vec, ok := t.vecs[key]; ok {
			copy(dst, vec)
			hits++
		} else {
			clear(dst)
		}
	}
	return hits, nil
}

// Walk ruft fn fuer jeden Schluessel der Tabelle auf, bis fn false
// liefert. Die Reihenfolge ist unbestimmt.
func (s *Store[K]) Walk(model string, fn func(key K, vec []float32) bool) error {
	t, err := s.table(model)
	if err != nil {
		return err
	}
	for key, vec := range t.vecs {
		if !fn(key, vec) {
			return nil
		}
	}
	return nil
}

// TableBytes gibt die Groesse der Tabelle eines Models in Bytes
// zurueck (nur Vektordaten).
func (s *Store[K]) TableBytes(model string) (uint64, error) {
	t, err := s.table(model)
	if err != nil {
		return 0, err
	}
	return uint64(len(t.vecs)) * uint64(t.dim) * 4, nil
}

// Close gibt den Store frei. Er darf erst beim Backend-Unload
// geschlossen werden, nachdem alle Instanzen abgebaut sind.
func (s *Store[K]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]*table[K])
}
