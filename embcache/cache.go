// cache.go - Geraete-residenter Embedding-Cache vor dem Parameter-Server
//
// Dieses Modul enthaelt den Cache:
// - Create: erstellt den Cache fuer ein (Model, Geraet)-Paar und
//   waermt ihn aus dem Parameter-Server vor
// - Lookup: Vektor-Suche; Cache-Miss faellt auf den Store durch
// - Refresh: zieht Schluessel erneut aus dem Store
//
// Admission und Eviction sind Sache von ristretto und werden hier als
// Black Box konsumiert. Ein Cache gehoert genau einer Instanz; nur der
// dahinterliegende Store wird zwischen Geraeten geteilt.
package embcache

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"

	"github.com/ctrserve/ctrserve/format"
	"github.com/ctrserve/ctrserve/ps"
)

// minCacheBytes ist die Untergrenze der Cache-Kapazitaet, damit sehr
// kleine Tabellen mit kleiner Fraktion nicht auf Kapazitaet 0 fallen.
const minCacheBytes = 64 * format.KibiByte

// Cache ist der Embedding-Cache eines (Model, Geraet)-Paars.
type Cache[K ps.Key] struct {
	store    *ps.Store[K]
	model    string
	deviceID int
	enabled  bool
	dim      int

	cache *ristretto.Cache
}

// Create erstellt den Cache und fuehrt das Warmup durch. Bei
// deaktiviertem Cache gehen alle Lookups direkt an den Store.
func Create[K ps.Key](store *ps.Store[K], deviceID int, enabled bool, fraction float64, configPath, modelName string) (*Cache[K], error) {
	if store == nil {
		return nil, fmt.Errorf("embcache: nil parameter server handle")
	}
	if fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("embcache: cache fraction %v out of [0,1]", fraction)
	}

	dim, err := store.EmbeddingSize(modelName)
	if err != nil {
		return nil, err
	}

	c := &Cache[K]{
		store:    store,
		model:    modelName,
		deviceID: deviceID,
		enabled:  enabled,
		dim:      dim,
	}

	if !enabled {
		slog.Info("embedding cache disabled, lookups go to parameter server",
			"model", modelName, "device", deviceID)
		return c, nil
	}

	tableBytes, err := store.TableBytes(modelName)
	if err != nil {
		return nil, err
	}

	maxCost := int64(float64(tableBytes) * fraction)
	if maxCost < minCacheBytes {
		maxCost = minCacheBytes
	}

	c.cache, err = ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / int64(dim*4) * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("embcache: creating cache: %w", err)
	}

	if err := c.warmup(fraction); err != nil {
		c.cache.Close()
		return nil, err
	}

	slog.Info("embedding cache created", "model", modelName, "device", deviceID,
		"capacity", format.HumanBytes2(uint64(maxCost)), "fraction", fraction)
	return c, nil
}

// warmup zieht bis zu fraction der Tabelle in den Cache vor.
func (c *Cache[K]) warmup(fraction float64) error {
	total, err := c.store.NumKeys(c.model)
	if err != nil {
		return err
	}

	want := int(float64(total) * fraction)
	var loaded int
	err = c.store.Walk(c.model, func(key K, vec []float32) bool {
		if loaded >= want {
			return false
		}
		c.set(key, vec)
		loaded++
		return true
	})
	if err != nil {
		return err
	}

	// Set ist asynchron; vor dem ersten Lookup muss das Warmup
	// sichtbar sein.
	c.cache.Wait()

	slog.Debug("embedding cache warmup complete", "model", c.model,
		"device", c.deviceID, "keys", loaded)
	return nil
}

func (c *Cache[K]) set(key K, vec []float32) {
	val := make([]float32, len(vec))
	copy(val, vec)
	c.cache.Set(uint64(key), val, int64(len(vec)*4))
}

// EmbeddingSize gibt die Vektorlaenge zurueck.
func (c *Cache[K]) EmbeddingSize() int { return c.dim }

// Lookup schreibt die Vektoren aller Schluessel hintereinander nach
// out (len(keys)*dim Elemente). Cache-Misses fallen auf den Parameter-
// Server durch und werden fuer folgende Lookups eingelagert; fehlende
// Schluessel liefern den Null-Vektor. Das Ergebnis ist wert-identisch
// zum direkten Store-Lookup.
func (c *Cache[K]) Lookup(keys []K, out []float32) (hits, misses int, err error) {
	if len(out) < len(keys)*c.dim {
		return 0, 0, fmt.Errorf("embcache: lookup output too small: %d < %d", len(out), len(keys)*c.dim)
	}

	if !c.enabled {
		if _, err := c.store.LookupBatch(c.model, keys, out); err != nil {
			return 0, 0, err
		}
		return 0, len(keys), nil
	}

	for i, key := range keys {
		dst := out[i*c.dim : (i+1)*c.dim]

		if val, ok := c.cache.Get(uint64(key)); ok {
			copy(dst, val.([]float32))
			hits++
			continue
		}

		misses++
		found, err := c.store.Lookup(c.model, key, dst)
		if err != nil {
			return hits, misses, err
		}
		if found {
			c.set(key, dst)
		}
	}
	return hits, misses, nil
}

// Refresh zieht die uebergebenen Schluessel erneut aus dem Parameter-
// Server in den Cache (z.B. nach einem Tabellen-Update im Store).
func (c *Cache[K]) Refresh(keys []K) error {
	if !c.enabled {
		return nil
	}

	vec := make([]float32, c.dim)
	for _, key := range keys {
		found, err := c.store.Lookup(c.model, key, vec)
		if err != nil {
			return err
		}
		if found {
			c.set(key, vec)
		} else {
			c.cache.Del(uint64(key))
		}
	}
	c.cache.Wait()
	return nil
}

// Close gibt den Cache frei. Der Store bleibt unberuehrt.
func (c *Cache[K]) Close() {
	if c.cache != nil {
		c.cache.Close()
		c.cache = nil
	}
}
