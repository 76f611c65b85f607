// sparse.go - Binaerformat der Sparse-Tabellen-Dateien
//
// Enthaelt:
// - sparseLayout: liest Dateiliste und Vektorlaenge aus der Model-JSON
// - readTableFile: liest eine Tabellendatei in eine Tabelle
// - WriteTableFile: schreibt eine Tabellendatei (Fixtures, Export)
//
// Dateiaufbau (little-endian):
//   magic   uint32  'CTRS'
//   version uint32  1
//   keybits uint32  32 | 64
//   dim     uint32  Vektorlaenge
//   count   uint64  Anzahl Eintraege
//   count * (key [4|8 Bytes] + dim*float32)
package ps

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/goccy/go-json"
)

const (
	tableMagic   uint32 = 0x43545253 // 'CTRS'
	tableVersion uint32 = 1
)

// sparseJSON sind die Felder der Model-JSON, die der Parameter-Server
// braucht. Alles andere (Dense-Netz, Layer) liest der Model-Loader.
type sparseJSON struct {
	SparseFiles         []string `json:"sparse_files"`
	EmbeddingVectorSize int      `json:"embedding_vector_size"`
}

// sparseLayout liest die Sparse-Dateipfade (relativ zum Konfigurations-
// verzeichnis) und die Vektorlaenge aus der Model-JSON.
func sparseLayout(configPath string) (files []string, dim int, err error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, fmt.Errorf("reading model json: %w", err)
	}

	var cfg sparseJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, 0, fmt.Errorf("parsing model json: %w", err)
	}
	if len(cfg.SparseFiles) == 0 {
		return nil, 0, fmt.Errorf("model json %q declares no sparse_files", configPath)
	}
	if cfg.EmbeddingVectorSize <= 0 {
		return nil, 0, fmt.Errorf("model json %q: invalid embedding_vector_size %d", configPath, cfg.EmbeddingVectorSize)
	}

	dir := filepath.Dir(configPath)
	for _, f := range cfg.SparseFiles {
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}
		files = append(files, f)
	}
	return files, cfg.EmbeddingVectorSize, nil
}

func keyBits[K Key]() uint32 {
	return uint32(unsafe.Sizeof(*new(K))) * 8
}

// readTableFile liest eine Tabellendatei in t und gibt die gelesenen
// Vektor-Bytes zurueck.
func readTableFile[K Key](path string, t *table[K]) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var hdr struct {
		Magic, Version, KeyBits, Dim uint32
		Count                        uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("reading header: %w", err)
	}
	switch {
	case hdr.Magic != tableMagic:
		return 0, fmt.Errorf("bad magic %#x", hdr.Magic)
	case hdr.Version != tableVersion:
		return 0, fmt.Errorf("unsupported version %d", hdr.Version)
	case hdr.KeyBits != keyBits[K]():
		return 0, fmt.Errorf("key width mismatch: file has %d-bit keys, store has %d-bit keys", hdr.KeyBits, keyBits[K]())
	case int(hdr.Dim) != t.dim:
		return 0, fmt.Errorf("embedding size mismatch: file has %d, model declares %d", hdr.Dim, t.dim)
	}

	keyBuf := make([]byte, hdr.KeyBits/8)
	vecBuf := make([]byte, hdr.Dim*4)
	for i := uint64(0); i < hdr.Count; i++ {
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return 0, fmt.Errorf("reading key %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return 0, fmt.Errorf("reading vector %d: %w", i, err)
		}

		var key K
		if hdr.KeyBits == 32 {
			key = K(binary.LittleEndian.Uint32(keyBuf))
		} else {
			key = K(binary.LittleEndian.Uint64(keyBuf))
		}

		vec := make([]float32, hdr.Dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(vecBuf[j*4:]))
		}
		t.vecs[key] = vec
	}

	return hdr.Count * uint64(hdr.Dim) * 4, nil
}

// WriteTableFile schreibt eine Tabellendatei. Wird von Fixtures und
// Export-Werkzeugen benutzt.
func WriteTableFile[K Key](path string, dim int, vecs map[K][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	hdr := struct {
		Magic, Version, KeyBits, Dim uint32
		Count                        uint64
	}{tableMagic, tableVersion, keyBits[K](), uint32(dim), uint64(len(vecs))}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	keyBuf := make([]byte, hdr.KeyBits/8)
	for key, vec := range vecs {
		if len(vec) != dim {
			return fmt.Errorf("vector for key %v has %d elements, want %d", key, len(vec), dim)
		}

		if hdr.KeyBits == 32 {
			binary.LittleEndian.PutUint32(keyBuf, uint32(key))
		} else {
			binary.LittleEndian.PutUint64(keyBuf, uint64(key))
		}
		if _, err := w.Write(keyBuf); err != nil {
			return err
		}
		for _, v := range vec {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
				return err
			}
		}
	}

	return w.Flush()
}
