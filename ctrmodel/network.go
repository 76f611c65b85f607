// network.go - Laden von Topologie und Gewichten des Dense-Netzes
//
// Enthaelt:
// - loadNetworkJSON: liest die Netz-Felder der Model-JSON
// - buildLayers: baut die Schichten aus der Gewichtsdatei
// - WriteDenseFile: schreibt eine Gewichtsdatei (Fixtures, Export)
//
// Gewichtsdatei (little-endian, je Schicht): out*in float32 Gewichte
// (zeilenweise), dann out float32 Bias. Ohne dense_file werden alle
// Gewichte und Bias mit 1 initialisiert (Referenz-Fixture).
package ctrmodel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"
)

type networkJSON struct {
	Slots               int    `json:"slots"`
	DenseDim            int    `json:"dense_dim"`
	EmbeddingVectorSize int    `json:"embedding_vector_size"`
	Layers              []int  `json:"layers"`
	DenseFile           string `json:"dense_file"`
}

func loadNetworkJSON(configPath string) (*networkJSON, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading model json: %w", err)
	}

	var cfg networkJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing model json: %w", err)
	}

	switch {
	case cfg.Slots <= 0:
		return nil, fmt.Errorf("model json %q: invalid slots %d", configPath, cfg.Slots)
	case cfg.DenseDim < 0:
		return nil, fmt.Errorf("model json %q: invalid dense_dim %d", configPath, cfg.DenseDim)
	case cfg.EmbeddingVectorSize <= 0:
		return nil, fmt.Errorf("model json %q: invalid embedding_vector_size %d", configPath, cfg.EmbeddingVectorSize)
	case len(cfg.Layers) == 0:
		return nil, fmt.Errorf("model json %q: no layers declared", configPath)
	case cfg.Layers[len(cfg.Layers)-1] != 1:
		// Der Praediktionspuffer haelt einen Skalar pro Sample.
		return nil, fmt.Errorf("model json %q: final layer width must be 1, got %d",
			configPath, cfg.Layers[len(cfg.Layers)-1])
	}

	if cfg.DenseFile != "" && !filepath.IsAbs(cfg.DenseFile) {
		cfg.DenseFile = filepath.Join(filepath.Dir(configPath), cfg.DenseFile)
	}
	return &cfg, nil
}

// buildLayers baut die Schichten. inputDim ist die Breite des
// Eingabevektors (dense_dim + slots*embedding_vector_size).
func buildLayers(cfg *networkJSON, inputDim int) ([]layer, error) {
	var r io.Reader
	if cfg.DenseFile != "" {
		f, err := os.Open(cfg.DenseFile)
		if err != nil {
			return nil, fmt.Errorf("opening dense file: %w", err)
		}
		defer f.Close()
		r = bufio.NewReader(f)
	}

	layers := make([]layer, 0, len(cfg.Layers))
	in := inputDim
	for i, out := range cfg.Layers {
		if out <= 0 {
			return nil, fmt.Errorf("invalid layer width %d", out)
		}

		w := make([]float64, out*in)
		b := make([]float64, out)
		if r == nil {
			for j := range w {
				w[j] = 1
			}
			for j := range b {
				b[j] = 1
			}
		} else {
			if err := readFloats(r, w); err != nil {
				return nil, fmt.Errorf("layer %d weights: %w", i, err)
			}
			if err := readFloats(r, b); err != nil {
				return nil, fmt.Errorf("layer %d bias: %w", i, err)
			}
		}

		layers = append(layers, layer{
			w:    mat.NewDense(out, in, w),
			b:    mat.NewVecDense(out, b),
			out:  out,
			last: i == len(cfg.Layers)-1,
		})
		in = out
	}
	return layers, nil
}

func readFloats(r io.Reader, dst []float64) error {
	buf := make([]byte, 4)
	for i := range dst {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	}
	return nil
}

// WriteDenseFile schreibt eine Gewichtsdatei fuer die gegebenen
// Schichtbreiten. weights und biases sind je Schicht zeilenweise
// float32-Werte, wie buildLayers sie liest.
func WriteDenseFile(path string, weights [][]float32, biases [][]float32) error {
	if len(weights) != len(biases) {
		return fmt.Errorf("got %d weight blocks and %d bias blocks", len(weights), len(biases))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := range weights {
		for _, v := range weights[i] {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
				return err
			}
		}
		for _, v := range biases[i] {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
