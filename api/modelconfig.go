// modelconfig.go - Host-seitige Model-Konfiguration
//
// Dieses Modul definiert das Konfigurationsdokument, das der Host beim
// Model-Load uebergibt (Inputs/Outputs/Parameter-Block), und dessen
// JSON-Parsing.
package api

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// TensorConfig beschreibt einen deklarierten Ein- oder Ausgabe-Tensor.
type TensorConfig struct {
	Name     string  `json:"name"`
	DataType string  `json:"data_type"`
	Dims     []int64 `json:"dims"`
}

// ParamValue ist ein String-wertiger Eintrag im parameters-Block.
// Numerische Parameter kommen als Strings an und werden erst beim
// Model-Load konvertiert.
type ParamValue struct {
	StringValue string `json:"string_value"`
}

// ModelConfig ist das vom Host gelieferte Konfigurationsdokument fuer
// ein logisches Model.
type ModelConfig struct {
	Name         string                `json:"name"`
	Version      uint64                `json:"version"`
	MaxBatchSize int64                 `json:"max_batch_size"`
	Inputs       []TensorConfig        `json:"input"`
	Outputs      []TensorConfig        `json:"output"`
	Parameters   map[string]ParamValue `json:"parameters"`
}

// Param gibt den String-Wert eines Parameters zurueck, oder "" wenn er
// nicht gesetzt ist.
func (c *ModelConfig) Param(key string) string {
	if p, ok := c.Parameters[key]; ok {
		return p.StringValue
	}
	return ""
}

// ParseModelConfig parst ein Konfigurationsdokument aus JSON-Bytes.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}
	return &cfg, nil
}

// LoadModelConfig liest und parst ein Konfigurationsdokument von Platte.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	return ParseModelConfig(data)
}
