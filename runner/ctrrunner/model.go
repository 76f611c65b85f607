// model.go - Zustand eines logischen Models
//
// Dieses Modul enthaelt den ModelState:
// - NewModelState: validiert und parst das Konfigurationsdokument des
//   Hosts (Batch-Groesse, Slots, Feature-Zahlen, Cache-Einstellungen)
// - Getter fuer alle Konfigurationsfelder
//
// Ein ModelState ist nach der Initialisierung unveraenderlich und wird
// von allen Instanzen desselben Models nur gelesen.
package ctrrunner

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ctrserve/ctrserve/api"
)

// Defaults der Model-Parameter, wenn das Konfigurationsdokument sie
// nicht setzt.
const (
	defaultMaxBatchSize  = 64
	defaultSlotNum       = 10
	defaultDenseNum      = 50
	defaultCatNum        = 50
	defaultEmbeddingSize = 64
	defaultMaxNNZ        = 3
	defaultCacheFraction = 0.5
)

// ModelState ist der geteilte, nur-lesbare Zustand eines logischen
// Models.
type ModelState struct {
	backend *BackendState
	config  *api.ModelConfig

	name    string
	version uint64

	maxBatchSize int64
	slotNum      int64
	denseNum     int64
	catNum       int64
	embSize      int64
	maxNNZ       int64

	cacheFraction float64
	gpuCache      bool
	longKeys      bool
	configPath    string
}

// NewModelState validiert das Konfigurationsdokument und parst die
// Model-Parameter. Jeder Fehler verhindert den Model-Load.
func NewModelState(backend *BackendState, cfg *api.ModelConfig) (*ModelState, error) {
	if backend == nil {
		return nil, fmt.Errorf("model %q: nil backend state", cfg.Name)
	}

	m := &ModelState{
		backend: backend,
		config:  cfg,
		name:    cfg.Name,
		version: cfg.Version,

		maxBatchSize:  defaultMaxBatchSize,
		slotNum:       defaultSlotNum,
		denseNum:      defaultDenseNum,
		catNum:        defaultCatNum,
		embSize:       defaultEmbeddingSize,
		maxNNZ:        defaultMaxNNZ,
		cacheFraction: defaultCacheFraction,
	}

	if err := m.ValidateModelConfig(); err != nil {
		return nil, err
	}
	if err := m.parseParameters(); err != nil {
		return nil, err
	}

	if m.longKeys != (backend.KeyWidth() == KeyWidth64) {
		return nil, fmt.Errorf("model %q: embeddingkey_long_type=%v does not match backend key width %d",
			m.name, m.longKeys, backend.KeyWidth())
	}

	slog.Info("model state created", "model", m.name, "version", m.version,
		"max_batch_size", m.maxBatchSize, "slots", m.slotNum,
		"des_feature_num", m.denseNum, "cat_feature_num", m.catNum,
		"embedding_vector_size", m.embSize, "max_nnz", m.maxNNZ,
		"gpucache", m.gpuCache, "gpucacheper", m.cacheFraction,
		"config", m.configPath)
	return m, nil
}

// ValidateModelConfig prueft den Tensor-Kontrakt: genau 3 Eingaben
// (Dense FP32, Schluessel UINT32|INT64, Zeilen-Offsets INT32) und
// genau 1 Ausgabe (FP32).
func (m *ModelState) ValidateModelConfig() error {
	cfg := m.config

	if len(cfg.Inputs) != 3 {
		return fmt.Errorf("model %q: expected 3 inputs, got %d", m.name, len(cfg.Inputs))
	}
	if len(cfg.Outputs) != 1 {
		return fmt.Errorf("model %q: expected 1 output, got %d", m.name, len(cfg.Outputs))
	}

	types := make(map[string]api.DataType, 3)
	for _, in := range cfg.Inputs {
		dt, err := api.ParseDataType(in.DataType)
		if err != nil {
			return fmt.Errorf("model %q input %q: %w", m.name, in.Name, err)
		}
		types[in.Name] = dt
	}

	if dt, ok := types[api.InputDense]; !ok || dt != api.TypeFP32 {
		return fmt.Errorf("model %q: input %q must be FP32", m.name, api.InputDense)
	}
	if dt, ok := types[api.InputKeys]; !ok || (dt != api.TypeUINT32 && dt != api.TypeINT64) {
		return fmt.Errorf("model %q: input %q must be UINT32 or INT64", m.name, api.InputKeys)
	}
	if dt, ok := types[api.InputRowOffsets]; !ok || dt != api.TypeINT32 {
		return fmt.Errorf("model %q: input %q must be INT32", m.name, api.InputRowOffsets)
	}

	outType, err := api.ParseDataType(cfg.Outputs[0].DataType)
	if err != nil {
		return fmt.Errorf("model %q output: %w", m.name, err)
	}
	// Ausgabe und Dense-Eingabe muessen im Datentyp uebereinstimmen.
	if outType != types[api.InputDense] {
		return fmt.Errorf("model %q: expected input and output datatype to match, got %s and %s",
			m.name, types[api.InputDense], outType)
	}

	return nil
}

// parseParameters konvertiert die String-wertigen Parameter. Ein nicht
// parsbarer Zahlenwert ist ein Ladefehler.
func (m *ModelState) parseParameters() error {
	cfg := m.config

	intParam := func(key string, dst *int64) error {
		s := cfg.Param(key)
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("model %q: parameter %q: invalid number %q", m.name, key, s)
		}
		*dst = n
		return nil
	}

	for key, dst := range map[string]*int64{
		"slots":                 &m.slotNum,
		"des_feature_num":       &m.denseNum,
		"cat_feature_num":       &m.catNum,
		"embedding_vector_size": &m.embSize,
		"max_nnz":               &m.maxNNZ,
	} {
		if err := intParam(key, dst); err != nil {
			return err
		}
	}

	if s := cfg.Param("gpucacheper"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("model %q: parameter gpucacheper: invalid number %q", m.name, s)
		}
		m.cacheFraction = f
	}

	m.gpuCache = cfg.Param("gpucache") == "true"
	m.longKeys = cfg.Param("embeddingkey_long_type") == "true"
	m.configPath = cfg.Param("config")

	if m.configPath == "" {
		return fmt.Errorf("model %q: parameter config (model json path) is required", m.name)
	}
	if cfg.MaxBatchSize > 0 {
		m.maxBatchSize = cfg.MaxBatchSize
	}
	if m.cacheFraction < 0 || m.cacheFraction > 1 {
		return fmt.Errorf("model %q: gpucacheper %v out of [0,1]", m.name, m.cacheFraction)
	}

	return nil
}

// Name gibt den Model-Namen zurueck.
func (m *ModelState) Name() string { return m.name }

// Version gibt die Model-Version zurueck.
func (m *ModelState) Version() uint64 { return m.version }

// Backend gibt den Backend-Zustand zurueck, der den Parameter-Server
// besitzt.
func (m *ModelState) Backend() *BackendState { return m.backend }

// BatchSize gibt die maximale Batch-Groesse zurueck.
func (m *ModelState) BatchSize() int64 { return m.maxBatchSize }

// SlotNum gibt die Anzahl der Kategorie-Slots zurueck.
func (m *ModelState) SlotNum() int64 { return m.slotNum }

// DenseNum gibt die Anzahl der Dense-Features pro Sample zurueck.
func (m *ModelState) DenseNum() int64 { return m.denseNum }

// CatNum gibt die Anzahl der Kategorie-Features pro Sample zurueck.
func (m *ModelState) CatNum() int64 { return m.catNum }

// EmbeddingSize gibt die Embedding-Vektorlaenge zurueck.
func (m *ModelState) EmbeddingSize() int64 { return m.embSize }

// MaxNNZ gibt die maximale Anzahl Schluessel pro Slot zurueck.
func (m *ModelState) MaxNNZ() int64 { return m.maxNNZ }

// CacheFraction gibt die Cache-Groesse als Anteil der Tabelle zurueck.
func (m *ModelState) CacheFraction() float64 { return m.cacheFraction }

// GPUCache meldet, ob der Embedding-Cache aktiviert ist.
func (m *ModelState) GPUCache() bool { return m.gpuCache }

// SupportsLongKeys meldet, ob das Model 64-Bit-Schluessel verwendet.
func (m *ModelState) SupportsLongKeys() bool { return m.longKeys }

// ConfigPath gibt den Pfad der Model-eigenen JSON zurueck.
func (m *ModelState) ConfigPath() string { return m.configPath }

// Config gibt das Konfigurationsdokument des Hosts zurueck.
func (m *ModelState) Config() *api.ModelConfig { return m.config }
