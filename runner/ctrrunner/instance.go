// instance.go - Zustand einer Geraete-Instanz
//
// Dieses Modul enthaelt den InstanceState und seine Lade-Zustandsmaschine:
// Uninitialized -> BuffersAllocated -> CacheCreated -> ModelLoaded ->
// Ready -> TornDown. Kein Schritt wird uebersprungen; ein Fehler bricht
// den Instanz-Load ab und laesst Geschwister-Instanzen unberuehrt.
//
// Eine Instanz besitzt exklusiv ihre vier Puffer, ihren Embedding-Cache
// und ihr ExecutableModel. Die Schluesselbreite ist beim Load fixiert:
// die Instanz haelt genau eine konkrete Pipeline-Spezialisierung
// (32- oder 64-Bit), nie beide.
package ctrrunner

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ctrserve/ctrserve/ctrmodel"
	"github.com/ctrserve/ctrserve/device"
	"github.com/ctrserve/ctrserve/embcache"
	"github.com/ctrserve/ctrserve/ps"
)

// Phase ist der Lade-Zustand einer Instanz.
type Phase int

const (
	Uninitialized Phase = iota
	BuffersAllocated
	CacheCreated
	ModelLoaded
	Ready
	TornDown
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case BuffersAllocated:
		return "buffers-allocated"
	case CacheCreated:
		return "cache-created"
	case ModelLoaded:
		return "model-loaded"
	case Ready:
		return "ready"
	case TornDown:
		return "torn-down"
	}
	return "unknown"
}

// ErrNotReady: Execute auf einer Instanz ausserhalb von Ready.
var ErrNotReady = errors.New("ctrrunner: instance not ready")

// pipeline ist die schluesselbreiten-spezifische Haelfte der Instanz:
// Schluessel-Staging-Puffer, Cache und Model einer konkreten Breite.
type pipeline interface {
	// keyBytes gibt den gepinnten Staging-Puffer der Schluessel zurueck.
	keyBytes() []byte
	// predict fuehrt Lookup + Forward-Pass ueber die Instanz-Puffer aus.
	// rowElems ist die Anzahl der fuer den Request gueltigen Eintraege
	// im Zeilen-Offset-Puffer; dahinter liegende Puffer-Eintraege
	// stammen aus frueheren Requests und duerfen nicht gelesen werden.
	predict(inst *InstanceState, numSamples int64, rowElems int) error
	// outputWidth gibt die Ausgabebreite pro Sample zurueck.
	outputWidth() int
	// close gibt Model, Cache und Schluessel-Puffer in dieser
	// Reihenfolge frei.
	close() error
}

// InstanceState ist eine geraete-gebundene, unabhaengig ausfuehrbare
// Replika eines geladenen Models.
type InstanceState struct {
	model    *ModelState
	name     string
	deviceID int
	phase    Phase

	// Die vier Arbeits-Puffer, wiederverwendet ueber alle Requests.
	denseBuf *device.Buffer[float32]
	rowBuf   *device.Buffer[int32]
	predBuf  *device.Buffer[float32]

	pipe  pipeline
	stats StatsRecorder
}

// NewInstance erstellt eine Instanz auf dem gegebenen Geraet und
// durchlaeuft die komplette Lade-Zustandsmaschine.
func NewInstance(model *ModelState, name string, deviceID int, stats StatsRecorder) (*InstanceState, error) {
	if model == nil {
		return nil, fmt.Errorf("ctrrunner: nil model state")
	}
	if stats == nil {
		stats = NewSlogRecorder(name)
	}

	inst := &InstanceState{
		model:    model,
		name:     name,
		deviceID: deviceID,
		phase:    Uninitialized,
		stats:    stats,
	}

	slog.Info("instance initializing", "instance", name, "model", model.Name(), "device", deviceID)

	if err := inst.allocateBuffers(); err != nil {
		inst.teardown()
		return nil, fmt.Errorf("instance %q: %w", name, err)
	}

	var err error
	if model.SupportsLongKeys() {
		inst.pipe, err = buildPipeline(inst, model.Backend().ParameterServer64())
	} else {
		inst.pipe, err = buildPipeline(inst, model.Backend().ParameterServer32())
	}
	if err != nil {
		inst.teardown()
		return nil, fmt.Errorf("instance %q: %w", name, err)
	}

	inst.phase = Ready
	slog.Info("instance ready", "instance", name, "device", deviceID)
	return inst, nil
}

// allocateBuffers reserviert und allokiert die Dense-, Zeilen-Offset-
// und Praediktionspuffer. Der Schluessel-Puffer gehoert der Pipeline.
func (i *InstanceState) allocateBuffers() error {
	m := i.model

	slog.Debug("dense feature buffer allocation", "instance", i.name)
	i.denseBuf = device.NewBuffer[float32](device.Device)
	if err := i.denseBuf.Reserve(uint64(m.BatchSize() * m.DenseNum())); err != nil {
		return err
	}
	if err := i.denseBuf.Allocate(); err != nil {
		return fmt.Errorf("dense buffer: %w", err)
	}

	slog.Debug("row index buffer allocation", "instance", i.name)
	i.rowBuf = device.NewBuffer[int32](device.Device)
	if err := i.rowBuf.Reserve(uint64(m.BatchSize()*m.SlotNum() + 1)); err != nil {
		return err
	}
	if err := i.rowBuf.Allocate(); err != nil {
		return fmt.Errorf("row offset buffer: %w", err)
	}

	slog.Debug("prediction buffer allocation", "instance", i.name)
	i.predBuf = device.NewBuffer[float32](device.Device)
	if err := i.predBuf.Reserve(uint64(m.BatchSize())); err != nil {
		return err
	}
	if err := i.predBuf.Allocate(); err != nil {
		return fmt.Errorf("prediction buffer: %w", err)
	}

	i.phase = BuffersAllocated
	return nil
}

// typedPipeline ist die konkrete Pipeline einer Schluesselbreite.
type typedPipeline[K ps.Key] struct {
	keys  *device.Buffer[K]
	cache *embcache.Cache[K]
	model *ctrmodel.Model[K]
}

// buildPipeline allokiert den Schluessel-Puffer, erstellt den
// Embedding-Cache und laedt das ExecutableModel, in dieser Reihenfolge.
func buildPipeline[K ps.Key](inst *InstanceState, store *ps.Store[K]) (pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("no parameter server for requested key width")
	}
	m := inst.model

	p := &typedPipeline[K]{}

	// Schluessel werden in gepinntem Host-Speicher bereitgestellt,
	// bevor der Lookup-Pfad sie sieht.
	slog.Debug("categorical key buffer allocation", "instance", inst.name)
	p.keys = device.NewBuffer[K](device.Pinned)
	if err := p.keys.Reserve(uint64(m.BatchSize() * m.CatNum())); err != nil {
		return nil, err
	}
	if err := p.keys.Allocate(); err != nil {
		return nil, fmt.Errorf("key buffer: %w", err)
	}

	slog.Info("creating embedding cache", "instance", inst.name, "model", m.Name())
	cache, err := embcache.Create(store, inst.deviceID, m.GPUCache(), m.CacheFraction(), m.ConfigPath(), m.Name())
	if err != nil {
		p.keys.Free()
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	p.cache = cache
	inst.phase = CacheCreated

	slog.Info("loading model", "instance", inst.name, "config", m.ConfigPath())
	p.model, err = ctrmodel.Load(m.ConfigPath(), inst.deviceID, cache)
	if err != nil {
		cache.Close()
		p.keys.Free()
		return nil, fmt.Errorf("loading model: %w", err)
	}
	inst.phase = ModelLoaded

	return p, nil
}

func (p *typedPipeline[K]) keyBytes() []byte {
	return p.keys.Bytes()
}

func (p *typedPipeline[K]) outputWidth() int {
	return p.model.OutputWidth()
}

func (p *typedPipeline[K]) predict(inst *InstanceState, numSamples int64, rowElems int) error {
	// Nur die Offsets des Requests sichtbar machen: die Offset-Form
	// (volle CSR oder kompakt) wird ueber die Laenge erkannt.
	rows := inst.rowBuf.Ptr()
	if rowElems > 0 && rowElems < len(rows) {
		rows = rows[:rowElems]
	}

	return p.model.Predict(
		inst.denseBuf.Ptr(),
		p.keys.Ptr(),
		rows,
		inst.predBuf.Ptr(),
		int(numSamples),
	)
}

func (p *typedPipeline[K]) close() error {
	var errs []error
	if p.model != nil {
		p.model.Close()
	}
	if p.cache != nil {
		p.cache.Close()
	}
	if p.keys != nil {
		if err := p.keys.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name gibt den Instanz-Namen zurueck.
func (i *InstanceState) Name() string { return i.name }

// DeviceID gibt das zugewiesene Geraet zurueck.
func (i *InstanceState) DeviceID() int { return i.deviceID }

// Phase gibt den Lade-Zustand zurueck.
func (i *InstanceState) Phase() Phase { return i.phase }

// StateForModel gibt den ModelState der Instanz zurueck.
func (i *InstanceState) StateForModel() *ModelState { return i.model }

// ProcessRequest fuehrt Lookup + Forward-Pass fuer numSamples Samples
// ueber die Instanz-Puffer aus. rowElems ist die Anzahl der gueltigen
// Zeilen-Offsets des Requests im Offset-Puffer.
func (i *InstanceState) ProcessRequest(numSamples int64, rowElems int) error {
	if i.phase != Ready {
		return fmt.Errorf("%w: phase %s", ErrNotReady, i.phase)
	}
	return i.pipe.predict(i, numSamples, rowElems)
}

// Close baut die Instanz ab: Model, Cache und Puffer in umgekehrter
// Aufbau-Reihenfolge. Idempotent.
func (i *InstanceState) Close() error {
	if i.phase == TornDown {
		return nil
	}
	err := i.teardown()
	slog.Info("instance finalized", "instance", i.name)
	return err
}

func (i *InstanceState) teardown() error {
	var errs []error
	if i.pipe != nil {
		errs = append(errs, i.pipe.close())
		i.pipe = nil
	}
	if i.predBuf != nil {
		errs = append(errs, i.predBuf.Free())
		i.predBuf = nil
	}
	if i.rowBuf != nil {
		errs = append(errs, i.rowBuf.Free())
		i.rowBuf = nil
	}
	if i.denseBuf != nil {
		errs = append(errs, i.denseBuf.Free())
		i.denseBuf = nil
	}
	i.phase = TornDown
	return errors.Join(errs...)
}
