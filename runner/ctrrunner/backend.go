// backend.go - Prozessweiter Backend-Zustand
//
// Dieses Modul enthaelt den BackendState:
// - NewBackendState: parst die Kommandozeilen-Konfiguration des Hosts,
//   waehlt die Schluesselbreite und erstellt genau einen
//   Parameter-Server-Handle dieser Breite
// - ParameterServer32/64: Zugriff fuer Model-/Instanz-Load
// - Close: gibt den Handle beim Backend-Unload frei
//
// Der Handle wird per Dependency-Injection durch die Load-Kette
// gereicht (Backend -> Model -> Instanz), nie ueber globale Zustaende,
// und nie pro Instanz neu erstellt.
package ctrrunner

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ctrserve/ctrserve/ps"
)

// KeyWidthFlag ist der Kommandozeilen-Schluessel, der 64-Bit-
// Kategorie-Schluessel auswaehlt. Alle anderen Eintraege sind
// (Model-Name -> Konfigurationspfad)-Paare.
const KeyWidthFlag = "supportlonglong"

// KeyWidth ist die beim Backend-Load gewaehlte Schluesselbreite.
type KeyWidth int

const (
	KeyWidth32 KeyWidth = 32
	KeyWidth64 KeyWidth = 64
)

// BackendState ist der prozessweite Zustand des Backends. Er besitzt
// genau einen Parameter-Server-Handle der gewaehlten Schluesselbreite
// und ueberlebt jedes Model und jede Instanz.
type BackendState struct {
	name     string
	keyWidth KeyWidth
	models   []ps.ModelEntry

	ps32 *ps.Store[uint32]
	ps64 *ps.Store[int64]
}

// NewBackendState parst die Key/Value-Konfiguration des Hosts und
// erstellt den Parameter-Server. Ein Parse- oder Ladefehler ist fatal
// fuer den Backend-Load.
func NewBackendState(name string, cmdline map[string]string) (*BackendState, error) {
	b := &BackendState{name: name, keyWidth: KeyWidth32}

	keys := make([]string, 0, len(cmdline))
	for k := range cmdline {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == KeyWidthFlag {
			b.keyWidth = KeyWidth64
			continue
		}
		if cmdline[k] == "" {
			return nil, fmt.Errorf("backend config: model %q has empty config path", k)
		}
		b.models = append(b.models, ps.ModelEntry{Name: k, ConfigPath: cmdline[k]})
	}

	slog.Info("backend initializing", "backend", name,
		"key_width", int(b.keyWidth), "models", len(b.models))

	var err error
	if b.keyWidth == KeyWidth64 {
		b.ps64, err = ps.Create[int64](b.models)
	} else {
		b.ps32, err = ps.Create[uint32](b.models)
	}
	if err != nil {
		return nil, fmt.Errorf("creating parameter server: %w", err)
	}

	return b, nil
}

// Name gibt den Backend-Namen zurueck.
func (b *BackendState) Name() string { return b.name }

// KeyWidth gibt die beim Load gewaehlte Schluesselbreite zurueck.
func (b *BackendState) KeyWidth() KeyWidth { return b.keyWidth }

// Models gibt die registrierten (Name, Konfigurationspfad)-Paare in
// Ladereihenfolge zurueck.
func (b *BackendState) Models() []ps.ModelEntry { return b.models }

// ParameterServer32 gibt den 32-Bit-Handle zurueck (nil bei 64-Bit-
// Betrieb).
func (b *BackendState) ParameterServer32() *ps.Store[uint32] { return b.ps32 }

// ParameterServer64 gibt den 64-Bit-Handle zurueck (nil bei 32-Bit-
// Betrieb).
func (b *BackendState) ParameterServer64() *ps.Store[int64] { return b.ps64 }

// Close gibt den Parameter-Server frei. Erst beim Backend-Unload
// aufrufen, nachdem alle Modelle und Instanzen abgebaut sind.
func (b *BackendState) Close() {
	if b.ps32 != nil {
		b.ps32.Close()
		b.ps32 = nil
	}
	if b.ps64 != nil {
		b.ps64.Close()
		b.ps64 = nil
	}
	slog.Info("backend finalized", "backend", b.name)
}
