// repo.go - Laden eines Model-Repositories
//
// Enthaelt:
// - LoadRepository: durchsucht das Repository-Verzeichnis, baut die
//   Backend-Kommandozeile, erstellt BackendState, ModelStates und je
//   Geraet eine Instanz und registriert alles im Scheduler
package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ctrserve/ctrserve/api"
	"github.com/ctrserve/ctrserve/runner/ctrrunner"
)

// LoadRepository laedt alle Modelle eines Repository-Verzeichnisses.
// Jedes Model liegt unter <dir>/<name>/config.json; die Geraeteliste
// bestimmt die Instanzen pro Model. Jeder Fehler ist fatal fuer den
// gesamten Load.
func LoadRepository(dir string, devices []int, extra map[string]string) (*ctrrunner.BackendState, *Scheduler, error) {
	if len(devices) == 0 {
		devices = []int{0}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading model repository %q: %w", dir, err)
	}

	configs := make(map[string]*api.ModelConfig)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "config.json")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := api.LoadModelConfig(path)
		if err != nil {
			return nil, nil, fmt.Errorf("model %q: %w", e.Name(), err)
		}
		if cfg.Name == "" {
			cfg.Name = e.Name()
		}
		configs[cfg.Name] = cfg
		names = append(names, cfg.Name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, nil, fmt.Errorf("model repository %q contains no models", dir)
	}

	// Backend-Kommandozeile: (Model-Name -> Model-JSON-Pfad)-Paare,
	// plus das Schluesselbreiten-Flag, sobald ein Model 64-Bit-
	// Schluessel deklariert.
	cmdline := make(map[string]string, len(names)+1)
	for k, v := range extra {
		cmdline[k] = v
	}
	for _, name := range names {
		cfg := configs[name]
		cmdline[name] = cfg.Param("config")
		if cfg.Param("embeddingkey_long_type") == "true" {
			cmdline[ctrrunner.KeyWidthFlag] = "true"
		}
	}

	backend, err := ctrrunner.NewBackendState("ctrserve", cmdline)
	if err != nil {
		return nil, nil, err
	}

	sched := NewScheduler()
	for _, name := range names {
		state, err := ctrrunner.NewModelState(backend, configs[name])
		if err != nil {
			sched.Close()
			backend.Close()
			return nil, nil, err
		}

		var instances []*ctrrunner.InstanceState
		for _, dev := range devices {
			instName := fmt.Sprintf("%s_%d", name, dev)
			inst, err := ctrrunner.NewInstance(state, instName, dev, nil)
			if err != nil {
				for _, prev := range instances {
					prev.Close()
				}
				sched.Close()
				backend.Close()
				return nil, nil, err
			}
			instances = append(instances, inst)
		}

		if err := sched.Add(state, instances); err != nil {
			for _, inst := range instances {
				inst.Close()
			}
			sched.Close()
			backend.Close()
			return nil, nil, err
		}
		slog.Info("model loaded", "model", name, "instances", len(instances))
	}

	return backend, sched, nil
}
