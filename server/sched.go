// sched.go - Instanz-Scheduling fuer den HTTP-Server
//
// Dieses Modul enthaelt den Scheduler:
// - je Model eine Menge geraete-gebundener Instanzen
// - Round-Robin ueber die Instanzen; ein Semaphor pro Instanz stellt
//   die Host-Garantie sicher, dass Execute nie parallel fuer dieselbe
//   Instanz laeuft (verschiedene Instanzen laufen parallel)
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ctrserve/ctrserve/api"
	"github.com/ctrserve/ctrserve/runner/ctrrunner"
)

type instanceSlot struct {
	inst *ctrrunner.InstanceState
	sem  *semaphore.Weighted
}

// loadedModel ist ein geladenes Model mit seinen Instanzen.
type loadedModel struct {
	state *ctrrunner.ModelState
	slots []*instanceSlot
	next  atomic.Uint64
}

// execute fuehrt einen Request auf der naechsten freien Instanz aus.
func (m *loadedModel) execute(ctx context.Context, req *api.InferRequest) (*api.InferResponse, error) {
	slot := m.slots[m.next.Add(1)%uint64(len(m.slots))]
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer slot.sem.Release(1)

	return slot.inst.Execute([]*api.InferRequest{req})[0], nil
}

// Scheduler verwaltet die geladenen Modelle des Backends.
type Scheduler struct {
	mu     sync.RWMutex
	models map[string]*loadedModel
}

// NewScheduler erstellt einen leeren Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{models: make(map[string]*loadedModel)}
}

// Add registriert ein Model mit seinen Instanzen.
func (s *Scheduler) Add(state *ctrrunner.ModelState, instances []*ctrrunner.InstanceState) error {
	if len(instances) == 0 {
		return fmt.Errorf("model %q: no instances", state.Name())
	}

	m := &loadedModel{state: state}
	for _, inst := range instances {
		m.slots = append(m.slots, &instanceSlot{inst: inst, sem: semaphore.NewWeighted(1)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[state.Name()]; ok {
		return fmt.Errorf("model %q already loaded", state.Name())
	}
	s.models[state.Name()] = m
	return nil
}

// Model gibt ein geladenes Model zurueck.
func (s *Scheduler) Model(name string) (*loadedModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[name]
	return m, ok
}

// Names gibt die Namen aller geladenen Modelle zurueck.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	return names
}

// Close baut alle Instanzen ab.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.models {
		for _, slot := range m.slots {
			slot.inst.Close()
		}
	}
	s.models = make(map[string]*loadedModel)
}
