// stats.go - Ausfuehrungs-Statistiken pro Request und pro Batch
//
// Enthaelt:
// - StatsRecorder: Schnittstelle, die der Host fuer die Buchfuehrung
//   bereitstellt
// - SlogRecorder: Standard-Implementierung ueber slog
package ctrrunner

import (
	"log/slog"
	"time"
)

// StatsRecorder nimmt die Ausfuehrungs-Statistiken einer Instanz
// entgegen. Fehlgeschlagene Requests werden mit success=false und
// ohne Zeitstempel-Aussagekraft gemeldet.
type StatsRecorder interface {
	RecordRequest(requestID string, success bool, start, end time.Time)
	RecordBatch(totalSamples int64, start, end time.Time)
}

// SlogRecorder schreibt Statistiken als strukturierte Log-Eintraege.
type SlogRecorder struct {
	instance string
}

// NewSlogRecorder erstellt einen SlogRecorder fuer eine Instanz.
func NewSlogRecorder(instance string) *SlogRecorder {
	return &SlogRecorder{instance: instance}
}

func (r *SlogRecorder) RecordRequest(requestID string, success bool, start, end time.Time) {
	slog.Debug("request statistics", "instance", r.instance, "request", requestID,
		"success", success, "duration", end.Sub(start))
}

func (r *SlogRecorder) RecordBatch(totalSamples int64, start, end time.Time) {
	slog.Debug("batch statistics", "instance", r.instance,
		"total_samples", totalSamples, "duration", end.Sub(start))
}
