// execute.go - Request-Ausfuehrungsprotokoll einer Instanz
//
// Dieses Modul enthaelt Execute, den blockierenden Ausfuehrungs-
// Einstiegspunkt: pro Batch von Requests wird jeder Request der Reihe
// nach verarbeitet (Validierung, Transfer in die Instanz-Puffer,
// Predict, Ergebnis-Transfer, Statistiken). Ein Fehler macht genau
// einen Request ungueltig; die uebrigen laufen weiter.
//
// Der Host ruft Execute nie parallel fuer dieselbe Instanz auf;
// verschiedene Instanzen duerfen parallel laufen, weil saemtlicher
// veraenderlicher Zustand instanz-exklusiv ist.
package ctrrunner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrserve/ctrserve/api"
	"github.com/ctrserve/ctrserve/device"
)

// Execute verarbeitet einen Batch von Requests und gibt genau eine
// Antwort pro Request zurueck. Nach der Rueckkehr sind alle Requests
// freigegeben; eine fehlgeschlagene Antwort traegt ihren Fehler.
func (i *InstanceState) Execute(requests []*api.InferRequest) []*api.InferResponse {
	responses := make([]*api.InferResponse, len(requests))
	valid := make([]bool, len(requests))

	if i.phase != Ready {
		for r, req := range requests {
			responses[r] = &api.InferResponse{ID: req.ID, Error: fmt.Errorf("%w: phase %s", ErrNotReady, i.phase)}
		}
		return responses
	}

	slog.Info("executing requests", "instance", i.name, "model", i.model.Name(), "count", len(requests))

	var minStart, maxEnd time.Time
	var totalSamples int64

	for r, req := range requests {
		start := time.Now()
		if minStart.IsZero() || start.Before(minStart) {
			minStart = start
		}

		responses[r] = &api.InferResponse{ID: req.ID}
		valid[r] = true

		numSamples := i.executeRequest(req, responses[r])
		if responses[r].Error != nil {
			valid[r] = false
			slog.Error("request failed, error response sent", "instance", i.name,
				"request", r, "error", responses[r].Error)
		} else {
			totalSamples += numSamples
		}

		end := time.Now()
		if end.After(maxEnd) {
			maxEnd = end
		}
		i.stats.RecordRequest(req.ID, valid[r], start, end)
	}

	i.stats.RecordBatch(totalSamples, minStart, maxEnd)

	// Requests freigeben, unabhaengig vom Ausgang.
	for r := range requests {
		requests[r] = nil
	}

	return responses
}

// executeRequest verarbeitet genau einen Request. Ein Fehler wird in
// resp.Error hinterlegt; der Rueckgabewert ist der Sample-Beitrag des
// Requests zur Batch-Statistik (0 bei Fehler).
func (i *InstanceState) executeRequest(req *api.InferRequest, resp *api.InferResponse) int64 {
	fail := func(format string, args ...any) int64 {
		resp.Error = fmt.Errorf(format, args...)
		return 0
	}

	// Schritt 2: genau 3 benannte Eingaben, Ausgabe-Name aufloesen.
	if len(req.Inputs) != 3 {
		return fail("expected 3 inputs, got %d", len(req.Inputs))
	}

	des := req.Input(api.InputDense)
	cat := req.Input(api.InputKeys)
	row := req.Input(api.InputRowOffsets)
	if des == nil || cat == nil || row == nil {
		return fail("missing input, want %q, %q and %q",
			api.InputDense, api.InputKeys, api.InputRowOffsets)
	}

	var outputName string
	if len(req.Outputs) > 0 {
		outputName = req.Outputs[0]
	}

	// Schritt 3: Eigenschaften aller drei Eingaben lesen.
	for _, t := range []*api.Tensor{des, cat, row} {
		slog.Debug("input properties", "instance", i.name, "input", t.Name,
			"datatype", t.DataType, "shape", t.Shape,
			"byte_size", t.ByteSize(), "buffer_count", t.BufferCount())
	}
	if des.DataType != api.TypeFP32 {
		return fail("input %q: datatype %s, want FP32", des.Name, des.DataType)
	}
	wantKeys := api.TypeUINT32
	if i.model.SupportsLongKeys() {
		wantKeys = api.TypeINT64
	}
	if cat.DataType != wantKeys {
		return fail("input %q: datatype %s, want %s", cat.Name, cat.DataType, wantKeys)
	}
	if row.DataType != api.TypeINT32 {
		return fail("input %q: datatype %s, want INT32", row.Name, row.DataType)
	}

	// Schritt 4: Sample-Zahl bestimmen und gegen die maximale
	// Batch-Groesse pruefen.
	numSamples, err := i.sampleCount(des, row)
	if err != nil {
		resp.Error = err
		return 0
	}
	if numSamples > i.model.BatchSize() {
		return fail("the number of input samples %d exceeds max batch size %d",
			numSamples, i.model.BatchSize())
	}

	// Ausgabe nur berechnen, wenn sie angefordert wurde.
	if outputName == "" {
		return numSamples
	}

	// Schritt 5+6: Ausgabe-Tensor und Ausgabe-Puffer in der Groesse
	// des Praediktionspuffers.
	outBuf := make([]byte, i.predBuf.Size())
	out := &api.Tensor{
		Name:     outputName,
		DataType: des.DataType,
		Shape:    []int64{numSamples},
	}

	// Schritt 7: je zusammenhaengendem Eingabe-Puffer kopieren,
	// Predict ausfuehren und das Ergebnis zurueckkopieren. Jeder
	// Transfer ueberschreibt den vollen Request-Umfang im jeweiligen
	// Instanz-Puffer; ein Transfer- oder Predict-Fehler macht nur
	// diesen Request ungueltig, die Instanz bleibt Ready.
	var desOff, catOff, rowOff, outOff int
	chunks := des.BufferCount()
	for b := 0; b < chunks; b++ {
		if err := device.Memcpy(i.denseBuf.Bytes()[desOff:], des.Data[b], device.HostToDevice); err != nil {
			return fail("request input %q: %v", des.Name, err)
		}
		desOff += len(des.Data[b])

		// Der Schluessel-Puffer ist gepinnter Host-Speicher und wird
		// vor dem Lookup-Pfad per Host-Kopie befuellt.
		if b < cat.BufferCount() {
			if err := device.Memcpy(i.pipe.keyBytes()[catOff:], cat.Data[b], device.HostToHost); err != nil {
				return fail("request input %q: %v", cat.Name, err)
			}
			catOff += len(cat.Data[b])
		}

		if b < row.BufferCount() {
			if err := device.Memcpy(i.rowBuf.Bytes()[rowOff:], row.Data[b], device.HostToDevice); err != nil {
				return fail("request input %q: %v", row.Name, err)
			}
			rowOff += len(row.Data[b])
		}

		if err := i.ProcessRequest(numSamples, rowOff/4); err != nil {
			return fail("inference failed: %v", err)
		}

		resultBytes := int(numSamples) * i.pipe.outputWidth() * 4
		if err := device.Memcpy(outBuf[outOff:], i.predBuf.Bytes()[:resultBytes], device.DeviceToHost); err != nil {
			return fail("copying prediction result: %v", err)
		}
		outOff = resultBytes
	}

	out.Data = [][]byte{outBuf[:outOff]}
	resp.Outputs = append(resp.Outputs, out)

	// Schritt 8: diagnostische Antwort-Parameter.
	resp.SetParam("device", i.deviceID)
	resp.SetParam("gpucache", i.model.GPUCache())
	resp.SetParam("model_version", i.model.Version())

	return numSamples
}

// sampleCount bestimmt die Sample-Zahl eines Requests. Mit Dense-
// Features ist sie byte_size/4/des_feature_num; ohne Dense-Features
// wird sie aus der Laenge der Zeilen-Offsets abgeleitet.
func (i *InstanceState) sampleCount(des, row *api.Tensor) (int64, error) {
	if n := i.model.DenseNum(); n > 0 {
		numSamples := int64(des.ByteSize()) / 4 / n
		if numSamples <= 0 {
			return 0, fmt.Errorf("input %q: %d bytes yield no complete sample", des.Name, des.ByteSize())
		}
		return numSamples, nil
	}

	offsets := int64(row.ByteSize()) / 4
	if offsets < 2 {
		return 0, fmt.Errorf("input %q: need at least 2 row offsets, got %d", row.Name, offsets)
	}
	// Volle CSR-Form hat numSamples*slots+1 Offsets, die kompakte
	// Form numSamples+1.
	if slots := i.model.SlotNum(); (offsets-1)%slots == 0 {
		return (offsets - 1) / slots, nil
	}
	return offsets - 1, nil
}
