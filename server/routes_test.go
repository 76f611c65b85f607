// routes_test.go - HTTP-Tests fuer den Inferenz-Server
//
// Enthaelt Tests fuer:
// - Laden eines Fixture-Repositories
// - den Infer-Endpunkt Ende-zu-Ende
// - Health- und Model-Listing-Routen
package server

import (
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/ctrserve/ctrserve/ps"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fixtureRepository legt ein Model-Repository mit einem Model an:
// config.json des Hosts plus Model-JSON und Sparse-Tabelle.
func fixtureRepository(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	modelDir := filepath.Join(repo, "ctr")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := ps.WriteTableFile(filepath.Join(modelDir, "table0.bin"), 2, map[uint32][]float32{
		1: {1, 1},
		2: {2, 2},
	}); err != nil {
		t.Fatalf("WriteTableFile: %v", err)
	}

	modelJSON := `{
		"sparse_files": ["table0.bin"],
		"embedding_vector_size": 2,
		"slots": 2,
		"dense_dim": 2,
		"layers": [1]
	}`
	modelPath := filepath.Join(modelDir, "model.json")
	if err := os.WriteFile(modelPath, []byte(modelJSON), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hostConfig := `{
		"name": "ctr",
		"version": 1,
		"max_batch_size": 4,
		"input": [
			{"name": "DES", "data_type": "TYPE_FP32", "dims": [-1]},
			{"name": "CATCOLUMN", "data_type": "TYPE_UINT32", "dims": [-1]},
			{"name": "ROWINDEX", "data_type": "TYPE_INT32", "dims": [-1]}
		],
		"output": [{"name": "OUTPUT0", "data_type": "TYPE_FP32", "dims": [-1]}],
		"parameters": {
			"config": {"string_value": "` + modelPath + `"},
			"slots": {"string_value": "2"},
			"des_feature_num": {"string_value": "2"},
			"cat_feature_num": {"string_value": "4"},
			"embedding_vector_size": {"string_value": "2"},
			"max_nnz": {"string_value": "1"},
			"gpucache": {"string_value": "true"},
			"gpucacheper": {"string_value": "0.5"}
		}
	}`
	if err := os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(hostConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return repo
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	backend, sched, err := LoadRepository(fixtureRepository(t), []int{0}, nil)
	if err != nil {
		t.Fatalf("LoadRepository: %v", err)
	}
	t.Cleanup(func() {
		sched.Close()
		backend.Close()
	})

	return NewServer(sched).GenerateRoutes()
}

func TestLoadRepositoryErrors(t *testing.T) {
	t.Run("Leeres Verzeichnis", func(t *testing.T) {
		if _, _, err := LoadRepository(t.TempDir(), []int{0}, nil); err == nil {
			t.Error("Fehler erwartet fuer leeres Repository")
		}
	})

	t.Run("Nicht vorhandenes Verzeichnis", func(t *testing.T) {
		if _, _, err := LoadRepository("/does/not/exist", []int{0}, nil); err == nil {
			t.Error("Fehler erwartet fuer fehlendes Verzeichnis")
		}
	})
}

func TestHealthAndList(t *testing.T) {
	handler := newTestServer(t)

	t.Run("Ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/health/ready", nil))
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, erwartet 200", w.Code)
		}
	})

	t.Run("Model-Liste", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/models", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, erwartet 200", w.Code)
		}
		var body struct {
			Models []string `json:"models"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if len(body.Models) != 1 || body.Models[0] != "ctr" {
			t.Errorf("Models = %v, erwartet [ctr]", body.Models)
		}
	})
}

func TestInferEndpoint(t *testing.T) {
	handler := newTestServer(t)

	// Eins-initialisiertes Netz: dense 0.5+0.5, Schluessel 1 und 2 je
	// Slot -> 1 + 2 + 4 + 1 = 8.
	body := `{
		"id": "req-1",
		"inputs": [
			{"name": "DES", "datatype": "FP32", "data": [0.5, 0.5]},
			{"name": "CATCOLUMN", "datatype": "UINT32", "data": [1, 2]},
			{"name": "ROWINDEX", "datatype": "INT32", "data": [0, 1, 2]}
		]
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v2/models/ctr/infer", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, erwartet 200: %s", w.Code, w.Body)
	}

	var resp struct {
		ID        string `json:"id"`
		ModelName string `json:"model_name"`
		Outputs   []struct {
			Name     string        `json:"name"`
			DataType string        `json:"datatype"`
			Shape    []int64       `json:"shape"`
			Data     []json.Number `json:"data"`
		} `json:"outputs"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if resp.ID != "req-1" {
		t.Errorf("ID = %q, erwartet req-1", resp.ID)
	}
	if resp.ModelName != "ctr" {
		t.Errorf("ModelName = %q, erwartet ctr", resp.ModelName)
	}
	if len(resp.Outputs) != 1 {
		t.Fatalf("Outputs = %d, erwartet 1", len(resp.Outputs))
	}
	out := resp.Outputs[0]
	if out.Name != "OUTPUT0" || out.DataType != "FP32" {
		t.Errorf("Ausgabe = (%q, %q), erwartet (OUTPUT0, FP32)", out.Name, out.DataType)
	}
	if len(out.Data) != 1 {
		t.Fatalf("Ausgabe-Daten = %v, erwartet 1 Wert", out.Data)
	}
	if v, err := out.Data[0].Float64(); err != nil || v != 8 {
		t.Errorf("Ausgabe = %v, erwartet 8", out.Data[0])
	}
	if resp.Parameters["gpucache"] != true {
		t.Errorf("Parameter gpucache = %v, erwartet true", resp.Parameters["gpucache"])
	}
}

func TestInferEndpointErrors(t *testing.T) {
	handler := newTestServer(t)

	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("Unbekanntes Model", func(t *testing.T) {
		w := post("/v2/models/nope/infer", `{"inputs": []}`)
		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, erwartet 404", w.Code)
		}
	})

	t.Run("Kaputtes JSON", func(t *testing.T) {
		w := post("/v2/models/ctr/infer", `{`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, erwartet 400", w.Code)
		}
	})

	t.Run("Unbekannter Datentyp", func(t *testing.T) {
		w := post("/v2/models/ctr/infer", `{
			"inputs": [{"name": "DES", "datatype": "FP16", "data": [1]}]
		}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, erwartet 400", w.Code)
		}
	})

	t.Run("Batch-Ueberlauf liefert Fehler-Antwort", func(t *testing.T) {
		// 5 Samples bei maximaler Batch-Groesse 4.
		w := post("/v2/models/ctr/infer", `{
			"inputs": [
				{"name": "DES", "datatype": "FP32", "data": [1,1,1,1,1,1,1,1,1,1]},
				{"name": "CATCOLUMN", "datatype": "UINT32", "data": [1,1,1,1,1]},
				{"name": "ROWINDEX", "datatype": "INT32", "data": [0,1,2,3,4,5]}
			]
		}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, erwartet 400: %s", w.Code, w.Body)
		}
		if !strings.Contains(w.Body.String(), "exceeds max batch size") {
			t.Errorf("Fehlertext = %s, erwartet Batch-Groessen-Meldung", w.Body)
		}
	})

	t.Run("Fehlende ID wird generiert", func(t *testing.T) {
		w := post("/v2/models/ctr/infer", `{
			"inputs": [
				{"name": "DES", "datatype": "FP32", "data": [1, 1]},
				{"name": "CATCOLUMN", "datatype": "UINT32", "data": [1, 2]},
				{"name": "ROWINDEX", "datatype": "INT32", "data": [0, 1, 2]}
			]
		}`)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, erwartet 200: %s", w.Code, w.Body)
		}
		var resp struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if resp.ID == "" {
			t.Error("ID = leer, erwartet generierte Request-ID")
		}
	})
}

func TestDecodeEncodeTensor(t *testing.T) {
	t.Run("FP32 Roundtrip", func(t *testing.T) {
		in := tensorJSON{Name: "DES", DataType: "FP32", Data: []json.Number{"1.5", "-2"}}
		tensor, err := decodeTensor(in)
		if err != nil {
			t.Fatalf("decodeTensor: %v", err)
		}
		if got := math.Float32frombits(binary.LittleEndian.Uint32(tensor.Data[0])); got != 1.5 {
			t.Errorf("Wert 0 = %v, erwartet 1.5", got)
		}
		if len(tensor.Shape) != 1 || tensor.Shape[0] != 2 {
			t.Errorf("Shape = %v, erwartet [2]", tensor.Shape)
		}

		out, err := encodeTensor(tensor)
		if err != nil {
			t.Fatalf("encodeTensor: %v", err)
		}
		if len(out.Data) != 2 {
			t.Fatalf("encodeTensor lieferte %d Werte, erwartet 2", len(out.Data))
		}
	})

	t.Run("INT64 Schluessel", func(t *testing.T) {
		in := tensorJSON{Name: "CATCOLUMN", DataType: "INT64", Data: []json.Number{"1099511627776"}}
		tensor, err := decodeTensor(in)
		if err != nil {
			t.Fatalf("decodeTensor: %v", err)
		}
		if got := binary.LittleEndian.Uint64(tensor.Data[0]); got != 1<<40 {
			t.Errorf("Wert = %d, erwartet 2^40", got)
		}
	})

	t.Run("Nicht-FP32-Ausgabe wird abgelehnt", func(t *testing.T) {
		tensor, err := decodeTensor(tensorJSON{Name: "X", DataType: "INT32", Data: []json.Number{"1"}})
		if err != nil {
			t.Fatalf("decodeTensor: %v", err)
		}
		if _, err := encodeTensor(tensor); err == nil {
			t.Error("Fehler erwartet fuer Nicht-FP32-Ausgabe")
		}
	})
}
