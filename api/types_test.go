// types_test.go - Tests fuer die Host-ABI-Typen
package api

import (
	"testing"
)

func TestParseDataType(t *testing.T) {
	tests := []struct {
		input   string
		want    DataType
		wantErr bool
	}{
		{"TYPE_FP32", TypeFP32, false},
		{"FP32", TypeFP32, false},
		{"TYPE_UINT32", TypeUINT32, false},
		{"TYPE_INT32", TypeINT32, false},
		{"TYPE_INT64", TypeINT64, false},
		{"INT64", TypeINT64, false},
		{"TYPE_FP16", TypeInvalid, true},
		{"", TypeInvalid, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDataType(%q) Fehler = %v, erwartet Fehler: %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDataType(%q) = %v, erwartet %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDataTypeSize(t *testing.T) {
	tests := []struct {
		dt   DataType
		want int
	}{
		{TypeFP32, 4},
		{TypeUINT32, 4},
		{TypeINT32, 4},
		{TypeINT64, 8},
		{TypeInvalid, 0},
	}

	for _, tt := range tests {
		if got := tt.dt.Size(); got != tt.want {
			t.Errorf("%v.Size() = %d, erwartet %d", tt.dt, got, tt.want)
		}
	}
}

func TestTensorByteSize(t *testing.T) {
	tensor := &Tensor{
		Name:     InputDense,
		DataType: TypeFP32,
		Data:     [][]byte{make([]byte, 8), make([]byte, 4)},
	}
	if got := tensor.ByteSize(); got != 12 {
		t.Errorf("ByteSize() = %d, erwartet 12", got)
	}
	if got := tensor.BufferCount(); got != 2 {
		t.Errorf("BufferCount() = %d, erwartet 2", got)
	}
}

func TestRequestInput(t *testing.T) {
	req := &InferRequest{
		Inputs: []*Tensor{
			{Name: InputDense},
			{Name: InputKeys},
		},
	}
	if got := req.Input(InputKeys); got == nil || got.Name != InputKeys {
		t.Errorf("Input(%q) = %v, erwartet Tensor", InputKeys, got)
	}
	if got := req.Input(InputRowOffsets); got != nil {
		t.Errorf("Input(%q) = %v, erwartet nil", InputRowOffsets, got)
	}
}

func TestModelConfigParam(t *testing.T) {
	cfg, err := ParseModelConfig([]byte(`{
		"name": "m",
		"version": 3,
		"max_batch_size": 64,
		"input": [{"name": "DES", "data_type": "TYPE_FP32", "dims": [-1]}],
		"output": [{"name": "OUTPUT0", "data_type": "TYPE_FP32", "dims": [-1]}],
		"parameters": {"slots": {"string_value": "10"}}
	}`))
	if err != nil {
		t.Fatalf("ParseModelConfig: %v", err)
	}
	if cfg.Name != "m" || cfg.Version != 3 || cfg.MaxBatchSize != 64 {
		t.Errorf("Kopf = (%q, %d, %d), erwartet (m, 3, 64)", cfg.Name, cfg.Version, cfg.MaxBatchSize)
	}
	if got := cfg.Param("slots"); got != "10" {
		t.Errorf("Param(slots) = %q, erwartet 10", got)
	}
	if got := cfg.Param("missing"); got != "" {
		t.Errorf("Param(missing) = %q, erwartet leer", got)
	}
}
