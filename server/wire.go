// wire.go - JSON-Wire-Format der Inferenz-Endpunkte
//
// Enthaelt:
// - inferRequestJSON/inferResponseJSON: HTTP-Repraesentation von
//   Request und Response
// - encodeTensor/decodeTensor: Konvertierung zwischen Zahlenlisten und
//   den rohen Tensor-Puffern des Host-ABI
package server

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/ctrserve/ctrserve/api"
)

type tensorJSON struct {
	Name     string        `json:"name"`
	DataType string        `json:"datatype"`
	Shape    []int64       `json:"shape"`
	Data     []json.Number `json:"data"`
}

type inferRequestJSON struct {
	ID      string       `json:"id,omitempty"`
	Inputs  []tensorJSON `json:"inputs"`
	Outputs []string     `json:"outputs,omitempty"`
}

type inferResponseJSON struct {
	ID         string         `json:"id,omitempty"`
	ModelName  string         `json:"model_name"`
	Outputs    []tensorJSON   `json:"outputs,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// decodeTensor konvertiert eine JSON-Zahlenliste in einen Tensor mit
// genau einem zusammenhaengenden Puffer.
func decodeTensor(t tensorJSON) (*api.Tensor, error) {
	dt, err := api.ParseDataType(t.DataType)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", t.Name, err)
	}

	buf := make([]byte, len(t.Data)*dt.Size())
	for i, num := range t.Data {
		switch dt {
		case api.TypeFP32:
			f, err := num.Float64()
			if err != nil {
				return nil, fmt.Errorf("input %q value %d: %w", t.Name, i, err)
			}
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(f)))
		case api.TypeUINT32, api.TypeINT32:
			n, err := num.Int64()
			if err != nil {
				return nil, fmt.Errorf("input %q value %d: %w", t.Name, i, err)
			}
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(n))
		case api.TypeINT64:
			n, err := num.Int64()
			if err != nil {
				return nil, fmt.Errorf("input %q value %d: %w", t.Name, i, err)
			}
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(n))
		}
	}

	shape := t.Shape
	if len(shape) == 0 {
		shape = []int64{int64(len(t.Data))}
	}

	return &api.Tensor{
		Name:     t.Name,
		DataType: dt,
		Shape:    shape,
		Data:     [][]byte{buf},
	}, nil
}

// encodeTensor konvertiert einen Ausgabe-Tensor in die JSON-Form.
// Ausgaben sind nach dem Model-Kontrakt FP32.
func encodeTensor(t *api.Tensor) (tensorJSON, error) {
	if t.DataType != api.TypeFP32 {
		return tensorJSON{}, fmt.Errorf("output %q: unsupported datatype %s", t.Name, t.DataType)
	}

	out := tensorJSON{
		Name:     t.Name,
		DataType: t.DataType.String(),
		Shape:    t.Shape,
	}
	for _, chunk := range t.Data {
		for off := 0; off+4 <= len(chunk); off += 4 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(chunk[off:]))
			num, err := json.Marshal(v)
			if err != nil {
				return tensorJSON{}, err
			}
			out.Data = append(out.Data, json.Number(num))
		}
	}
	return out, nil
}
