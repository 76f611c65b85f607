// types.go - Host-ABI Typen fuer den Inferenz-Backend
//
// Dieses Modul definiert die Request/Response/Tensor-Schnittstelle,
// ueber die der Serving-Host mit dem Backend spricht:
// - DataType: Element-Datentypen der Tensoren
// - Tensor: Eingabe-/Ausgabe-Tensor mit einem oder mehreren zusammenhaengenden Puffern
// - InferRequest / InferResponse: Request/Response-Objekte
package api

import (
	"fmt"
)

// DataType bezeichnet den Element-Typ eines Tensors.
type DataType int

const (
	TypeInvalid DataType = iota
	TypeFP32
	TypeUINT32
	TypeINT32
	TypeINT64
)

func (d DataType) String() string {
	switch d {
	case TypeFP32:
		return "FP32"
	case TypeUINT32:
		return "UINT32"
	case TypeINT32:
		return "INT32"
	case TypeINT64:
		return "INT64"
	}
	return "INVALID"
}

// Size gibt die Element-Groesse in Bytes zurueck.
func (d DataType) Size() int {
	switch d {
	case TypeFP32, TypeUINT32, TypeINT32:
		return 4
	case TypeINT64:
		return 8
	}
	return 0
}

// ParseDataType liest einen Datentyp aus der Konfigurationsschreibweise
// ("TYPE_FP32" wie auch "FP32" werden akzeptiert).
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "TYPE_FP32", "FP32":
		return TypeFP32, nil
	case "TYPE_UINT32", "UINT32":
		return TypeUINT32, nil
	case "TYPE_INT32", "INT32":
		return TypeINT32, nil
	case "TYPE_INT64", "INT64":
		return TypeINT64, nil
	}
	return TypeInvalid, fmt.Errorf("unknown data type %q", s)
}

// Namen der drei Eingabe-Tensoren und des Ausgabe-Tensors.
const (
	InputDense      = "DES"
	InputKeys       = "CATCOLUMN"
	InputRowOffsets = "ROWINDEX"
	OutputName      = "OUTPUT0"
)

// Tensor ist ein benannter Tensor. Die Daten liegen in einem oder
// mehreren zusammenhaengenden Puffern (Data), wie sie der Host liefert.
type Tensor struct {
	Name     string
	DataType DataType
	Shape    []int64
	Data     [][]byte
}

// ByteSize gibt die Gesamtgroesse aller Puffer zurueck.
func (t *Tensor) ByteSize() uint64 {
	var n uint64
	for _, b := range t.Data {
		n += uint64(len(b))
	}
	return n
}

// BufferCount gibt die Anzahl der zusammenhaengenden Puffer zurueck.
func (t *Tensor) BufferCount() int {
	return len(t.Data)
}

// InferRequest ist ein einzelner Inferenz-Request des Hosts.
type InferRequest struct {
	ID            string
	CorrelationID uint64

	Inputs []*Tensor

	// Outputs sind die angeforderten Ausgabe-Namen. Ein Request darf
	// keine Ausgabe anfordern; dann wird keine berechnet.
	Outputs []string
}

// Input sucht einen Eingabe-Tensor nach Name.
func (r *InferRequest) Input(name string) *Tensor {
	for _, t := range r.Inputs {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// InferResponse ist die Antwort auf genau einen Request. Entweder ist
// Error gesetzt (Fehler-Antwort) oder Outputs enthaelt die Ergebnisse.
type InferResponse struct {
	ID      string
	Outputs []*Tensor

	// Params sind optionale diagnostische Antwort-Parameter.
	Params map[string]any

	Error error
}

// SetParam setzt einen diagnostischen Antwort-Parameter.
func (r *InferResponse) SetParam(key string, value any) {
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	r.Params[key] = value
}
