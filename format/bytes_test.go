// bytes_test.go - Tests fuer die Byte-Formatierung
package format

import "testing"

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1500, "1.5 KB"},
		{1000000, "1 MB"},
		{2500000000, "2.5 GB"},
		{1000000000000, "1 TB"},
	}

	for _, tt := range tests {
		if got := HumanBytes(tt.input); got != tt.want {
			t.Errorf("HumanBytes(%d) = %q, erwartet %q", tt.input, got, tt.want)
		}
	}
}

func TestHumanBytes2(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}

	for _, tt := range tests {
		if got := HumanBytes2(tt.input); got != tt.want {
			t.Errorf("HumanBytes2(%d) = %q, erwartet %q", tt.input, got, tt.want)
		}
	}
}
