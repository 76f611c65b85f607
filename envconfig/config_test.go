// config_test.go - Tests fuer die Environment-Konfiguration
package envconfig

import (
	"log/slog"
	"testing"
)

func TestHost(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"Default", "", "127.0.0.1:8500"},
		{"Nur Port", "0.0.0.0:9000", "0.0.0.0:9000"},
		{"Nur Host", "example.com", "example.com:8500"},
		{"HTTP-Scheme", "http://example.com", "example.com:80"},
		{"HTTPS-Scheme", "https://example.com", "example.com:443"},
		{"Ungueltiger Port faellt auf Default", "127.0.0.1:99999", "127.0.0.1:8500"},
		{"Quotes werden entfernt", "\"10.0.0.1:8600\"", "10.0.0.1:8600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CTRSERVE_HOST", tt.value)
			if got := Host().Host; got != tt.want {
				t.Errorf("Host() = %q, erwartet %q", got, tt.want)
			}
		})
	}
}

func TestDevices(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []int
	}{
		{"Default", "", []int{0}},
		{"Einzelnes Geraet", "2", []int{2}},
		{"Mehrere Geraete", "0,1,3", []int{0, 1, 3}},
		{"Leerzeichen werden toleriert", " 0 , 1 ", []int{0, 1}},
		{"Ungueltige Eintraege werden uebersprungen", "0,x,-1,2", []int{0, 2}},
		{"Nur ungueltige Eintraege fallen auf Default", "x,y", []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CTRSERVE_DEVICES", tt.value)
			got := Devices()
			if len(got) != len(tt.want) {
				t.Fatalf("Devices() = %v, erwartet %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Devices()[%d] = %d, erwartet %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  slog.Level
	}{
		{"Default", "", slog.LevelInfo},
		{"Debug via true", "true", slog.LevelDebug},
		{"Debug via 1", "1", slog.LevelDebug},
		{"Trace via 2", "2", slog.LevelDebug - 4},
		{"Aus via 0", "0", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CTRSERVE_DEBUG", tt.value)
			if got := LogLevel(); got != tt.want {
				t.Errorf("LogLevel() = %v, erwartet %v", got, tt.want)
			}
		})
	}
}

func TestModelRepository(t *testing.T) {
	t.Setenv("CTRSERVE_MODELS", "/srv/models")
	if got := ModelRepository(); got != "/srv/models" {
		t.Errorf("ModelRepository() = %q, erwartet /srv/models", got)
	}
}
