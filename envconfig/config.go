// config.go - Konfigurationsfunktionen fuer ctrserve
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host zurueck (CTRSERVE_HOST)
// - ModelRepository: Gibt das Model-Repository-Verzeichnis zurueck (CTRSERVE_MODELS)
// - Devices: Gibt die zu verwendenden Geraete-IDs zurueck (CTRSERVE_DEVICES)
// - LogLevel: Gibt Log-Level zurueck (CTRSERVE_DEBUG)
// - Var: Liest eine Environment-Variable
package envconfig

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host gibt Scheme und Host zurueck
// Konfigurierbar via CTRSERVE_HOST
// Default: http://127.0.0.1:8500
func Host() *url.URL {
	defaultPort := "8500"

	s := strings.TrimSpace(Var("CTRSERVE_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// ModelRepository gibt das Model-Repository-Verzeichnis zurueck
// Konfigurierbar via CTRSERVE_MODELS
// Default: $HOME/.ctrserve/models
func ModelRepository() string {
	if s := Var("CTRSERVE_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".ctrserve", "models")
}

// Devices gibt die Geraete-IDs zurueck, auf denen Instanzen erzeugt werden
// Konfigurierbar via CTRSERVE_DEVICES (komma-separiert)
// Default: [0]
func Devices() []int {
	s := Var("CTRSERVE_DEVICES")
	if s == "" {
		return []int{0}
	}

	var devices []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			slog.Warn("invalid device id, skipping", "value", part)
			continue
		}
		devices = append(devices, n)
	}

	if len(devices) == 0 {
		return []int{0}
	}
	return devices
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via CTRSERVE_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("CTRSERVE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
