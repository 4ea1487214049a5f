package cacheconfig

import (
	"path/filepath"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := Config{
		Version:      1,
		RepositoryID: "deadbeef",
		ManifestID:   "",
		Timestamp:    "2024-01-01T00:00:00Z",
	}
	got, err := Decode(cfg.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	cfg := Config{Version: 1, RepositoryID: "abc123", ManifestID: "ff00", Timestamp: "2024-06-01T12:00:00Z"}
	path := filepath.Join(t.TempDir(), "config")
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}

func TestDecodeMalformedLine(t *testing.T) {
	_, err := Decode([]byte("[cache]\nnotakeyvalue\n"))
	if err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestDecodeIgnoresOtherSections(t *testing.T) {
	data := []byte("[other]\nversion=9\n[cache]\nversion=1\nrepository=ab\nmanifest=\ntimestamp=t\n")
	cfg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("expected version from [cache] section, got %d", cfg.Version)
	}
}
