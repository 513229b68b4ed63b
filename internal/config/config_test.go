package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
)

func TestDefault(t *testing.T) {
	cfg := Default("/data")

	if _, err := uuid.Parse(cfg.PeerID); err != nil {
		t.Errorf("expected uuid peer id, got %q", cfg.PeerID)
	}
	if cfg.ChunkSize != 256*1024 {
		t.Errorf("expected 256 KiB chunks, got %d", cfg.ChunkSize)
	}
	if cfg.HighWaterMark != 14*1024*1024 || cfg.LowWaterMark != 10*1024*1024 {
		t.Errorf("unexpected water marks %d/%d", cfg.HighWaterMark, cfg.LowWaterMark)
	}
	if cfg.MaxFileSize != 400*1024*1024 {
		t.Errorf("expected 400 MiB cap, got %d", cfg.MaxFileSize)
	}
	if len(cfg.STUNServers) != 5 {
		t.Errorf("expected 5 STUN servers, got %d", len(cfg.STUNServers))
	}
	if cfg.DatabasePath != filepath.Join("/data", "peer-drop.sqlite3") {
		t.Errorf("unexpected database path %q", cfg.DatabasePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultGeneratesDistinctIDs(t *testing.T) {
	if Default("a").PeerID == Default("a").PeerID {
		t.Error("expected distinct peer ids")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty peer id", func(c *Config) { c.PeerID = "  " }},
		{"empty relay", func(c *Config) { c.RelayURL = "" }},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }},
		{"inverted marks", func(c *Config) { c.HighWaterMark = c.LowWaterMark }},
		{"zero low mark", func(c *Config) { c.LowWaterMark = 0 }},
		{"zero max size", func(c *Config) { c.MaxFileSize = 0 }},
		{"negative timeout", func(c *Config) { c.RequestTimeoutSeconds = -1 }},
	}

	for _, tt := range tests {
		cfg := Default("d")
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if first.PeerID != second.PeerID {
		t.Errorf("peer id changed across loads: %s != %s", first.PeerID, second.PeerID)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.WriteFile(path, []byte(`{"peer_id":"alice","display_name":"Alice"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PeerID != "alice" || cfg.DisplayName != "Alice" {
		t.Errorf("unexpected identity %q/%q", cfg.PeerID, cfg.DisplayName)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("expected default chunk size, got %d", cfg.ChunkSize)
	}
	if cfg.RequestTimeout().Seconds() != DefaultRequestTimeoutSeconds {
		t.Errorf("unexpected request timeout %s", cfg.RequestTimeout())
	}
}

func TestLoadOrCreatePersistsMissingPeerID(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(`{"display_name":"Carol"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if _, err := uuid.Parse(first.PeerID); err != nil {
		t.Fatalf("expected a generated peer id, got %q", first.PeerID)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if second.PeerID != first.PeerID {
		t.Errorf("peer id changed across loads: %s != %s", first.PeerID, second.PeerID)
	}
	if second.DisplayName != "Carol" {
		t.Errorf("expected the existing settings to be kept, got %q", second.DisplayName)
	}
}

func TestDefaultsMatchTransport(t *testing.T) {
	cfg := Default("d")
	if cfg.ChunkSize != node.DefaultChunkSize || cfg.MaxFileSize != node.DefaultMaxFileSize {
		t.Errorf("config defaults drifted from the coordinator: %d/%d", cfg.ChunkSize, cfg.MaxFileSize)
	}
	if len(cfg.STUNServers) != len(webrtc.DefaultSTUNServers()) {
		t.Errorf("expected the transport's STUN servers, got %v", cfg.STUNServers)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default("x")
	cfg.DisplayName = "Bob"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DisplayName != "Bob" || loaded.PeerID != cfg.PeerID {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestResolveDataDirOverride(t *testing.T) {
	t.Setenv("PEER_DROP_DATA_DIR", "/tmp/override")
	dir, err := ResolveDataDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/tmp/override" {
		t.Errorf("expected override, got %q", dir)
	}
}
