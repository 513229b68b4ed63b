package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
)

const (
	appDirectoryName = "peer-drop"
	configFileName   = "config.json"

	DefaultRelayURL = "ws://localhost:8080/ws"

	DefaultChunkSize     = node.DefaultChunkSize
	DefaultHighWaterMark = node.DefaultHighWaterMark
	DefaultLowWaterMark  = node.DefaultLowWaterMark
	DefaultMaxFileSize   = node.DefaultMaxFileSize

	DefaultRequestTimeoutSeconds     = 60
	DefaultNegotiationTimeoutSeconds = 30
)

// Config holds the persisted settings of a local peer.
type Config struct {
	PeerID      string   `json:"peer_id"`
	DisplayName string   `json:"display_name"`
	RelayURL    string   `json:"relay_url"`
	STUNServers []string `json:"stun_servers"`

	ChunkSize     int   `json:"chunk_size"`
	HighWaterMark int   `json:"high_water_mark"`
	LowWaterMark  int   `json:"low_water_mark"`
	MaxFileSize   int64 `json:"max_file_size"`

	RequestTimeoutSeconds     int `json:"request_timeout_seconds"`
	NegotiationTimeoutSeconds int `json:"negotiation_timeout_seconds"`

	DatabasePath string `json:"database_path"`
	DownloadDir  string `json:"download_dir"`
	LogLevel     string `json:"log_level"`
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutSeconds) * time.Second
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.PeerID) == "":
		return errors.New("peer id is empty")
	case c.RelayURL == "":
		return errors.New("relay url is empty")
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case c.LowWaterMark <= 0:
		return fmt.Errorf("low water mark must be positive, got %d", c.LowWaterMark)
	case c.HighWaterMark <= c.LowWaterMark:
		return fmt.Errorf("high water mark %d must exceed low water mark %d", c.HighWaterMark, c.LowWaterMark)
	case c.MaxFileSize <= 0:
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	case c.RequestTimeoutSeconds < 0 || c.NegotiationTimeoutSeconds < 0:
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Default returns a config with a fresh peer id rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		PeerID:                    uuid.NewString(),
		RelayURL:                  DefaultRelayURL,
		STUNServers:               webrtc.DefaultSTUNServers(),
		ChunkSize:                 DefaultChunkSize,
		HighWaterMark:             DefaultHighWaterMark,
		LowWaterMark:              DefaultLowWaterMark,
		MaxFileSize:               DefaultMaxFileSize,
		RequestTimeoutSeconds:     DefaultRequestTimeoutSeconds,
		NegotiationTimeoutSeconds: DefaultNegotiationTimeoutSeconds,
		DatabasePath:              filepath.Join(dataDir, "peer-drop.sqlite3"),
		DownloadDir:               filepath.Join(dataDir, "downloads"),
		LogLevel:                  "info",
	}
}

// ResolveDataDir returns the per-user data directory.
//
// If PEER_DROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PEER_DROP_DATA_DIR"); override != "" {
		return override, nil
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDirectoryName), nil
}

func Path(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads config.json. Missing fields keep their defaults, except the peer
// id, which stays empty so that it is never silently replaced.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default(filepath.Dir(path))
	cfg.PeerID = ""
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate loads the config in dataDir, writing a default one (with a new
// peer id) the first time. A file without a peer id gets one and is saved.
func LoadOrCreate(dataDir string) (*Config, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	path := Path(dataDir)
	cfg, err := Load(path)
	if err == nil {
		if strings.TrimSpace(cfg.PeerID) == "" {
			cfg.PeerID = uuid.NewString()
			if err := Save(path, cfg); err != nil {
				return nil, err
			}
		}
		return cfg, cfg.Validate()
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = Default(dataDir)
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
