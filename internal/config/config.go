// Package config loads RFMPD's configuration: a YAML file, overridden by
// RFMPD_-prefixed environment variables, overridden in turn by CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is the local station identity used on the air.
type Node struct {
	Callsign string `yaml:"callsign"`
	SSID     int    `yaml:"ssid"`
}

// Network configures the TNC TCP connection.
type Network struct {
	DirewolfHost      string `yaml:"direwolf_host"`
	DirewolfPort      int    `yaml:"direwolf_port"`
	ReconnectInterval int    `yaml:"reconnect_interval"` // seconds
	OfflineMode       bool   `yaml:"offline_mode"`
}

// Protocol configures frame-level behavior.
type Protocol struct {
	FragmentThreshold int `yaml:"fragment_threshold"`
}

// Timing configures the adaptive delay formula.
type Timing struct {
	BaseDelay    float64 `yaml:"base_delay"`
	Jitter       float64 `yaml:"jitter"`
	PriorityStep float64 `yaml:"priority_step"`
}

// Sync configures the rotating Bloom filter and periodic SYNC broadcasts.
type Sync struct {
	WindowDuration int `yaml:"window_duration"` // seconds
	WindowCount    int `yaml:"window_count"`
	BloomBits      int `yaml:"bloom_bits"`
	BloomHashes    int `yaml:"bloom_hashes"`
	SyncInterval   int `yaml:"sync_interval"` // seconds
}

// RateLimit configures REQ throttling.
type RateLimit struct {
	MaxReqPerMin   int `yaml:"max_req_per_min"`
	InitialBackoff int `yaml:"initial_backoff"` // seconds
	MaxBackoff     int `yaml:"max_backoff"`     // seconds
	MaxRetries     int `yaml:"max_retries"`
}

// Storage configures persistence.
type Storage struct {
	DatabasePath string `yaml:"database_path"`
}

// API configures the (out-of-scope, but round-tripped) HTTP/WebSocket
// surface's bind address — RFMPD itself never listens on it, but a config
// file shared with the upstream client surface must not lose the section.
type API struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Logging configures the daemon's structured logger.
type Logging struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSize     int    `yaml:"max_size"`
	BackupCount int    `yaml:"backup_count"`
}

// Config is the complete daemon configuration.
type Config struct {
	Node      Node      `yaml:"node"`
	Network   Network   `yaml:"network"`
	Protocol  Protocol  `yaml:"protocol"`
	Timing    Timing    `yaml:"timing"`
	Sync      Sync      `yaml:"sync"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Storage   Storage   `yaml:"storage"`
	API       API       `yaml:"api"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns the protocol's documented default configuration.
func Default() Config {
	return Config{
		Node:    Node{Callsign: "N0CALL", SSID: 0},
		Network: Network{DirewolfHost: "127.0.0.1", DirewolfPort: 8001, ReconnectInterval: 5},
		Protocol: Protocol{
			FragmentThreshold: 200,
		},
		Timing: Timing{BaseDelay: 0.2, Jitter: 0.4, PriorityStep: 0.35},
		Sync: Sync{
			WindowDuration: 600,
			WindowCount:    3,
			BloomBits:      256,
			BloomHashes:    3,
			SyncInterval:   60,
		},
		RateLimit: RateLimit{MaxReqPerMin: 6, InitialBackoff: 30, MaxBackoff: 600, MaxRetries: 4},
		Storage:   Storage{DatabasePath: "~/rfmpd/messages.db"},
		API: API{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:8080"},
		},
		Logging: Logging{Level: "INFO", File: "~/rfmpd/rfmpd.log", MaxSize: 10 * 1024 * 1024, BackupCount: 5},
	}
}

// defaultPaths are tried in order when no explicit path is given.
func defaultPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"config.yaml",
		filepath.Join(home, "rfmpd", "config.yaml"),
		"/etc/rfmpd/config.yaml",
	}
}

// Load builds a Config starting from defaults, merging an explicit or
// discovered YAML file, then environment variable overrides. path may be
// empty, in which case the default search order is used; a missing file at
// every searched location is not an error, only a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		for _, p := range defaultPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.Storage.DatabasePath = expandUser(cfg.Storage.DatabasePath)
	cfg.Logging.File = expandUser(cfg.Logging.File)
	cfg.Node.Callsign = strings.ToUpper(cfg.Node.Callsign)
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	return cfg, nil
}

func expandUser(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// applyEnv maps RFMPD_SECTION__FIELD environment variables onto
// Config fields.
func applyEnv(cfg *Config) {
	set := map[string]func(string){
		"NODE__CALLSIGN":             func(v string) { cfg.Node.Callsign = v },
		"NODE__SSID":                 intSetter(&cfg.Node.SSID),
		"NETWORK__DIREWOLF_HOST":     func(v string) { cfg.Network.DirewolfHost = v },
		"NETWORK__DIREWOLF_PORT":     intSetter(&cfg.Network.DirewolfPort),
		"NETWORK__RECONNECT_INTERVAL": intSetter(&cfg.Network.ReconnectInterval),
		"NETWORK__OFFLINE_MODE":      boolSetter(&cfg.Network.OfflineMode),
		"PROTOCOL__FRAGMENT_THRESHOLD": intSetter(&cfg.Protocol.FragmentThreshold),
		"SYNC__WINDOW_DURATION":      intSetter(&cfg.Sync.WindowDuration),
		"SYNC__WINDOW_COUNT":         intSetter(&cfg.Sync.WindowCount),
		"SYNC__BLOOM_BITS":           intSetter(&cfg.Sync.BloomBits),
		"SYNC__BLOOM_HASHES":         intSetter(&cfg.Sync.BloomHashes),
		"SYNC__SYNC_INTERVAL":        intSetter(&cfg.Sync.SyncInterval),
		"RATE_LIMIT__MAX_REQ_PER_MIN": intSetter(&cfg.RateLimit.MaxReqPerMin),
		"RATE_LIMIT__INITIAL_BACKOFF": intSetter(&cfg.RateLimit.InitialBackoff),
		"RATE_LIMIT__MAX_BACKOFF":     intSetter(&cfg.RateLimit.MaxBackoff),
		"RATE_LIMIT__MAX_RETRIES":     intSetter(&cfg.RateLimit.MaxRetries),
		"STORAGE__DATABASE_PATH":     func(v string) { cfg.Storage.DatabasePath = v },
		"LOGGING__LEVEL":             func(v string) { cfg.Logging.Level = v },
		"LOGGING__FILE":              func(v string) { cfg.Logging.File = v },
	}
	for suffix, apply := range set {
		if v, ok := os.LookupEnv("RFMPD_" + suffix); ok {
			apply(v)
		}
	}
}

func intSetter(field *int) func(string) {
	return func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*field = n
		}
	}
}

func boolSetter(field *bool) func(string) {
	return func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*field = b
		}
	}
}

// CallsignSSID renders the node's full on-air identity, e.g. "N0CALL-3",
// omitting the SSID suffix when it is zero.
func (c Config) CallsignSSID() string {
	if c.Node.SSID == 0 {
		return c.Node.Callsign
	}
	return fmt.Sprintf("%s-%d", c.Node.Callsign, c.Node.SSID)
}
