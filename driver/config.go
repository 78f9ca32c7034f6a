package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/muhammadmahdiamirpour/p2psimple/node"
	"github.com/muhammadmahdiamirpour/p2psimple/observability"
	"github.com/muhammadmahdiamirpour/p2psimple/p2p"
)

// driverConfig is everything the node driver needs after defaults, file and environment
// have been merged.
type driverConfig struct {
	Name              string
	Listen            string
	Peers             []string
	KeyFile           string
	KeyDir            string
	MaxFrameLength    int
	ReconnectInterval time.Duration
	BroadcastInterval time.Duration
	Message           string
	Log               observability.LogConfig
}

func defaultDriverConfig() driverConfig {
	return driverConfig{
		Name:              "node",
		Listen:            "127.0.0.1:1337",
		KeyDir:            "keys",
		MaxFrameLength:    p2p.DefaultMaxFrameLength,
		ReconnectInterval: node.DefaultReconnectInterval,
		BroadcastInterval: 10 * time.Second,
		Log:               observability.DefaultLogConfig(),
	}
}

type fileConfig struct {
	Name              string                  `toml:"name"`
	Listen            string                  `toml:"listen"`
	Peers             []string                `toml:"peers"`
	KeyFile           string                  `toml:"key_file"`
	KeyDir            string                  `toml:"key_dir"`
	MaxFrameLength    int                     `toml:"max_frame_length"`
	ReconnectInterval string                  `toml:"reconnect_interval"`
	BroadcastInterval string                  `toml:"broadcast_interval"`
	Message           string                  `toml:"message"`
	Log               observability.LogConfig `toml:"log"`
}

// loadDriverConfig reads the TOML file at path on top of the defaults. Keys missing from
// the file keep their default. An empty path yields the defaults.
func loadDriverConfig(path string) (driverConfig, error) {
	cfg := defaultDriverConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return driverConfig{}, fmt.Errorf("load node config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return driverConfig{}, fmt.Errorf("load node config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("peers") {
		cfg.Peers = normalizePeers(raw.Peers)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("key_dir") {
		cfg.KeyDir = strings.TrimSpace(raw.KeyDir)
	}
	if meta.IsDefined("max_frame_length") {
		if raw.MaxFrameLength <= 0 {
			return driverConfig{}, fmt.Errorf("max_frame_length must be positive, got %d", raw.MaxFrameLength)
		}
		cfg.MaxFrameLength = raw.MaxFrameLength
	}
	if meta.IsDefined("reconnect_interval") {
		d, err := parseInterval(raw.ReconnectInterval)
		if err != nil {
			return driverConfig{}, fmt.Errorf("parse reconnect_interval: %w", err)
		}
		cfg.ReconnectInterval = d
	}
	if meta.IsDefined("broadcast_interval") {
		d, err := parseInterval(raw.BroadcastInterval)
		if err != nil {
			return driverConfig{}, fmt.Errorf("parse broadcast_interval: %w", err)
		}
		cfg.BroadcastInterval = d
	}
	if meta.IsDefined("message") {
		cfg.Message = raw.Message
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = raw.Log.Format
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}
	if meta.IsDefined("log", "outputs") {
		cfg.Log.Outputs = raw.Log.Outputs
	}
	if meta.IsDefined("log", "rotation") {
		cfg.Log.Rotation = raw.Log.Rotation
	}
	return cfg, nil
}

// applyEnv overrides cfg with the P2P_* environment variables that are set.
func applyEnv(cfg *driverConfig, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("P2P_NAME")); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(getenv("P2P_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := getenv("P2P_PEERS"); v != "" {
		cfg.Peers = normalizePeers(strings.Split(v, ","))
	}
	if v := strings.TrimSpace(getenv("P2P_KEY_FILE")); v != "" {
		cfg.KeyFile = v
	}
	if v := strings.TrimSpace(getenv("P2P_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

func normalizePeers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, peer := range in {
		v := strings.TrimSpace(peer)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
