// Package config loads validatord's runtime configuration from the
// environment, following the same FromEnv shape the gateway service this
// core was grown from uses. An optional TOML file can seed or override the
// same fields for local development (§10/§11).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"validatorcore/consensus/ids"
)

// Config is validatord's complete runtime configuration.
type Config struct {
	DatabaseURL  string
	NodeID       ids.NodeID
	Committee    []ids.NodeID
	HTTPAddr     string
	LeaseSeconds time.Duration
	PollInterval time.Duration
	LogFormat    string
	LogLevel     string
	LogFile      string
	MetricsAddr  string
	OtelEndpoint string
	OtelInsecure bool
	ExportDir    string
}

// fileOverlay mirrors Config's fields for optional TOML loading; only the
// fields a deployment wants to override need to be present. OtelInsecure is
// a pointer so an absent key in the file is distinguishable from an explicit
// false, matching how every other field here is only applied when set.
type fileOverlay struct {
	DatabaseURL  string   `toml:"database_url"`
	NodeID       string   `toml:"node_id"`
	Committee    []string `toml:"committee"`
	HTTPAddr     string   `toml:"http_addr"`
	LeaseSeconds int      `toml:"lease_seconds"`
	PollSeconds  int      `toml:"poll_seconds"`
	LogFormat    string   `toml:"log_format"`
	LogLevel     string   `toml:"log_level"`
	LogFile      string   `toml:"log_file"`
	MetricsAddr  string   `toml:"metrics_addr"`
	OtelEndpoint string   `toml:"otel_endpoint"`
	OtelInsecure *bool    `toml:"otel_insecure"`
	ExportDir    string   `toml:"export_dir"`
}

// FromEnv loads configuration from environment variables, following the
// VALIDATOR_ prefix convention.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("VALIDATOR_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("VALIDATOR_DB_URL is required")
	}

	nodeIDRaw := os.Getenv("VALIDATOR_NODE_ID")
	if nodeIDRaw == "" {
		return nil, fmt.Errorf("VALIDATOR_NODE_ID is required")
	}
	nodeID, err := ids.ParseNodeID(nodeIDRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid VALIDATOR_NODE_ID %q: %w", nodeIDRaw, err)
	}

	committee, err := parseCommittee(os.Getenv("VALIDATOR_COMMITTEE"))
	if err != nil {
		return nil, err
	}
	if len(committee) == 0 {
		committee = []ids.NodeID{nodeID}
	}

	leaseSeconds := parseIntEnv("VALIDATOR_LEASE_SECONDS", 60)
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("invalid VALIDATOR_LEASE_SECONDS %d", leaseSeconds)
	}
	pollSeconds := parseIntEnv("VALIDATOR_POLL_SECONDS", 1)
	if pollSeconds <= 0 {
		return nil, fmt.Errorf("invalid VALIDATOR_POLL_SECONDS %d", pollSeconds)
	}

	cfg := &Config{
		DatabaseURL:  dbURL,
		NodeID:       nodeID,
		Committee:    committee,
		HTTPAddr:     getEnvDefault("VALIDATOR_HTTP_ADDR", ":8080"),
		LeaseSeconds: time.Duration(leaseSeconds) * time.Second,
		PollInterval: time.Duration(pollSeconds) * time.Second,
		LogFormat:    getEnvDefault("VALIDATOR_LOG_FORMAT", "json"),
		LogLevel:     getEnvDefault("VALIDATOR_LOG_LEVEL", "info"),
		LogFile:      os.Getenv("VALIDATOR_LOG_FILE"),
		MetricsAddr:  getEnvDefault("VALIDATOR_METRICS_ADDR", ":9090"),
		OtelEndpoint: os.Getenv("VALIDATOR_OTEL_ENDPOINT"),
		OtelInsecure: parseBoolEnv("VALIDATOR_OTEL_INSECURE", true),
		ExportDir:    os.Getenv("VALIDATOR_METRICS_EXPORT_DIR"),
	}

	if path := os.Getenv("VALIDATOR_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile overlays non-zero fields from a TOML file onto cfg. FromEnv calls
// it after reading the environment, so every field the file sets overrides
// the environment value (or its default); fields the file leaves unset keep
// the value FromEnv already loaded.
func (c *Config) applyFile(path string) error {
	var overlay fileOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if overlay.DatabaseURL != "" {
		c.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.NodeID != "" {
		nodeID, err := ids.ParseNodeID(overlay.NodeID)
		if err != nil {
			return fmt.Errorf("config: %s: node_id: %w", path, err)
		}
		c.NodeID = nodeID
	}
	if len(overlay.Committee) > 0 {
		committee, err := parseCommitteeList(overlay.Committee)
		if err != nil {
			return fmt.Errorf("config: %s: committee: %w", path, err)
		}
		c.Committee = committee
	}
	if overlay.HTTPAddr != "" {
		c.HTTPAddr = overlay.HTTPAddr
	}
	if overlay.LeaseSeconds > 0 {
		c.LeaseSeconds = time.Duration(overlay.LeaseSeconds) * time.Second
	}
	if overlay.PollSeconds > 0 {
		c.PollInterval = time.Duration(overlay.PollSeconds) * time.Second
	}
	if overlay.LogFormat != "" {
		c.LogFormat = overlay.LogFormat
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	if overlay.LogFile != "" {
		c.LogFile = overlay.LogFile
	}
	if overlay.MetricsAddr != "" {
		c.MetricsAddr = overlay.MetricsAddr
	}
	if overlay.OtelEndpoint != "" {
		c.OtelEndpoint = overlay.OtelEndpoint
	}
	if overlay.ExportDir != "" {
		c.ExportDir = overlay.ExportDir
	}
	if overlay.OtelInsecure != nil {
		c.OtelInsecure = *overlay.OtelInsecure
	}
	return nil
}

func parseCommittee(raw string) ([]ids.NodeID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	return parseCommitteeList(strings.Split(raw, ","))
}

func parseCommitteeList(raw []string) ([]ids.NodeID, error) {
	out := make([]ids.NodeID, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		nodeID, err := ids.ParseNodeID(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid committee member %q: %w", entry, err)
		}
		out = append(out, nodeID)
	}
	return out, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
