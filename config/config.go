// Package config provides configuration loading for the tenant runtime node
// and the control plane. It supports JSON-based configuration with safe
// defaults, overridable by environment variables so that both binaries can
// run config-file-free in container deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// NodeConfig holds all tunable parameters for a tenant runtime node.
// The struct is designed to be loaded once at startup and then shared
// across goroutines as a read-only value.
type NodeConfig struct {
	// Port is the TCP port the node's HTTP server listens on.
	Port int `json:"port"`

	// DataDir is the root directory holding one subdirectory per deployed
	// app (bundle.js, optional config.json, public/ assets).
	DataDir string `json:"data_dir"`

	// Domain is the base domain apps are addressed under
	// ({app}.{domain}). The node only logs it at startup; its status
	// responses carry no URL.
	Domain string `json:"domain"`

	// CORSOrigin is the value sent back in Access-Control-Allow-Origin for
	// browser-facing endpoints. "*" disables the check.
	CORSOrigin string `json:"cors_origin"`

	// IdleParkThreshold is how long an app may sit with zero subscribers
	// before the idle reaper parks its isolate.
	IdleParkThreshold time.Duration `json:"idle_park_threshold"`

	// ReaperInterval is the cadence at which the idle reaper scans app
	// handles.
	ReaperInterval time.Duration `json:"reaper_interval"`

	// SessionCookieName is the name of the cookie carrying the runtime
	// session id (spec default: magnetar_sid).
	SessionCookieName string `json:"session_cookie_name"`

	// SessionGrace is how long a session survives with zero subscribers
	// before DropSession is issued to its isolate.
	SessionGrace time.Duration `json:"session_grace"`

	// DebounceWindow is the change coalescer's fixed sleep window.
	DebounceWindow time.Duration `json:"debounce_window"`

	// KeepaliveInterval is the cadence of SSE keepalive comments.
	KeepaliveInterval time.Duration `json:"keepalive_interval"`

	// RateLimit is a requests/sec ceiling loaded from the config file or
	// MAGNETAR_RATE_LIMIT. No node handler reads it; requests are not
	// rate-limited.
	RateLimit int `json:"rate_limit"`
}

// ControlPlaneConfig holds the control plane's tunables.
type ControlPlaneConfig struct {
	Port int `json:"port"`

	// DBPath is the sqlite database path handed to store.Open for the
	// durable store.
	DBPath string `json:"db_path"`

	// DBToken is loaded from the config file or MAGNETAR_DB_TOKEN; the
	// sqlite-backed store does not use it.
	DBToken string `json:"db_token"`

	// CivoAPIKey authorizes node auto-provisioning. Empty disables
	// auto-provision; the scheduler then fails deploys with no capacity.
	CivoAPIKey string `json:"civo_api_key"`

	// CaddyAdminURL is the edge router's admin API base (e.g.
	// http://localhost:2019).
	CaddyAdminURL string `json:"caddy_admin_url"`

	// Domain is the apex domain apps are routed under.
	Domain string `json:"domain"`

	CORSOrigin string `json:"cors_origin"`
	RateLimit  int    `json:"rate_limit"`

	// ProvisionTimeout bounds how long auto-provision waits for a new node
	// to report ready.
	ProvisionTimeout time.Duration `json:"provision_timeout"`
}

// LoadNodeConfig reads a JSON file at filename, falling back to defaults for
// any field it doesn't set, then applies environment variable overrides.
func LoadNodeConfig(filename string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if filename != "" {
		if err := decodeJSONFile(filename, cfg); err != nil {
			return nil, err
		}
	}
	applyNodeEnvOverrides(cfg)
	return cfg, nil
}

// LoadControlPlaneConfig reads a JSON file at filename, falling back to
// defaults, then applies environment variable overrides.
func LoadControlPlaneConfig(filename string) (*ControlPlaneConfig, error) {
	cfg := DefaultControlPlaneConfig()
	if filename != "" {
		if err := decodeJSONFile(filename, cfg); err != nil {
			return nil, err
		}
	}
	applyControlPlaneEnvOverrides(cfg)
	return cfg, nil
}

func decodeJSONFile(filename string, v any) error {
	f, err := os.Open(filename) // #nosec G304 – filename is operator-provided config path
	if err != nil {
		return fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields() // catch typos in config files early
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return nil
}

// DefaultNodeConfig returns production-sensible defaults for a tenant
// runtime node. Callers are free to mutate the returned struct; each call
// returns a fresh independent copy.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Port:              3003,
		DataDir:           "./data/apps",
		Domain:            "magnetar.app",
		CORSOrigin:        "*",
		IdleParkThreshold: 10 * time.Minute,
		ReaperInterval:    30 * time.Second,
		SessionCookieName: "magnetar_sid",
		SessionGrace:      20 * time.Second,
		DebounceWindow:    75 * time.Millisecond,
		KeepaliveInterval: 25 * time.Second,
		RateLimit:         0,
	}
}

// DefaultControlPlaneConfig returns production-sensible defaults for the
// control plane.
func DefaultControlPlaneConfig() *ControlPlaneConfig {
	return &ControlPlaneConfig{
		Port:             3000,
		DBPath:           "./data/control.db",
		Domain:           "magnetar.app",
		CORSOrigin:       "*",
		RateLimit:        0,
		ProvisionTimeout: 5 * time.Minute,
	}
}

// applyNodeEnvOverrides mirrors the teacher's config-layering approach:
// explicit environment variables win over both defaults and the config
// file, so operators can run entirely config-file-free in containers.
func applyNodeEnvOverrides(cfg *NodeConfig) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MAGNETAR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MAGNETAR_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("MAGNETAR_CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("MAGNETAR_IDLE_PARK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleParkThreshold = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAGNETAR_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit = n
		}
	}
}

func applyControlPlaneEnvOverrides(cfg *ControlPlaneConfig) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MAGNETAR_DB_URL"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MAGNETAR_DB_TOKEN"); v != "" {
		cfg.DBToken = v
	}
	if v := os.Getenv("MAGNETAR_CIVO_API_KEY"); v != "" {
		cfg.CivoAPIKey = v
	}
	if v := os.Getenv("MAGNETAR_CADDY_ADMIN_URL"); v != "" {
		cfg.CaddyAdminURL = v
	}
	if v := os.Getenv("MAGNETAR_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("MAGNETAR_CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("MAGNETAR_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit = n
		}
	}
}
