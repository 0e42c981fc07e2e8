package server

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kfarnham/hwkey-bridge/internal/hwkey"
	"github.com/kfarnham/hwkey-bridge/internal/traffic"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Device connection
	Device DeviceConfig `yaml:"device" json:"device"`

	// Wire traffic recording
	Traffic traffic.Config `yaml:"traffic" json:"traffic"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

// DeviceConfig holds the engine options plus the port selection.
type DeviceConfig struct {
	Port           string `yaml:"port" json:"port"` // empty = first discovered key
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`
	ReconnectMs    int    `yaml:"reconnect_interval_ms" json:"reconnectIntervalMs"`
	RejectOnLocked bool   `yaml:"reject_on_locked" json:"rejectOnLocked"`
	Debug          bool   `yaml:"debug" json:"debug"`
}

// EngineConfig converts the device section into engine options.
func (d DeviceConfig) EngineConfig() hwkey.Config {
	return hwkey.Config{
		BaudRate:       d.BaudRate,
		ReconnectMs:    d.ReconnectMs,
		RejectOnLocked: d.RejectOnLocked,
		Debug:          d.Debug,
	}
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			BaudRate:    hwkey.DefaultBaudRate,
			ReconnectMs: hwkey.DefaultReconnectMs,
		},
		Traffic: traffic.Config{
			Path: "/var/log/hwkey-bridge",
		},
		Server: ServerConfig{
			ListenAddr: ":8090",
		},
	}
}

// LoadConfig builds the config from three layers, strongest last: defaults,
// the YAML file at path, then environment variables (with a .env file read
// first for anything not already in the real environment).
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	if data, err := os.ReadFile(path); err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	applyDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	applyDotEnv(".env")

	cfg.applyEnvOverrides()
	return cfg
}

// applyDotEnv exports KEY=VALUE lines from a .env file into the process
// environment. Already-set variables win over file entries.
func applyDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	log.Printf("[config] loading .env from %s", path)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: HWKEY_PORT, HWKEY_BAUD, HWKEY_RECONNECT_MS,
// HWKEY_REJECT_ON_LOCKED, HWKEY_DEBUG, LISTEN_ADDR, TRAFFIC_ENABLED,
// TRAFFIC_PATH
func (c *Config) applyEnvOverrides() {
	envString("HWKEY_PORT", &c.Device.Port)
	envInt("HWKEY_BAUD", &c.Device.BaudRate)
	envInt("HWKEY_RECONNECT_MS", &c.Device.ReconnectMs)
	envBool("HWKEY_REJECT_ON_LOCKED", &c.Device.RejectOnLocked)
	envBool("HWKEY_DEBUG", &c.Device.Debug)
	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	envBool("TRAFFIC_ENABLED", &c.Traffic.Enabled)
	envString("TRAFFIC_PATH", &c.Traffic.Path)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	switch os.Getenv(name) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

// Save writes the config to its YAML file, creating the directory if needed.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/hwkey-bridge/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update. The config is a flat
// tree of typed structs, so unmarshalling into the live value already merges
// field-wise: sections and fields absent from the patch keep their values.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Unmarshal(data, c)
}
