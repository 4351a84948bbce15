// Package config loads claimd.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/pow"
)

type Config struct {
	// Identity is the claimant's 32-byte public key, hex.
	Identity string `yaml:"identity"`
	DataDir  string `yaml:"data_dir"`

	Mining    Mining    `yaml:"mining"`
	Relays    []Relay   `yaml:"relays"`
	Sync      Sync      `yaml:"sync"`
	Snapshots Snapshots `yaml:"snapshots"`
	Index     Index     `yaml:"index"`
	Metrics   Metrics   `yaml:"metrics"`
	UI        UI        `yaml:"ui"`
}

type Mining struct {
	Algorithm     string `yaml:"algorithm"`
	MinDifficulty int    `yaml:"min_difficulty"`
	// Workers per search; 0 means one per CPU.
	Workers int  `yaml:"workers"`
	Contest bool `yaml:"contest"`
}

type Relay struct {
	URL         string  `yaml:"url"`
	PublishRate float64 `yaml:"publish_rate"`
	Burst       int     `yaml:"burst"`
}

type Sync struct {
	// MinWork is the lowest work score the table accepts from anyone.
	MinWork        int           `yaml:"min_work"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	// Since limits the relay backfill to recent events (0 = everything).
	Since time.Duration `yaml:"since"`
}

type Snapshots struct {
	Enabled bool          `yaml:"enabled"`
	Every   time.Duration `yaml:"every"`
	Keep    int           `yaml:"keep"`
}

type Index struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type UI struct {
	Listen string `yaml:"listen"`
	// QueueSize bounds each viewer's outbound queue.
	QueueSize int `yaml:"queue_size"`
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("claimd.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("claimd.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		Mining: Mining{
			Algorithm:     string(pow.SHA256),
			MinDifficulty: 16,
		},
		Sync: Sync{
			PublishTimeout: 10 * time.Second,
			QueueSize:      256,
			ReadTimeout:    90 * time.Second,
			WriteTimeout:   5 * time.Second,
			ReconnectMin:   500 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
		},
		Snapshots: Snapshots{
			Enabled: true,
			Every:   10 * time.Minute,
			Keep:    5,
		},
		Index: Index{Enabled: true},
		UI:    UI{QueueSize: 64},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Identity = strings.ToLower(strings.TrimSpace(c.Identity))
	c.Mining.Algorithm = strings.ToLower(strings.TrimSpace(c.Mining.Algorithm))
	if c.Mining.Algorithm == "" {
		c.Mining.Algorithm = string(pow.SHA256)
	}
	if c.Mining.Workers < 0 {
		c.Mining.Workers = 0
	}
	for i := range c.Relays {
		c.Relays[i].URL = strings.TrimSpace(c.Relays[i].URL)
	}
	if c.Snapshots.Keep <= 0 {
		c.Snapshots.Keep = 1
	}
	if c.Index.Enabled && strings.TrimSpace(c.Index.Path) == "" && c.DataDir != "" {
		c.Index.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.UI.QueueSize <= 0 {
		c.UI.QueueSize = 64
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if c.Identity != "" {
		if _, err := claims.ParseIdentity(c.Identity); err != nil {
			return fmt.Errorf("identity: %w", err)
		}
	}
	if _, err := pow.ParseAlgorithm(c.Mining.Algorithm); err != nil {
		return fmt.Errorf("mining.algorithm: %w", err)
	}
	if c.Mining.MinDifficulty < 0 || c.Mining.MinDifficulty > pow.DigestBits {
		return fmt.Errorf("mining.min_difficulty must be in [0,%d]", pow.DigestBits)
	}
	if c.Sync.MinWork < 0 || c.Sync.MinWork > pow.DigestBits {
		return fmt.Errorf("sync.min_work must be in [0,%d]", pow.DigestBits)
	}
	seen := map[string]bool{}
	for i, r := range c.Relays {
		if !strings.HasPrefix(r.URL, "ws://") && !strings.HasPrefix(r.URL, "wss://") {
			return fmt.Errorf("relays[%d] url %q must be ws:// or wss://", i, r.URL)
		}
		if seen[r.URL] {
			return fmt.Errorf("duplicate relay: %s", r.URL)
		}
		seen[r.URL] = true
		if r.PublishRate < 0 || r.Burst < 0 {
			return fmt.Errorf("relays[%d] publish_rate and burst must be >= 0", i)
		}
	}
	if c.Sync.ReconnectMax > 0 && c.Sync.ReconnectMax < c.Sync.ReconnectMin {
		return fmt.Errorf("sync.reconnect_max must be >= sync.reconnect_min")
	}
	if c.Snapshots.Enabled && c.DataDir == "" {
		return fmt.Errorf("snapshots need data_dir")
	}
	if c.Index.Enabled && c.Index.Path == "" {
		return fmt.Errorf("index.path must not be empty")
	}
	return nil
}

// Claimant parses Identity. The zero identity is returned when none is set.
func (c Config) Claimant() (claims.Identity, error) {
	if c.Identity == "" {
		return claims.Identity{}, nil
	}
	return claims.ParseIdentity(c.Identity)
}

func (c Config) Algorithm() pow.Algorithm {
	alg, err := pow.ParseAlgorithm(c.Mining.Algorithm)
	if err != nil {
		return pow.SHA256
	}
	return alg
}
