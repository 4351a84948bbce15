package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nostrcraft.ai/internal/pow"
)

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load("../../configs/claimd.yaml")
	if err != nil {
		t.Fatalf("load claimd.yaml: %v", err)
	}
	if len(cfg.Relays) != 2 {
		t.Fatalf("relays = %+v", cfg.Relays)
	}
	if cfg.Sync.ReconnectMin != 500*time.Millisecond || cfg.Snapshots.Every != 10*time.Minute {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Sync, cfg.Snapshots)
	}
	if cfg.Algorithm() != pow.SHA256 || cfg.Mining.MinDifficulty != 16 {
		t.Fatalf("mining = %+v", cfg.Mining)
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Index.Path != filepath.Join("./data", "index.db") {
		t.Fatalf("index path = %q", cfg.Index.Path)
	}
	if id, err := cfg.Claimant(); err != nil || id != [32]byte{} {
		t.Fatalf("claimant = %x, %v", id, err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimd.yaml")
	body := `
identity: "` + strings.Repeat("AB", 32) + `"
mining:
  algorithm: BLAKE3
  contest: true
relays:
  - url: " ws://127.0.0.1:7777 "
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Algorithm() != pow.BLAKE3 || !cfg.Mining.Contest {
		t.Fatalf("mining = %+v", cfg.Mining)
	}
	if cfg.Mining.MinDifficulty != 16 {
		t.Fatalf("unset min_difficulty lost its default: %d", cfg.Mining.MinDifficulty)
	}
	if cfg.Relays[0].URL != "ws://127.0.0.1:7777" {
		t.Fatalf("relay url = %q", cfg.Relays[0].URL)
	}
	id, err := cfg.Claimant()
	if err != nil || id[0] != 0xab {
		t.Fatalf("claimant = %x, %v", id, err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad identity":   func(c *Config) { c.Identity = "abcd" },
		"bad algorithm":  func(c *Config) { c.Mining.Algorithm = "md5" },
		"difficulty":     func(c *Config) { c.Mining.MinDifficulty = 257 },
		"min work":       func(c *Config) { c.Sync.MinWork = -1 },
		"relay scheme":   func(c *Config) { c.Relays = []Relay{{URL: "http://x"}} },
		"duplicate":      func(c *Config) { c.Relays = []Relay{{URL: "ws://x"}, {URL: "ws://x"}} },
		"reconnect":      func(c *Config) { c.Sync.ReconnectMin, c.Sync.ReconnectMax = time.Minute, time.Second },
		"snapshots need": func(c *Config) { c.DataDir = ""; c.Index.Enabled = false },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimd.yaml")
	_ = os.WriteFile(path, []byte("mining: [oops"), 0o644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "claimd.yaml") {
		t.Fatalf("err = %v", err)
	}
}
