package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/config"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/persistence/indexdb"
	persistlog "nostrcraft.ai/internal/persistence/log"
	"nostrcraft.ai/internal/persistence/snapshot"
	"nostrcraft.ai/internal/pow"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Identity = strings.Repeat("11", 32)
	cfg.Mining.MinDifficulty = 4
	cfg.Mining.Workers = 2
	cfg.Snapshots.Every = 0
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestMineFlags(t *testing.T) {
	var m mineFlags
	if err := m.Set("1,2,3"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("-4,5,6,0"); err != nil {
		t.Fatalf("Set with realm: %v", err)
	}
	if len(m) != 2 || m[0].Realm() != cyberspace.ISpace || m[1].Realm() != cyberspace.DSpace {
		t.Fatalf("mines = %v", m.String())
	}
	for _, bad := range []string{"1,2", "a,b,c", "1,2,3,7", "1" + strings.Repeat("0", 30) + ",0,0"} {
		if err := m.Set(bad); err == nil {
			t.Fatalf("Set(%q) accepted", bad)
		}
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig("", dir, strings.Repeat("AB", 32))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != dir || cfg.Index.Path != filepath.Join(dir, "index.db") {
		t.Fatalf("data dir = %q index = %q", cfg.DataDir, cfg.Index.Path)
	}
	if cfg.Identity != strings.Repeat("ab", 32) {
		t.Fatalf("identity = %q", cfg.Identity)
	}
	if _, err := loadConfig("", "", "zz"); err == nil {
		t.Fatalf("bad identity accepted")
	}
}

func TestDaemon_MineSnapshotAndWarmStart(t *testing.T) {
	cfg := testConfig(t)
	logger := log.New(io.Discard, "", 0)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	target := cyberspace.NewCoordinate(cyberspace.ISpace, 3, 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, []cyberspace.Coordinate{target}, []byte("hello"), true) }()

	deadline := time.Now().Add(30 * time.Second)
	for {
		if c, ok := d.table.GetAt(target); ok {
			if c.Claimant != d.claimant || !c.Portal || c.Work < cfg.Mining.MinDifficulty {
				t.Fatalf("claim = %+v", c)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("local claim never accepted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	path, err := d.writeSnapshot()
	if err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}
	d.close()

	if snapshot.Latest(filepath.Join(cfg.DataDir, "snapshots")) != path {
		t.Fatalf("latest snapshot is not %s", path)
	}

	files, err := filepath.Glob(filepath.Join(cfg.DataDir, "claims", "*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("claim log files = %v, %v", files, err)
	}
	entries, err := persistlog.ReadJSONL[persistlog.ClaimEntry](files[0])
	if err != nil || len(entries) != 1 || entries[0].Origin != "local" {
		t.Fatalf("claim log = %+v, %v", entries, err)
	}

	r, err := indexdb.OpenReader(cfg.Index.Path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if n, err := r.Count(); err != nil || n != 1 {
		t.Fatalf("index count = %d, %v", n, err)
	}
	if p, err := r.LatestSnapshot(); err != nil || p != path {
		t.Fatalf("index latest snapshot = %q, %v", p, err)
	}
	_ = r.Close()

	d2, err := newDaemon(cfg, logger)
	if err != nil {
		t.Fatalf("second newDaemon: %v", err)
	}
	defer d2.close()
	if err := d2.warmStart(path); err != nil {
		t.Fatalf("warmStart: %v", err)
	}
	if _, ok := d2.table.GetAt(target); !ok || d2.table.Len() != 1 {
		t.Fatalf("warm table len = %d", d2.table.Len())
	}
}

func TestDaemon_WarmStartRejectsOtherAlgorithm(t *testing.T) {
	cfg := testConfig(t)
	d, err := newDaemon(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	snap := snapshot.FromClaims(pow.BLAKE3, 0, nil, time.Now())
	path := snapshot.PathFor(d.snapshotDir(), snap.Header.TakenAt)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := d.warmStart(path); err == nil {
		t.Fatalf("expected algorithm mismatch")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot removed: %v", err)
	}
}

func TestRunDaemon_WarmStartFailureReturnsError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshots.Enabled = true
	d, err := newDaemon(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	snap := snapshot.FromClaims(pow.BLAKE3, 0, nil, time.Now())
	if err := snapshot.WriteSnapshot(snapshot.PathFor(d.snapshotDir(), snap.Header.TakenAt), snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = runDaemon(ctx, d, runOptions{loadLatest: true})
	if err == nil || !strings.Contains(err.Error(), "read snapshot") {
		t.Fatalf("runDaemon err = %v", err)
	}
	ents, err := os.ReadDir(d.snapshotDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("snapshot dir has %d files; daemon ran after a failed warm start", len(ents))
	}
}

func TestWelcomeFor_HomeCell(t *testing.T) {
	var id claims.Identity
	for i := range id {
		id[i] = byte(i + 1)
	}
	w := welcomeFor(id, pow.SHA256, 8)
	if w.Home == nil || w.Claimant != identityHex(id) {
		t.Fatalf("welcome = %+v", w)
	}
	home, err := w.Home.Coordinate()
	if err != nil {
		t.Fatalf("home position: %v", err)
	}
	if cyberspace.MustEncode(home).Bytes() != [32]byte(id) {
		t.Fatalf("home %s is not the identity's cell", home)
	}

	if w := welcomeFor(claims.Identity{}, pow.SHA256, 8); w.Home != nil || w.Claimant != "" {
		t.Fatalf("anonymous welcome = %+v", w)
	}
}
