package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"nostrcraft.ai/internal/config"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/persistence/snapshot"
)

// mineFlags collects repeated -mine values.
type mineFlags []cyberspace.Coordinate

func (m *mineFlags) String() string {
	parts := make([]string, len(*m))
	for i, c := range *m {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

func (m *mineFlags) Set(s string) error {
	c, err := cyberspace.ParseCoordinate(s)
	if err != nil {
		return err
	}
	if _, err := cyberspace.Encode(c); err != nil {
		return err
	}
	*m = append(*m, c)
	return nil
}

func main() {
	var mines mineFlags
	var (
		configPath = flag.String("config", "./configs/claimd.yaml", "path to claimd.yaml")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		identity   = flag.String("identity", "", "claimant public key, hex (overrides identity)")
		payload    = flag.String("payload", "", "payload attached to mined claims")
		portal     = flag.Bool("portal", false, "mark mined claims as portals")
		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Var(&mines, "mine", "coordinate to claim, x,y,z[,realm] (repeatable)")
	flag.Parse()

	logger := log.New(os.Stdout, "[claimd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadConfig(*configPath, *dataDir, *identity)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if len(mines) > 0 && cfg.Identity == "" {
		logger.Fatalf("-mine needs an identity (set identity in %s or pass -identity)", filepath.Base(*configPath))
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}

	ctx, cancel := signalContext()
	err = runDaemon(ctx, d, runOptions{
		snapshot:   strings.TrimSpace(*snapPath),
		loadLatest: *loadLatest,
		mines:      mines,
		payload:    []byte(*payload),
		portal:     *portal,
	})
	cancel()
	d.close()
	if err != nil {
		logger.Printf("exit: %v", err)
		os.Exit(1)
	}
}

type runOptions struct {
	snapshot   string
	loadLatest bool
	mines      []cyberspace.Coordinate
	payload    []byte
	portal     bool
}

// runDaemon warm-starts d, runs it until ctx is done and writes the final
// snapshot. The caller closes d whatever the outcome.
func runDaemon(ctx context.Context, d *daemon, opts runOptions) error {
	path := opts.snapshot
	if path == "" && opts.loadLatest && d.cfg.DataDir != "" {
		path = snapshot.Latest(d.snapshotDir())
	}
	if path != "" {
		if err := d.warmStart(path); err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
	}

	if err := d.run(ctx, opts.mines, opts.payload, opts.portal); err != nil {
		d.log.Printf("stopped: %v", err)
	}

	if d.cfg.Snapshots.Enabled {
		path, err := d.writeSnapshot()
		if err != nil {
			d.log.Printf("final snapshot: %v", err)
		} else {
			d.log.Printf("final snapshot %s claims=%d", filepath.Base(path), d.table.Len())
		}
	}
	return nil
}

// loadConfig reads path and applies the command-line overrides.
func loadConfig(path, dataDir, identity string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if strings.TrimSpace(dataDir) != "" {
		cfg.DataDir = dataDir
		cfg.Index.Path = ""
	}
	if strings.TrimSpace(identity) != "" {
		cfg.Identity = identity
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
