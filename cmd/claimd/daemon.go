package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/config"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/metrics"
	"nostrcraft.ai/internal/mining"
	"nostrcraft.ai/internal/persistence/indexdb"
	persistlog "nostrcraft.ai/internal/persistence/log"
	"nostrcraft.ai/internal/persistence/snapshot"
	"nostrcraft.ai/internal/pow"
	"nostrcraft.ai/internal/protocol"
	"nostrcraft.ai/internal/relaysync"
	"nostrcraft.ai/internal/transport/relay"
	"nostrcraft.ai/internal/transport/ws"
)

// daemon owns every long-lived component of one claimd process.
type daemon struct {
	cfg      config.Config
	log      *log.Logger
	claimant claims.Identity
	alg      pow.Algorithm

	reg     *prometheus.Registry
	metrics *metrics.Metrics

	table    *claims.Table
	pool     *mining.Pool
	group    *relay.Group
	pipe     *relaysync.Pipeline
	queue    *relaysync.Queue
	ui       *ws.Server
	claimLog *persistlog.ClaimLogger
	idx      *indexdb.SQLiteIndex
}

func newDaemon(cfg config.Config, logger *log.Logger) (*daemon, error) {
	claimant, err := cfg.Claimant()
	if err != nil {
		return nil, err
	}
	d := &daemon{
		cfg:      cfg,
		log:      logger,
		claimant: claimant,
		alg:      cfg.Algorithm(),
		reg:      prometheus.NewRegistry(),
		queue:    relaysync.NewQueue(),
	}
	d.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(d.reg)

	eval := pow.NewEvaluator(d.alg)
	d.table = claims.NewTable(eval, cfg.Sync.MinWork)
	d.pool = mining.NewPool(mining.Config{
		Evaluator: eval,
		Metrics:   d.metrics,
		Logger:    prefixed(logger, "[mining] "),
	})

	var recorders []relaysync.Recorder
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		d.claimLog = persistlog.NewClaimLogger(cfg.DataDir, prefixed(logger, "[claimlog] "))
		recorders = append(recorders, d.claimLog)
	}
	if cfg.Index.Enabled {
		idx, err := indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("open index: %w", err)
		}
		d.idx = idx
		recorders = append(recorders, idx)
	}

	var transport relaysync.Transport
	if len(cfg.Relays) > 0 {
		d.group = relay.NewGroup(relayClients(cfg, prefixed(logger, "[relay] "))...)
		transport = d.group
	}

	notifiers := relaysync.Fanout{d.queue}
	if cfg.UI.Listen != "" {
		d.ui = ws.NewServer(ws.Config{
			Table:        d.table,
			Welcome:      welcomeFor(claimant, d.alg, cfg.Mining.MinDifficulty),
			QueueSize:    cfg.UI.QueueSize,
			LoopbackOnly: true,
			Logger:       prefixed(logger, "[ui] "),
		})
		notifiers = append(notifiers, d.ui)
	}

	d.pipe, err = relaysync.New(relaysync.Config{
		Table:          d.table,
		Pool:           d.pool,
		Codec:          protocol.NewClaimCodec(d.alg, nil),
		Transport:      transport,
		Notifier:       notifiers,
		Recorders:      recorders,
		Claimant:       claimant,
		MinDifficulty:  cfg.Mining.MinDifficulty,
		Workers:        cfg.Mining.Workers,
		Contest:        cfg.Mining.Contest,
		PublishTimeout: cfg.Sync.PublishTimeout,
		Metrics:        d.metrics,
		Logger:         prefixed(logger, "[sync] "),
	})
	if err != nil {
		d.close()
		return nil, err
	}
	// Without an identity the renderer may watch but not claim.
	if d.ui != nil && claimant != (claims.Identity{}) {
		d.ui.SetController(d.pipe)
	}
	return d, nil
}

func relayClients(cfg config.Config, logger *log.Logger) []*relay.Client {
	var filters []protocol.Filter
	if cfg.Sync.Since > 0 {
		since := time.Now().Add(-cfg.Sync.Since).Unix()
		filters = []protocol.Filter{{Kinds: []int{protocol.KindClaim}, Since: &since}}
	}
	out := make([]*relay.Client, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		out = append(out, relay.NewClient(relay.Config{
			URL:          r.URL,
			Filters:      filters,
			PublishRate:  r.PublishRate,
			Burst:        r.Burst,
			QueueSize:    cfg.Sync.QueueSize,
			WriteTimeout: cfg.Sync.WriteTimeout,
			ReadTimeout:  cfg.Sync.ReadTimeout,
			ReconnectMin: cfg.Sync.ReconnectMin,
			ReconnectMax: cfg.Sync.ReconnectMax,
			Logger:       logger,
		}))
	}
	return out
}

func (d *daemon) snapshotDir() string { return filepath.Join(d.cfg.DataDir, "snapshots") }

// warmStart restores the table from path. Claims that no longer verify are
// skipped by the table.
func (d *daemon) warmStart(path string) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if snap.Header.Algorithm != string(d.alg) {
		return fmt.Errorf("snapshot %s uses %s, configured algorithm is %s", filepath.Base(path), snap.Header.Algorithm, d.alg)
	}
	cs, err := snap.ToClaims()
	if err != nil {
		return err
	}
	n := d.table.Restore(cs)
	d.log.Printf("resumed from snapshot=%s claims=%d/%d", filepath.Base(path), n, len(cs))
	return nil
}

func (d *daemon) writeSnapshot() (string, error) {
	snap := snapshot.FromClaims(d.alg, d.table.MinWork(), d.table.All(), time.Now())
	path := snapshot.PathFor(d.snapshotDir(), snap.Header.TakenAt)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if d.idx != nil {
		d.idx.RecordSnapshot(path, snap.Header)
	}
	if _, err := snapshot.Prune(d.snapshotDir(), d.cfg.Snapshots.Keep); err != nil {
		d.log.Printf("snapshot prune: %v", err)
	}
	return path, nil
}

// run blocks until ctx is done. mines are requested once everything is up.
func (d *daemon) run(ctx context.Context, mines []cyberspace.Coordinate, payload []byte, portal bool) error {
	eg, ctx := errgroup.WithContext(ctx)

	if d.group != nil {
		eg.Go(func() error { return d.group.Run(ctx) })
	}
	eg.Go(func() error { return d.pipe.Run(ctx) })
	eg.Go(func() error { return d.drainNotifications(ctx) })

	if d.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(200)
			_, _ = rw.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
		eg.Go(func() error { return d.serve(ctx, "metrics", d.cfg.Metrics.Listen, mux) })
	}
	if d.ui != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/ui", d.ui.Handler())
		eg.Go(func() error { return d.serve(ctx, "ui", d.cfg.UI.Listen, mux) })
	}
	if d.cfg.Snapshots.Enabled && d.cfg.Snapshots.Every > 0 {
		eg.Go(func() error {
			t := time.NewTicker(d.cfg.Snapshots.Every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if path, err := d.writeSnapshot(); err != nil {
						d.log.Printf("snapshot write: %v", err)
					} else {
						d.log.Printf("snapshot %s claims=%d", filepath.Base(path), d.table.Len())
					}
				}
			}
		})
	}

	for _, c := range mines {
		s, err := d.pipe.RequestClaim(c, payload, portal)
		if err != nil {
			d.log.Printf("mine %s: %v", c, err)
			continue
		}
		d.log.Printf("mining %s difficulty=%d workers=%d", c, s.Difficulty(), s.Workers())
	}

	return eg.Wait()
}

func (d *daemon) serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	d.log.Printf("%s listening on %s", name, addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// drainNotifications logs what a renderer would show.
func (d *daemon) drainNotifications(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for _, n := range d.queue.Poll() {
				d.logNotification(n)
			}
			return nil
		case <-d.queue.Ready():
			for _, n := range d.queue.Poll() {
				d.logNotification(n)
			}
		}
	}
}

func (d *daemon) logNotification(n relaysync.Notification) {
	switch n.Kind {
	case relaysync.ClaimAccepted, relaysync.ClaimEvicted:
		d.log.Printf("%s %s %s claimant=%s work=%d", n.Kind, n.Origin, n.Claim.Coordinate, n.Claim.Claimant.Short(), n.Claim.Work)
	case relaysync.ClaimRejected:
		d.log.Printf("%s %s %s reason=%s", n.Kind, n.Origin, n.Coordinate, n.Reason)
	case relaysync.SearchStarted, relaysync.SearchCancelled:
		d.log.Printf("%s %s difficulty=%d", n.Kind, n.Coordinate, n.Difficulty)
	case relaysync.Warning:
		d.log.Printf("%s %s", n.Kind, n.Message)
	}
}

// close stops searches and flushes persistence. Safe on a partly built daemon.
func (d *daemon) close() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.idx != nil {
		if err := d.idx.Close(); err != nil {
			d.log.Printf("index close: %v", err)
		}
		if st := d.idx.Stats(); st.DropClaimTotal > 0 || st.DropSnapshotTotal > 0 {
			d.log.Printf("index dropped claims=%d snapshots=%d", st.DropClaimTotal, st.DropSnapshotTotal)
		}
	}
	if d.claimLog != nil {
		if err := d.claimLog.Close(); err != nil {
			d.log.Printf("claim log close: %v", err)
		}
	}
}

// welcomeFor is the WELCOME template handed to every renderer. Without an
// identity there is no claimant and no home cell.
func welcomeFor(claimant claims.Identity, alg pow.Algorithm, minDifficulty int) protocol.WelcomeMsg {
	w := protocol.WelcomeMsg{
		Claimant:      identityHex(claimant),
		Algorithm:     string(alg),
		MinDifficulty: minDifficulty,
	}
	if claimant != (claims.Identity{}) {
		home := protocol.PositionOf(claimant.Home())
		w.Home = &home
	}
	return w
}

func identityHex(id claims.Identity) string {
	if id == (claims.Identity{}) {
		return ""
	}
	return id.Hex()
}

func prefixed(l *log.Logger, prefix string) *log.Logger {
	return log.New(l.Writer(), prefix, l.Flags())
}
