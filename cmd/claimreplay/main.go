// Command claimreplay rebuilds a claim table from a snapshot plus the claim
// log written after it, checking every logged acceptance along the way.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nostrcraft.ai/internal/claims"
	persistlog "nostrcraft.ai/internal/persistence/log"
	"nostrcraft.ai/internal/persistence/snapshot"
	"nostrcraft.ai/internal/pow"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("claimreplay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "path to .snap.zst (default: latest in <data>/snapshots; \"none\" replays from empty)")
	claimsDir := fs.String("claims", "", "claim log dir (default: <data>/claims)")
	algorithm := fs.String("algorithm", "", "pow algorithm when replaying without a snapshot (default sha256)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	alg, err := pow.ParseAlgorithm(*algorithm)
	if err != nil {
		fmt.Fprintln(stderr, "bad -algorithm:", err)
		return 2
	}
	minWork := 0
	var since time.Time
	var restored []claims.Claim

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
	}
	if path != "" && path != "none" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			fmt.Fprintln(stderr, "read snapshot:", err)
			return 1
		}
		if alg, err = pow.ParseAlgorithm(snap.Header.Algorithm); err != nil {
			fmt.Fprintln(stderr, "snapshot:", err)
			return 1
		}
		minWork = snap.Header.MinWork
		since = time.UnixMilli(snap.Header.TakenAt)
		if restored, err = snap.ToClaims(); err != nil {
			fmt.Fprintln(stderr, "snapshot claims:", err)
			return 1
		}
		fmt.Fprintf(stdout, "snapshot v%d algorithm=%s claims=%d taken_at=%s\n",
			snap.Header.Version, snap.Header.Algorithm, snap.Header.Claims, since.UTC().Format(time.RFC3339))
	}

	table := claims.NewTable(pow.NewEvaluator(alg), minWork)
	if n := table.Restore(restored); n != len(restored) {
		fmt.Fprintf(stderr, "snapshot: %d of %d claims failed verification\n", len(restored)-n, len(restored))
		return 1
	}

	dir := strings.TrimSpace(*claimsDir)
	if dir == "" {
		dir = filepath.Join(*dataDir, "claims")
	}
	files, err := listClaimFiles(dir)
	if err != nil {
		fmt.Fprintln(stderr, "list claims:", err)
		return 1
	}

	var checked, skipped int
	for _, f := range files {
		entries, err := persistlog.ReadJSONL[persistlog.ClaimEntry](f)
		if err != nil {
			fmt.Fprintln(stderr, "replay:", err)
			return 1
		}
		for _, e := range entries {
			if !since.IsZero() && !e.At.After(since) {
				skipped++
				continue
			}
			if err := replayEntry(table, e); err != nil {
				fmt.Fprintf(stderr, "replay %s: %v\n", filepath.Base(f), err)
				return 1
			}
			checked++
		}
	}
	fmt.Fprintf(stdout, "replay ok: checked=%d skipped=%d claims=%d\n", checked, skipped, table.Len())
	return 0
}

// replayEntry offers e and requires the table to reach the logged outcome.
// Entries already in a snapshot come back as duplicates and are fine.
func replayEntry(table *claims.Table, e persistlog.ClaimEntry) error {
	rec, digest, err := e.Record()
	if err != nil {
		return err
	}
	d := table.Offer(rec, digest)
	if d.Reason == claims.ReasonDuplicate {
		return nil
	}
	if !d.Accepted {
		return fmt.Errorf("%s: logged as accepted, table says %s", e.Address, d.Reason)
	}
	if d.Claim.Work != e.Work {
		return fmt.Errorf("%s: work mismatch: got=%d want=%d", e.Address, d.Claim.Work, e.Work)
	}
	switch {
	case e.Evicted == nil && d.Evicted != nil:
		return fmt.Errorf("%s: evicted %s, log has no eviction", e.Address, d.Evicted.Fingerprint)
	case e.Evicted != nil && d.Evicted == nil:
		return fmt.Errorf("%s: log evicts %s, table had no incumbent", e.Address, e.Evicted.Fingerprint)
	case e.Evicted != nil && d.Evicted.Fingerprint.Hex() != e.Evicted.Fingerprint:
		return fmt.Errorf("%s: evicted %s, log says %s", e.Address, d.Evicted.Fingerprint, e.Evicted.Fingerprint)
	}
	return nil
}

func listClaimFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "claims-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
