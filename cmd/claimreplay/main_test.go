package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	persistlog "nostrcraft.ai/internal/persistence/log"
	"nostrcraft.ai/internal/persistence/snapshot"
	"nostrcraft.ai/internal/pow"
)

var testEval = pow.NewEvaluator(pow.SHA256)

// claimWithWork tries nonces until the fingerprint scores at least atLeast.
func claimWithWork(t *testing.T, c cyberspace.Coordinate, who byte, atLeast int) claims.Claim {
	t.Helper()
	rec, err := claims.NewRecord(c, claims.Identity{who}, nil, false, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	for n := uint64(0); ; n++ {
		rec.Nonce = n
		d := rec.Fingerprint(testEval)
		if pow.WorkScore(d) >= atLeast {
			return claims.NewTable(testEval, 0).Offer(rec, d).Claim
		}
	}
}

func replay(args ...string) (string, string, int) {
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return out.String(), errOut.String(), code
}

func TestReplay_LogOnly(t *testing.T) {
	dir := t.TempDir()
	c := cyberspace.NewCoordinate(cyberspace.ISpace, 1, 1, 1)
	weak := claimWithWork(t, c, 0xaa, 0)
	strong := claimWithWork(t, c, 0xbb, weak.Work+1)

	l := persistlog.NewClaimLogger(dir, nil)
	l.RecordClaim("remote", weak, nil)
	l.RecordClaim("local", strong, &weak)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, errOut, code := replay("-data", dir)
	if code != 0 || !strings.Contains(out, "checked=2") || !strings.Contains(out, "claims=1") {
		t.Fatalf("exit %d out=%q err=%q", code, out, errOut)
	}
}

func TestReplay_SnapshotThenLog(t *testing.T) {
	dir := t.TempDir()
	a := claimWithWork(t, cyberspace.NewCoordinate(cyberspace.DSpace, 5, 5, 5), 0xaa, 0)
	b := claimWithWork(t, cyberspace.NewCoordinate(cyberspace.DSpace, 6, 6, 6), 0xbb, 0)

	snap := snapshot.FromClaims(pow.SHA256, 0, []claims.Claim{a}, time.Now().Add(-time.Hour))
	if err := snapshot.WriteSnapshot(snapshot.PathFor(filepath.Join(dir, "snapshots"), snap.Header.TakenAt), snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	l := persistlog.NewClaimLogger(dir, nil)
	l.RecordClaim("remote", a, nil) // after the snapshot time; replays as a duplicate
	l.RecordClaim("remote", b, nil)
	_ = l.Close()

	out, errOut, code := replay("-data", dir)
	if code != 0 || !strings.Contains(out, "checked=2") || !strings.Contains(out, "claims=2") {
		t.Fatalf("exit %d out=%q err=%q", code, out, errOut)
	}
}

func TestReplay_DetectsBadEviction(t *testing.T) {
	dir := t.TempDir()
	c := cyberspace.NewCoordinate(cyberspace.ISpace, 2, 2, 2)
	weak := claimWithWork(t, c, 0xaa, 0)
	strong := claimWithWork(t, c, 0xbb, weak.Work+1)

	l := persistlog.NewClaimLogger(dir, nil)
	l.RecordClaim("local", strong, &weak) // no prior entry for weak
	_ = l.Close()

	_, errOut, code := replay("-data", dir, "-snapshot", "none")
	if code != 1 || !strings.Contains(errOut, "no incumbent") {
		t.Fatalf("exit %d err=%q", code, errOut)
	}
}
