package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

func fillTable(t *testing.T) *claims.Table {
	t.Helper()
	eval := pow.NewEvaluator(pow.SHA256)
	tb := claims.NewTable(eval, 0)
	var id claims.Identity
	id[31] = 7
	coords := []cyberspace.Coordinate{
		cyberspace.NewCoordinate(cyberspace.ISpace, 0, 0, 0),
		cyberspace.NewCoordinate(cyberspace.DSpace, -1, 2, -3),
		cyberspace.NewCoordinateBig(cyberspace.ISpace, cyberspace.MaxAxis(), cyberspace.MinAxis(), cyberspace.MaxAxis()),
	}
	for i, c := range coords {
		rec, err := claims.NewRecord(c, id, []byte{byte(i)}, i == 1, time.Unix(1700000000+int64(i), 0))
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		rec.Nonce = uint64(i) * 1000
		if d := tb.Offer(rec, rec.Fingerprint(eval)); !d.Accepted {
			t.Fatalf("offer %d: %+v", i, d)
		}
	}
	return tb
}

func TestSnapshot_RoundTripRestoresTable(t *testing.T) {
	src := fillTable(t)
	dir := t.TempDir()
	snap := FromClaims(pow.SHA256, src.MinWork(), src.All(), time.UnixMilli(1700000000123))
	path := PathFor(dir, snap.Header.TakenAt)

	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header != snap.Header {
		t.Fatalf("header = %+v, want %+v", got.Header, snap.Header)
	}
	cs, err := got.ToClaims()
	if err != nil {
		t.Fatalf("ToClaims: %v", err)
	}

	dst := claims.NewTable(pow.NewEvaluator(pow.SHA256), 0)
	if n := dst.Restore(cs); n != src.Len() {
		t.Fatalf("restored %d of %d", n, src.Len())
	}
	want := src.All()
	have := dst.All()
	for i := range want {
		if !want[i].Equal(have[i]) {
			t.Fatalf("claim %d: got %+v want %+v", i, have[i], want[i])
		}
		if !want[i].Coordinate.Equal(have[i].Coordinate) {
			t.Fatalf("claim %d coordinate: %s vs %s", i, have[i].Coordinate, want[i].Coordinate)
		}
	}
}

func TestSnapshot_TamperedClaimIsNotRestored(t *testing.T) {
	src := fillTable(t)
	snap := FromClaims(pow.SHA256, 0, src.All(), time.Now())
	snap.Claims[0].Nonce++

	cs, err := snap.ToClaims()
	if err != nil {
		t.Fatalf("ToClaims: %v", err)
	}
	dst := claims.NewTable(pow.NewEvaluator(pow.SHA256), 0)
	if n := dst.Restore(cs); n != len(cs)-1 {
		t.Fatalf("restored %d, want %d", n, len(cs)-1)
	}
}

func TestSnapshot_VersionChecked(t *testing.T) {
	snap := SnapshotV1{Header: Header{Version: 99}}
	if _, err := snap.ToClaims(); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()
	if Latest(dir) != "" {
		t.Fatalf("empty dir has a latest snapshot")
	}
	if Latest(filepath.Join(dir, "missing")) != "" {
		t.Fatalf("missing dir has a latest snapshot")
	}
	for _, at := range []int64{300, 100, 200} {
		snap := FromClaims(pow.SHA256, 0, nil, time.UnixMilli(at))
		if err := WriteSnapshot(PathFor(dir, at), snap); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	if got := Latest(dir); got != PathFor(dir, 300) {
		t.Fatalf("latest = %s", got)
	}
	removed, err := Prune(dir, 2)
	if err != nil || removed != 1 {
		t.Fatalf("prune = %d, %v", removed, err)
	}
	files, _ := List(dir)
	if len(files) != 2 || files[0] != PathFor(dir, 200) {
		t.Fatalf("files = %v", files)
	}
}
