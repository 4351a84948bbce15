package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

const Version = 1

const suffix = ".snap.zst"

var ErrVersion = errors.New("snapshot: unsupported version")

type Header struct {
	Version   int    `json:"version"`
	Algorithm string `json:"algorithm"`
	MinWork   int    `json:"min_work"`
	Claims    int    `json:"claims"`
	// TakenAt is unix milliseconds; it also names the file.
	TakenAt int64 `json:"taken_at"`
}

type SnapshotV1 struct {
	Header Header    `json:"header"`
	Claims []ClaimV1 `json:"claims"`
}

// ClaimV1 flattens a claims.Claim. Axes are decimal strings because they
// exceed int64.
type ClaimV1 struct {
	Realm       uint8    `json:"realm"`
	X           string   `json:"x"`
	Y           string   `json:"y"`
	Z           string   `json:"z"`
	Address     [32]byte `json:"address"`
	Claimant    [32]byte `json:"claimant"`
	Fingerprint [32]byte `json:"fingerprint"`
	Work        int      `json:"work"`
	Nonce       uint64   `json:"nonce"`
	Portal      bool     `json:"portal,omitempty"`
	Payload     []byte   `json:"payload,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// FromClaims builds a snapshot of a table's entries.
func FromClaims(alg pow.Algorithm, minWork int, cs []claims.Claim, now time.Time) SnapshotV1 {
	snap := SnapshotV1{
		Header: Header{
			Version:   Version,
			Algorithm: string(alg),
			MinWork:   minWork,
			Claims:    len(cs),
			TakenAt:   now.UnixMilli(),
		},
		Claims: make([]ClaimV1, 0, len(cs)),
	}
	for _, c := range cs {
		x, y, z := c.Coordinate.X(), c.Coordinate.Y(), c.Coordinate.Z()
		snap.Claims = append(snap.Claims, ClaimV1{
			Realm:       uint8(c.Coordinate.Realm()),
			X:           x.String(),
			Y:           y.String(),
			Z:           z.String(),
			Address:     c.Address.Bytes(),
			Claimant:    c.Claimant,
			Fingerprint: c.Fingerprint,
			Work:        c.Work,
			Nonce:       c.Nonce,
			Portal:      c.Portal,
			Payload:     c.Payload,
			CreatedAt:   c.CreatedAt.UnixNano(),
		})
	}
	return snap
}

// ToClaims rebuilds the claims. They still have to go through
// claims.Table.Restore, which re-verifies every fingerprint.
func (s SnapshotV1) ToClaims() ([]claims.Claim, error) {
	if s.Header.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, s.Header.Version)
	}
	out := make([]claims.Claim, 0, len(s.Claims))
	for i, c := range s.Claims {
		var ax [3]*big.Int
		for j, v := range []string{c.X, c.Y, c.Z} {
			n, ok := new(big.Int).SetString(v, 10)
			if !ok {
				return nil, fmt.Errorf("snapshot: claim %d: bad axis %q", i, v)
			}
			ax[j] = n
		}
		out = append(out, claims.Claim{
			Address:     cyberspace.AddressFromBytes(c.Address),
			Coordinate:  cyberspace.NewCoordinateBig(cyberspace.Realm(c.Realm), ax[0], ax[1], ax[2]),
			Claimant:    claims.Identity(c.Claimant),
			Fingerprint: pow.Digest(c.Fingerprint),
			Work:        c.Work,
			Payload:     c.Payload,
			Nonce:       c.Nonce,
			Portal:      c.Portal,
			CreatedAt:   time.Unix(0, c.CreatedAt).UTC(),
		})
	}
	return out, nil
}

// PathFor is where a snapshot taken at takenAt (unix ms) lives under dir.
func PathFor(dir string, takenAt int64) string {
	return filepath.Join(dir, strconv.FormatInt(takenAt, 10)+suffix)
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Readers only ever see complete files under the final name.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for humans and tools; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// List returns the snapshot files in dir, oldest first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type snapFile struct {
		path string
		at   int64
	}
	var files []snapFile
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		at, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), suffix), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, snapFile{filepath.Join(dir, e.Name()), at})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].at < files[j].at })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Latest returns the newest snapshot in dir, or "" when there is none.
func Latest(dir string) string {
	files, err := List(dir)
	if err != nil || len(files) == 0 {
		return ""
	}
	return files[len(files)-1]
}

// Prune deletes all but the newest keep snapshots in dir.
func Prune(dir string, keep int) (removed int, err error) {
	if keep < 1 {
		keep = 1
	}
	files, err := List(dir)
	if err != nil {
		return 0, err
	}
	for len(files) > keep {
		if err := os.Remove(files[0]); err != nil {
			return removed, err
		}
		files = files[1:]
		removed++
	}
	return removed, nil
}
