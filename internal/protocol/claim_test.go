package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

func testClaim(t *testing.T, portal bool) claims.Claim {
	t.Helper()
	var id claims.Identity
	for i := range id {
		id[i] = byte(0xa0 + i)
	}
	rec, err := claims.NewRecord(cyberspace.NewCoordinate(cyberspace.ISpace, 12, -7, 3), id, []byte("bronze"), portal, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	rec.Nonce = 31337
	eval := pow.NewEvaluator(pow.SHA256)
	d := claims.NewTable(eval, 0).Offer(rec, rec.Fingerprint(eval))
	if !d.Accepted {
		t.Fatalf("offer: %+v", d)
	}
	return d.Claim
}

func TestClaimCodec_RoundTrip(t *testing.T) {
	codec := NewClaimCodec(pow.SHA256, nil)
	for _, portal := range []bool{false, true} {
		cl := testClaim(t, portal)
		raw, err := codec.Encode(cl)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		in, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if in.Address != cl.Address || in.Digest != cl.Fingerprint {
			t.Fatalf("address/digest mismatch")
		}
		rec := in.Record
		if !rec.Coordinate.Equal(cl.Coordinate) || rec.Claimant != cl.Claimant || rec.Nonce != cl.Nonce ||
			string(rec.Payload) != "bronze" || rec.Portal != portal || !rec.CreatedAt.Equal(cl.CreatedAt) {
			t.Fatalf("record mismatch: %+v", rec)
		}
		if rec.Fingerprint(pow.NewEvaluator(pow.SHA256)) != in.Digest {
			t.Fatalf("decoded record does not reproduce digest")
		}
	}
}

func TestClaimCodec_RejectsTamperedEvent(t *testing.T) {
	codec := NewClaimCodec(pow.SHA256, nil)
	ev, err := codec.EncodeEvent(testClaim(t, false))
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	ev.CreatedAt++
	raw, _ := json.Marshal(ev)
	if _, err := codec.Decode(raw); !errors.Is(err, ErrDecode) {
		t.Fatalf("tampered event err=%v", err)
	}
}

func TestClaimCodec_DecodeErrors(t *testing.T) {
	codec := NewClaimCodec(pow.SHA256, nil)
	if _, err := codec.Decode([]byte("{not json")); !errors.Is(err, ErrDecode) {
		t.Fatalf("bad json err=%v", err)
	}

	meta := Event{PubKey: strings.Repeat("ab", 32), Kind: 0, Tags: []Tag{}, Content: "{}"}
	meta.ID, _ = meta.ComputeID()
	raw, _ := json.Marshal(meta)
	if _, err := codec.Decode(raw); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("kind 0 err=%v", err)
	}

	bad := Event{PubKey: strings.Repeat("ab", 32), Kind: KindClaim, Tags: []Tag{}, Content: `{"coordinates":"xyz"}`}
	bad.ID, _ = bad.ComputeID()
	raw, _ = json.Marshal(bad)
	if _, err := codec.Decode(raw); !errors.Is(err, ErrDecode) {
		t.Fatalf("bad content err=%v", err)
	}
}

func TestClaimCodec_AlgorithmMismatch(t *testing.T) {
	raw, err := NewClaimCodec(pow.BLAKE3, nil).Encode(testClaim(t, false))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := NewClaimCodec(pow.SHA256, nil).Decode(raw); !errors.Is(err, ErrDecode) {
		t.Fatalf("err=%v", err)
	}
}

type stampSigner struct{}

func (stampSigner) Sign(ev *Event) error {
	ev.Sig = strings.Repeat("0", 128)
	return nil
}

func TestClaimCodec_UsesSigner(t *testing.T) {
	ev, err := NewClaimCodec(pow.SHA256, stampSigner{}).EncodeEvent(testClaim(t, false))
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if len(ev.Sig) != 128 {
		t.Fatalf("sig = %q", ev.Sig)
	}
}
