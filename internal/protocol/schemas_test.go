package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
	"nostrcraft.ai/internal/protocol"
)

func TestSchemas_ValidateEncodedClaims(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, raw []byte) {
		t.Helper()
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	eventSchema := compile("claim_event.schema.json")
	contentSchema := compile("claim_content.schema.json")

	eval := pow.NewEvaluator(pow.BLAKE3)
	codec := protocol.NewClaimCodec(pow.BLAKE3, nil)
	var id claims.Identity
	id[31] = 1
	for i, c := range []cyberspace.Coordinate{
		cyberspace.NewCoordinate(cyberspace.ISpace, 0, 0, 0),
		cyberspace.NewCoordinate(cyberspace.DSpace, -5, 10, 99),
		cyberspace.NewCoordinateBig(cyberspace.ISpace, cyberspace.MinAxis(), cyberspace.MaxAxis(), cyberspace.MinAxis()),
	} {
		rec, err := claims.NewRecord(c, id, []byte{byte(i)}, i == 1, time.Unix(1700000000, 0))
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		d := claims.NewTable(eval, 0).Offer(rec, rec.Fingerprint(eval))
		ev, err := codec.EncodeEvent(d.Claim)
		if err != nil {
			t.Fatalf("EncodeEvent: %v", err)
		}
		raw, _ := json.Marshal(ev)
		validate(eventSchema, raw)
		validate(contentSchema, []byte(ev.Content))
	}
}
