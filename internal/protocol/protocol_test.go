package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestComputeID_KnownEvent(t *testing.T) {
	ev := Event{
		PubKey:    "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		CreatedAt: 1,
		Kind:      1,
		Content:   "a<b&c",
	}
	id, err := ev.ComputeID()
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	ev.Tags = []Tag{}
	id2, _ := ev.ComputeID()
	if id != id2 {
		t.Fatalf("nil and empty tags hash differently")
	}
	ser, _ := marshalNoEscape([]any{0, ev.PubKey, ev.CreatedAt, ev.Kind, []Tag{}, ev.Content})
	if string(ser) != `[0,"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",1,1,[],"a<b&c"]` {
		t.Fatalf("canonical form = %s", ser)
	}
}

func TestEnvelopes(t *testing.T) {
	b, err := ReqEnvelope("sub1", Filter{Kinds: []int{KindClaim}})
	if err != nil {
		t.Fatalf("ReqEnvelope: %v", err)
	}
	if string(b) != `["REQ","sub1",{"kinds":[3333]}]` {
		t.Fatalf("REQ = %s", b)
	}
	b, err = EventEnvelope(json.RawMessage(`{"id":"x"}`))
	if err != nil || string(b) != `["EVENT",{"id":"x"}]` {
		t.Fatalf("EVENT = %s %v", b, err)
	}
	if _, err := EventEnvelope(json.RawMessage(`{`)); !errors.Is(err, ErrDecode) {
		t.Fatalf("invalid event err=%v", err)
	}
	b, _ = CloseEnvelope("sub1")
	if string(b) != `["CLOSE","sub1"]` {
		t.Fatalf("CLOSE = %s", b)
	}
}

func TestDecodeRelayMessage(t *testing.T) {
	m, err := DecodeRelayMessage([]byte(`["EVENT","s",{"id":"abc"}]`))
	if err != nil || m.Type != TypeEvent || m.SubID != "s" || string(m.Event) != `{"id":"abc"}` {
		t.Fatalf("EVENT: %+v %v", m, err)
	}
	m, err = DecodeRelayMessage([]byte(`["OK","abc",false,"rate-limited: slow"]`))
	if err != nil || !(m.Type == TypeOK && m.EventID == "abc" && !m.OK && m.Message == "rate-limited: slow") {
		t.Fatalf("OK: %+v %v", m, err)
	}
	m, err = DecodeRelayMessage([]byte(`["EOSE","s"]`))
	if err != nil || m.Type != TypeEOSE || m.SubID != "s" {
		t.Fatalf("EOSE: %+v %v", m, err)
	}
	m, err = DecodeRelayMessage([]byte(`["NOTICE","hello"]`))
	if err != nil || m.Message != "hello" {
		t.Fatalf("NOTICE: %+v %v", m, err)
	}
	for _, bad := range []string{`{}`, `[]`, `["EVENT","s"]`, `["OK","abc"]`} {
		if _, err := DecodeRelayMessage([]byte(bad)); !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: err=%v", bad, err)
		}
	}
}
