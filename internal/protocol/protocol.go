package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// KindClaim is the Nostr event kind claim records travel as.
const KindClaim = 3333

// Relay message types (NIP-01).
const (
	TypeReq    = "REQ"
	TypeEvent  = "EVENT"
	TypeClose  = "CLOSE"
	TypeEOSE   = "EOSE"
	TypeNotice = "NOTICE"
	TypeOK     = "OK"
	TypeClosed = "CLOSED"
)

var (
	ErrDecode          = errors.New("protocol: decode")
	ErrUnsupportedKind = errors.New("protocol: unsupported event kind")
)

type Tag []string

// Event is a NIP-01 event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// ComputeID returns sha256 over the canonical [0,pubkey,created_at,kind,tags,content] array.
func (e Event) ComputeID() (string, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	b, err := marshalNoEscape([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Tag returns the first tag named name.
func (e Event) Tag(name string) (Tag, bool) {
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == name {
			return t, true
		}
	}
	return nil, false
}

// Filter is a NIP-01 subscription filter.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func ReqEnvelope(subID string, filters ...Filter) ([]byte, error) {
	msg := []any{TypeReq, subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return marshalNoEscape(msg)
}

// EventEnvelope wraps an already-encoded event for publication.
func EventEnvelope(event json.RawMessage) ([]byte, error) {
	if !json.Valid(event) {
		return nil, fmt.Errorf("%w: event is not valid json", ErrDecode)
	}
	return marshalNoEscape([]any{TypeEvent, event})
}

func CloseEnvelope(subID string) ([]byte, error) {
	return marshalNoEscape([]any{TypeClose, subID})
}

// RelayMessage is a decoded relay-to-client message. Only the fields of its
// Type are set.
type RelayMessage struct {
	Type    string
	SubID   string
	Event   json.RawMessage
	EventID string
	OK      bool
	Message string
}

func DecodeRelayMessage(b []byte) (RelayMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return RelayMessage{}, fmt.Errorf("%w: relay message: %v", ErrDecode, err)
	}
	if len(parts) == 0 {
		return RelayMessage{}, fmt.Errorf("%w: empty relay message", ErrDecode)
	}
	var m RelayMessage
	if err := json.Unmarshal(parts[0], &m.Type); err != nil {
		return m, fmt.Errorf("%w: relay message type: %v", ErrDecode, err)
	}
	str := func(i int, dst *string) error {
		if i >= len(parts) {
			return fmt.Errorf("%w: %s: missing field %d", ErrDecode, m.Type, i)
		}
		return json.Unmarshal(parts[i], dst)
	}
	switch m.Type {
	case TypeEvent:
		if err := str(1, &m.SubID); err != nil {
			return m, err
		}
		if len(parts) < 3 {
			return m, fmt.Errorf("%w: EVENT without event", ErrDecode)
		}
		m.Event = parts[2]
	case TypeEOSE:
		if err := str(1, &m.SubID); err != nil {
			return m, err
		}
	case TypeClosed:
		if err := str(1, &m.SubID); err != nil {
			return m, err
		}
		_ = str(2, &m.Message)
	case TypeNotice:
		if err := str(1, &m.Message); err != nil {
			return m, err
		}
	case TypeOK:
		if err := str(1, &m.EventID); err != nil {
			return m, err
		}
		if len(parts) < 3 {
			return m, fmt.Errorf("%w: OK without status", ErrDecode)
		}
		if err := json.Unmarshal(parts[2], &m.OK); err != nil {
			return m, fmt.Errorf("%w: OK status: %v", ErrDecode, err)
		}
		_ = str(3, &m.Message)
	}
	return m, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
