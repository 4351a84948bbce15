package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

// ClaimContent is the JSON carried in a claim event's content.
type ClaimContent struct {
	PowAmount   int      `json:"pow_amount"`
	Coordinates string   `json:"coordinates"`
	MinerPubkey string   `json:"miner_pubkey"`
	Fingerprint string   `json:"fingerprint"`
	Algorithm   string   `json:"algorithm,omitempty"`
	Payload     string   `json:"payload,omitempty"`
	Portal      bool     `json:"portal,omitempty"`
	Position    Position `json:"position"`
}

// Position spells the coordinate out next to its address so receivers can
// check one against the other. Axes are decimal strings; they exceed int64.
type Position struct {
	Realm uint8  `json:"realm"`
	X     string `json:"x"`
	Y     string `json:"y"`
	Z     string `json:"z"`
}

// Inbound is a decoded claim event. Address is the address the sender
// embedded; it has not been checked against Record.Coordinate.
type Inbound struct {
	Event   Event
	Address cyberspace.Address
	Record  claims.Record
	Digest  pow.Digest
}

// Signer signs events before publication. Key custody is owned by the host
// application.
type Signer interface {
	Sign(ev *Event) error
}

// NopSigner leaves events unsigned.
type NopSigner struct{}

func (NopSigner) Sign(*Event) error { return nil }

// ClaimCodec turns claims into kind-3333 events and back.
type ClaimCodec struct {
	Algorithm pow.Algorithm
	Signer    Signer
}

func NewClaimCodec(alg pow.Algorithm, signer Signer) *ClaimCodec {
	if signer == nil {
		signer = NopSigner{}
	}
	return &ClaimCodec{Algorithm: alg, Signer: signer}
}

func (c *ClaimCodec) Encode(cl claims.Claim) ([]byte, error) {
	ev, err := c.EncodeEvent(cl)
	if err != nil {
		return nil, err
	}
	return marshalNoEscape(ev)
}

func (c *ClaimCodec) EncodeEvent(cl claims.Claim) (Event, error) {
	x, y, z := cl.Coordinate.X(), cl.Coordinate.Y(), cl.Coordinate.Z()
	content := ClaimContent{
		PowAmount:   cl.Work,
		Coordinates: cl.Address.Hex(),
		MinerPubkey: cl.Claimant.Hex(),
		Fingerprint: cl.Fingerprint.Hex(),
		Algorithm:   string(c.Algorithm),
		Portal:      cl.Portal,
		Position: Position{
			Realm: uint8(cl.Coordinate.Realm()),
			X:     x.String(),
			Y:     y.String(),
			Z:     z.String(),
		},
	}
	if len(cl.Payload) > 0 {
		content.Payload = base64.StdEncoding.EncodeToString(cl.Payload)
	}
	body, err := marshalNoEscape(content)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		PubKey:    cl.Claimant.Hex(),
		CreatedAt: cl.CreatedAt.Unix(),
		Kind:      KindClaim,
		Tags: []Tag{
			{"nonce", strconv.FormatUint(cl.Nonce, 10), strconv.Itoa(cl.Work)},
			{"a", cl.Address.Hex()},
		},
		Content: string(body),
	}
	if cl.Portal {
		ev.Tags = append(ev.Tags, Tag{"portal"})
	}
	if ev.ID, err = ev.ComputeID(); err != nil {
		return Event{}, err
	}
	if err := c.Signer.Sign(&ev); err != nil {
		return Event{}, fmt.Errorf("sign claim event: %w", err)
	}
	return ev, nil
}

// Decode parses one event. Errors wrap ErrDecode, or ErrUnsupportedKind for
// well-formed events that are not claims.
func (c *ClaimCodec) Decode(raw []byte) (Inbound, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Inbound{}, fmt.Errorf("%w: event: %v", ErrDecode, err)
	}
	if ev.Kind != KindClaim {
		return Inbound{}, fmt.Errorf("%w: %d", ErrUnsupportedKind, ev.Kind)
	}
	id, err := ev.ComputeID()
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: id: %v", ErrDecode, err)
	}
	if !strings.EqualFold(id, ev.ID) {
		return Inbound{}, fmt.Errorf("%w: id mismatch", ErrDecode)
	}

	var content ClaimContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return Inbound{}, fmt.Errorf("%w: content: %v", ErrDecode, err)
	}
	if content.Algorithm != "" && c.Algorithm != "" && pow.Algorithm(content.Algorithm) != c.Algorithm {
		return Inbound{}, fmt.Errorf("%w: algorithm %q", ErrDecode, content.Algorithm)
	}
	claimant, err := claims.ParseIdentity(ev.PubKey)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: pubkey: %v", ErrDecode, err)
	}
	if content.MinerPubkey != "" && !strings.EqualFold(content.MinerPubkey, ev.PubKey) {
		return Inbound{}, fmt.Errorf("%w: miner_pubkey does not match event pubkey", ErrDecode)
	}
	addr, err := cyberspace.ParseAddress(content.Coordinates)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: coordinates: %v", ErrDecode, err)
	}
	coord, err := content.Position.coordinate()
	if err != nil {
		return Inbound{}, err
	}
	digest, err := pow.ParseDigest(content.Fingerprint)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	nonceTag, ok := ev.Tag("nonce")
	if !ok || len(nonceTag) < 2 {
		return Inbound{}, fmt.Errorf("%w: missing nonce tag", ErrDecode)
	}
	nonce, err := strconv.ParseUint(nonceTag[1], 10, 64)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: nonce: %v", ErrDecode, err)
	}
	var payload []byte
	if content.Payload != "" {
		if payload, err = base64.StdEncoding.DecodeString(content.Payload); err != nil {
			return Inbound{}, fmt.Errorf("%w: payload: %v", ErrDecode, err)
		}
	}
	_, portalTag := ev.Tag("portal")

	return Inbound{
		Event:   ev,
		Address: addr,
		Digest:  digest,
		Record: claims.Record{
			Coordinate: coord,
			Address:    addr,
			Claimant:   claimant,
			Payload:    payload,
			Nonce:      nonce,
			Portal:     content.Portal || portalTag,
			CreatedAt:  time.Unix(ev.CreatedAt, 0).UTC(),
		},
	}, nil
}

func (p Position) coordinate() (cyberspace.Coordinate, error) {
	var ax [3]*big.Int
	for i, s := range []string{p.X, p.Y, p.Z} {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return cyberspace.Coordinate{}, fmt.Errorf("%w: position axis %q", ErrDecode, s)
		}
		ax[i] = v
	}
	return cyberspace.NewCoordinateBig(cyberspace.Realm(p.Realm), ax[0], ax[1], ax[2]), nil
}
