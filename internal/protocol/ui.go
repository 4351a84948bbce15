package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
)

// UIVersion is the version of the renderer bridge protocol.
const UIVersion = "1.0"

// Renderer bridge message types.
const (
	TypeHello        = "HELLO"
	TypeWelcome      = "WELCOME"
	TypeRequestClaim = "REQUEST_CLAIM"
	TypeCancelClaim  = "CANCEL_CLAIM"
	TypeAck          = "ACK"
	TypeError        = "ERROR"
	TypeClaims       = "CLAIMS"
)

// BaseMessage carries the discriminator every bridge message has.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}

// HELLO (renderer -> claimd)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ViewerName      string `json:"viewer_name,omitempty"`
	// Portals asks for the current portal claims right after WELCOME.
	Portals bool `json:"portals,omitempty"`
}

// WELCOME (claimd -> renderer)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	Claimant        string    `json:"claimant,omitempty"`
	// Home is the claimant's own cell, the identity read as an address.
	Home            *Position `json:"home,omitempty"`
	Algorithm       string    `json:"algorithm"`
	MinDifficulty   int       `json:"min_difficulty"`
	Claims          int       `json:"claims"`
}

// REQUEST_CLAIM (renderer -> claimd)
type RequestClaimMsg struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Position Position `json:"position"`
	Payload  []byte   `json:"payload,omitempty"`
	Portal   bool     `json:"portal,omitempty"`
}

// CANCEL_CLAIM (renderer -> claimd)
type CancelClaimMsg struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Position Position `json:"position"`
}

// ACK answers a request that was carried out.
type AckMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Address    string `json:"address,omitempty"`
	Difficulty int    `json:"difficulty,omitempty"`
	Stopped    bool   `json:"stopped,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to the renderer.
const (
	ErrCodeBadRequest       = "E_BAD_REQUEST"
	ErrCodeOutOfRange       = "E_OUT_OF_RANGE"
	ErrCodeAlreadySearching = "E_ALREADY_SEARCHING"
	ErrCodeNoIdentity       = "E_NO_IDENTITY"
	ErrCodeInternal         = "E_INTERNAL"
)

// NotifyMsg relays one claim-engine notification. Type is the notification
// kind (CLAIM_ACCEPTED, CLAIM_EVICTED, ...).
type NotifyMsg struct {
	Type       string    `json:"type"`
	Origin     string    `json:"origin,omitempty"`
	Position   *Position `json:"position,omitempty"`
	Claim      *UIClaim  `json:"claim,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Difficulty int       `json:"difficulty,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// CLAIMS (claimd -> renderer): a batch of current claims.
type ClaimsMsg struct {
	Type   string    `json:"type"`
	Claims []UIClaim `json:"claims"`
}

type UIClaim struct {
	Address     string   `json:"address"`
	Position    Position `json:"position"`
	Claimant    string   `json:"claimant"`
	Fingerprint string   `json:"fingerprint"`
	Work        int      `json:"work"`
	Portal      bool     `json:"portal,omitempty"`
	Payload     []byte   `json:"payload,omitempty"`
}

func UIClaimFrom(c claims.Claim) UIClaim {
	return UIClaim{
		Address:     c.Address.Hex(),
		Position:    PositionOf(c.Coordinate),
		Claimant:    c.Claimant.Hex(),
		Fingerprint: c.Fingerprint.Hex(),
		Work:        c.Work,
		Portal:      c.Portal,
		Payload:     c.Payload,
	}
}

func PositionOf(c cyberspace.Coordinate) Position {
	x, y, z := c.X(), c.Y(), c.Z()
	return Position{Realm: uint8(c.Realm()), X: x.String(), Y: y.String(), Z: z.String()}
}

// Coordinate parses the position's axes.
func (p Position) Coordinate() (cyberspace.Coordinate, error) {
	return p.coordinate()
}
