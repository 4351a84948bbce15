// Command claimview is a terminal stand-in for a renderer: it attaches to
// claimd's UI bridge, prints every notification and can request claims.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/protocol"
)

func main() {
	var (
		url     = flag.String("url", "ws://127.0.0.1:8765/v1/ui", "claimd ui url")
		name    = flag.String("name", "claimview", "viewer name")
		portals = flag.Bool("portals", true, "fetch current portals after WELCOME")
		claim   = flag.String("claim", "", "request a claim at x,y,z[,realm] after WELCOME")
		payload = flag.String("payload", "", "payload for -claim")
		portal  = flag.Bool("portal", false, "mark the -claim as a portal")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[view] ", log.LstdFlags|log.Lmicroseconds)

	var req *protocol.RequestClaimMsg
	if strings.TrimSpace(*claim) != "" {
		c, err := cyberspace.ParseCoordinate(*claim)
		if err != nil {
			logger.Fatalf("bad -claim: %v", err)
		}
		req = &protocol.RequestClaimMsg{
			Type:     protocol.TypeRequestClaim,
			ID:       "claim-1",
			Position: protocol.PositionOf(c),
			Payload:  []byte(*payload),
			Portal:   *portal,
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.UIVersion,
		ViewerName:      *name,
		Portals:         *portals,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s algorithm=%s min_difficulty=%d claims=%s", w.SessionID, w.Algorithm, w.MinDifficulty, humanize.Comma(int64(w.Claims)))
			if w.Home != nil {
				logger.Printf("home %s", positionString(*w.Home))
			}
			if req != nil {
				if err := conn.WriteJSON(req); err != nil {
					logger.Printf("send REQUEST_CLAIM: %v", err)
				}
			}
		case protocol.TypeClaims:
			var batch protocol.ClaimsMsg
			if err := json.Unmarshal(msg, &batch); err != nil {
				continue
			}
			for _, c := range batch.Claims {
				logger.Printf("portal %s work=%d claimant=%s", positionString(c.Position), c.Work, c.Claimant)
			}
		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			logger.Printf("ACK id=%s address=%s difficulty=%d", a.ID, a.Address, a.Difficulty)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR id=%s %s: %s", e.ID, e.Code, e.Message)
		default:
			var n protocol.NotifyMsg
			if err := json.Unmarshal(msg, &n); err != nil {
				continue
			}
			logger.Print(describe(n))
		}
	}
}

func describe(n protocol.NotifyMsg) string {
	var b strings.Builder
	b.WriteString(n.Type)
	if n.Origin != "" {
		fmt.Fprintf(&b, " %s", n.Origin)
	}
	if n.Position != nil {
		fmt.Fprintf(&b, " %s", positionString(*n.Position))
	}
	if n.Claim != nil {
		fmt.Fprintf(&b, " work=%d claimant=%s", n.Claim.Work, n.Claim.Claimant)
	}
	if n.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", n.Reason)
	}
	if n.Difficulty > 0 {
		fmt.Fprintf(&b, " difficulty=%d", n.Difficulty)
	}
	if n.Message != "" {
		fmt.Fprintf(&b, " %q", n.Message)
	}
	return b.String()
}

func positionString(p protocol.Position) string {
	return fmt.Sprintf("%s(%s,%s,%s)", cyberspace.Realm(p.Realm), p.X, p.Y, p.Z)
}
