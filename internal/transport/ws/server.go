package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/mining"
	"nostrcraft.ai/internal/protocol"
	"nostrcraft.ai/internal/relaysync"
)

// Controller is the part of the sync pipeline a renderer may drive.
type Controller interface {
	RequestClaim(coord cyberspace.Coordinate, payload []byte, portal bool) (*mining.Search, error)
	CancelClaim(coord cyberspace.Coordinate) (bool, error)
}

type Config struct {
	Controller Controller
	Table      *claims.Table
	Welcome    protocol.WelcomeMsg
	// QueueSize bounds each viewer's outbound queue; a full queue drops.
	QueueSize int
	// LoopbackOnly refuses upgrades from non-loopback peers.
	LoopbackOnly bool
	Logger       *log.Logger
}

// Server is the renderer bridge: viewers receive every notification and
// may request or cancel local claims. It is a relaysync.Notifier.
type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctl     Controller
	viewers map[*viewer]struct{}

	dropped atomic.Uint64
}

type viewer struct {
	id  string
	out chan []byte
}

func NewServer(cfg Config) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback renderer
		},
		ctl:     cfg.Controller,
		viewers: map[*viewer]struct{}{},
	}
}

// SetController replaces the claim controller. A nil controller refuses
// REQUEST_CLAIM and CANCEL_CLAIM.
func (s *Server) SetController(c Controller) {
	s.mu.Lock()
	s.ctl = c
	s.mu.Unlock()
}

func (s *Server) controller() Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctl
}

// Viewers returns the number of connected renderers.
func (s *Server) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Dropped counts messages not delivered because a viewer was behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Notify broadcasts n to every viewer without blocking.
func (s *Server) Notify(n relaysync.Notification) {
	b, err := json.Marshal(notifyMsg(n))
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		select {
		case v.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func notifyMsg(n relaysync.Notification) protocol.NotifyMsg {
	m := protocol.NotifyMsg{
		Type:       string(n.Kind),
		Origin:     string(n.Origin),
		Reason:     string(n.Reason),
		Difficulty: n.Difficulty,
		Message:    n.Message,
		At:         n.At.UTC(),
	}
	if n.Claim != nil {
		c := protocol.UIClaimFrom(*n.Claim)
		m.Claim = &c
		m.Position = &c.Position
	} else if n.Kind != relaysync.Warning {
		p := protocol.PositionOf(n.Coordinate)
		m.Position = &p
	}
	return m
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.cfg.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		v := s.handshake(conn)
		if v == nil {
			return
		}
		s.log.Printf("viewer %s connected from %s", v.id, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.viewers, v)
			s.mu.Unlock()
			s.log.Printf("viewer %s disconnected", v.id)
		}()

		done := make(chan struct{})
		defer close(done)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-done:
					return
				case b := <-v.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.reply(v, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrCodeBadRequest, Message: err.Error()})
				continue
			}
			switch base.Type {
			case protocol.TypeRequestClaim:
				var req protocol.RequestClaimMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					s.reply(v, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrCodeBadRequest, Message: err.Error()})
					continue
				}
				s.reply(v, s.requestClaim(req))
			case protocol.TypeCancelClaim:
				var req protocol.CancelClaimMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					s.reply(v, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrCodeBadRequest, Message: err.Error()})
					continue
				}
				s.reply(v, s.cancelClaim(req))
			default:
				s.reply(v, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrCodeBadRequest, Message: "unexpected message type " + base.Type})
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *viewer {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.UIVersion {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	v := &viewer{id: uuid.NewString(), out: make(chan []byte, s.cfg.QueueSize)}
	welcome := s.cfg.Welcome
	welcome.Type = protocol.TypeWelcome
	welcome.ProtocolVersion = protocol.UIVersion
	welcome.SessionID = v.id
	if s.cfg.Table != nil {
		welcome.Claims = s.cfg.Table.Len()
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	if hello.Portals && s.cfg.Table != nil {
		batch := protocol.ClaimsMsg{Type: protocol.TypeClaims, Claims: []protocol.UIClaim{}}
		for c := range s.cfg.Table.Portals() {
			batch.Claims = append(batch.Claims, protocol.UIClaimFrom(c))
		}
		if err := writeJSON(conn, batch); err != nil {
			return nil
		}
	}

	// Registered only after the handshake writes so the writer goroutine is
	// the sole writer from here on.
	s.mu.Lock()
	s.viewers[v] = struct{}{}
	s.mu.Unlock()
	return v
}

func (s *Server) requestClaim(req protocol.RequestClaimMsg) any {
	ctl := s.controller()
	if ctl == nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: req.ID, Code: protocol.ErrCodeNoIdentity, Message: "claiming is disabled"}
	}
	coord, err := req.Position.Coordinate()
	if err != nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: req.ID, Code: protocol.ErrCodeBadRequest, Message: err.Error()}
	}
	search, err := ctl.RequestClaim(coord, req.Payload, req.Portal)
	if err != nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: req.ID, Code: errorCode(err), Message: err.Error()}
	}
	rec := search.Record()
	return protocol.AckMsg{Type: protocol.TypeAck, ID: req.ID, Address: rec.Address.Hex(), Difficulty: search.Difficulty()}
}

func (s *Server) cancelClaim(req protocol.CancelClaimMsg) any {
	ctl := s.controller()
	if ctl == nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: req.ID, Code: protocol.ErrCodeNoIdentity, Message: "claiming is disabled"}
	}
	coord, err := req.Position.Coordinate()
	if err != nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: req.ID, Code: protocol.ErrCodeBadRequest, Message: err.Error()}
	}
	stopped, err := ctl.CancelClaim(coord)
	if err != nil {
		return protocol.ErrorMsg{Type: protocol.TypeError, ID: req.ID, Code: errorCode(err), Message: err.Error()}
	}
	return protocol.AckMsg{Type: protocol.TypeAck, ID: req.ID, Stopped: stopped}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, cyberspace.ErrOutOfRange):
		return protocol.ErrCodeOutOfRange
	case errors.Is(err, mining.ErrAlreadySearching):
		return protocol.ErrCodeAlreadySearching
	default:
		return protocol.ErrCodeInternal
	}
}

func (s *Server) reply(v *viewer, m any) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case v.out <- b:
	default:
		s.dropped.Add(1)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
