package wschannel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solstice-social/solstice-calls/internal/auth"
	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/config"
	"github.com/solstice-social/solstice-calls/internal/metrics"
	"github.com/solstice-social/solstice-calls/internal/origin"
	"github.com/solstice-social/solstice-calls/internal/ratelimit"
	"github.com/solstice-social/solstice-calls/internal/signaling"
)

const wsWriteWait = 5 * time.Second

// Server fronts the shared signaling store for WebSocket clients.
//
// Each connection authenticates before its first operation, either through
// query parameters or a hello frame, and is then bound to one user identity.
// The server substitutes that identity for every actor-sensitive operation,
// so a client can never sign store writes as someone else.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	verifier auth.Verifier
	channel  signaling.Channel
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, channel signaling.Channel, m *metrics.Metrics) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		verifier: verifier,
		channel:  channel,
		metrics:  m,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		// Non-browser clients send no Origin; the auth handshake still applies.
		return true
	}
	normalized, ok := origin.Normalize(raw)
	if !ok || !origin.Allowed(normalized, s.cfg.AllowedOrigins) {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("rejecting websocket origin", "origin", raw)
		return false
	}
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		srv:     s,
		conn:    conn,
		log:     s.log.With("remote_addr", r.RemoteAddr),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan *Response, 64),
		watches: make(map[uint64]signaling.CancelFunc),
	}
	c.run(r)
}

type serverConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out chan *Response

	userID        string
	authenticated bool

	mu        sync.Mutex
	watches   map[uint64]signaling.CancelFunc
	nextWatch uint64
}

func (c *serverConn) run(r *http.Request) {
	defer func() {
		c.cancel()
		c.mu.Lock()
		for _, cancelWatch := range c.watches {
			cancelWatch()
		}
		c.watches = nil
		c.mu.Unlock()
		_ = c.conn.Close()
	}()

	go c.writePump()

	if cred, err := auth.CredentialFromQuery(c.srv.cfg.AuthMode, r.URL.Query()); err == nil {
		if err := c.srv.verifier.Verify(cred); err != nil {
			c.srv.metrics.Inc(metrics.AuthFailure)
			c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
			return
		}
		if userID := r.URL.Query().Get("userId"); userID != "" {
			c.userID = userID
			c.authenticated = true
		}
	} else if !errors.Is(err, auth.ErrMissingCredentials) {
		c.closeWith(websocket.CloseInternalServerErr, "invalid auth configuration")
		return
	}

	if !c.authenticated {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.SignalingAuthTimeout))
	}

	perSecond := int64(c.srv.cfg.MaxSignalingMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(nil, perSecond, perSecond)

	for {
		if !limiter.Allow() {
			c.srv.metrics.Inc(metrics.SignalRateLimit)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			if !c.authenticated && isTimeout(err) {
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, c.srv.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.srv.metrics.Inc(metrics.SignalOversized)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
				return
			}
			c.closeWith(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.closeWith(websocket.CloseUnsupportedData, "invalid message")
			return
		}
		if req.Version != ProtocolVersion {
			c.closeWith(websocket.ClosePolicyViolation, "unsupported protocol version")
			return
		}

		if !c.authenticated {
			if req.Op != OpHello {
				c.closeWith(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			if !c.handleHello(req) {
				return
			}
			_ = c.conn.SetReadDeadline(time.Time{})
			continue
		}

		c.dispatch(req)
	}
}

func (c *serverConn) handleHello(req Request) bool {
	cred, err := auth.CredentialFromHello(c.srv.cfg.AuthMode, req.APIKey)
	if err != nil {
		c.closeWith(websocket.ClosePolicyViolation, "missing credentials")
		return false
	}
	if err := c.srv.verifier.Verify(cred); err != nil {
		c.srv.metrics.Inc(metrics.AuthFailure)
		c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return false
	}
	if req.UserID == "" {
		c.closeWith(websocket.ClosePolicyViolation, "missing user id")
		return false
	}
	c.userID = req.UserID
	c.authenticated = true
	c.log = c.log.With("user_id", c.userID)
	c.send(&Response{Version: ProtocolVersion, ID: req.ID, Op: OpResult})
	return true
}

func (c *serverConn) dispatch(req Request) {
	resp := &Response{Version: ProtocolVersion, ID: req.ID, Op: OpResult}

	switch req.Op {
	case OpCreate:
		callID, err := c.srv.channel.CreateSession(c.ctx, c.userID, req.CalleeID, signaling.MediaKind(req.Kind))
		if err != nil {
			resp.Error = EncodeError(err)
		} else {
			resp.CallID = callID
		}

	case OpOffer:
		if err := c.srv.channel.PublishOffer(c.ctx, req.CallID, c.userID, req.Payload); err != nil {
			resp.Error = EncodeError(err)
		}

	case OpAnswer:
		if err := c.srv.channel.PublishAnswer(c.ctx, req.CallID, c.userID, req.Payload); err != nil {
			resp.Error = EncodeError(err)
		}

	case OpCandidate:
		if err := c.srv.channel.AppendCandidate(c.ctx, req.CallID, c.userID, req.Payload); err != nil {
			resp.Error = EncodeError(err)
		} else {
			c.srv.metrics.Inc(metrics.CandidateAppended)
		}

	case OpStatus:
		status := callstate.Status(req.Status)
		if err := c.srv.channel.SetStatus(c.ctx, req.CallID, c.userID, status); err != nil {
			resp.Error = EncodeError(err)
		}

	case OpWatchSession:
		events, cancel, err := c.srv.channel.WatchSession(c.ctx, req.CallID, c.userID)
		if err != nil {
			resp.Error = EncodeError(err)
			break
		}
		watchID := c.registerWatch(cancel)
		resp.WatchID = watchID
		c.send(resp)
		go c.forwardSessionEvents(watchID, events)
		return

	case OpWatchCandidates:
		candidates, cancel, err := c.srv.channel.WatchCandidates(c.ctx, req.CallID, c.userID, req.FromSenderID)
		if err != nil {
			resp.Error = EncodeError(err)
			break
		}
		watchID := c.registerWatch(cancel)
		resp.WatchID = watchID
		c.send(resp)
		go c.forwardCandidates(watchID, candidates)
		return

	case OpWatchIncoming:
		sessions, cancel, err := c.srv.channel.WatchIncoming(c.ctx, c.userID)
		if err != nil {
			resp.Error = EncodeError(err)
			break
		}
		watchID := c.registerWatch(cancel)
		resp.WatchID = watchID
		c.send(resp)
		go c.forwardIncoming(watchID, sessions)
		return

	case OpCancelWatch:
		c.mu.Lock()
		cancel, ok := c.watches[req.WatchID]
		delete(c.watches, req.WatchID)
		c.mu.Unlock()
		if ok {
			cancel()
		}

	case OpDeleteCandidates:
		if err := c.srv.channel.DeleteCandidates(c.ctx, req.CallID); err != nil {
			resp.Error = EncodeError(err)
		}

	default:
		resp.Error = &WireError{Code: CodeBadRequest, Message: "unknown op " + req.Op}
	}

	c.send(resp)
}

func (c *serverConn) registerWatch(cancel signaling.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatch++
	id := c.nextWatch
	if c.watches == nil {
		// Connection already tearing down; cancel immediately.
		cancel()
		return id
	}
	c.watches[id] = cancel
	return id
}

func (c *serverConn) forwardSessionEvents(watchID uint64, events <-chan signaling.SessionEvent) {
	for ev := range events {
		resp := &Response{Version: ProtocolVersion, Op: OpEvent, WatchID: watchID}
		if ev.Removed {
			resp.Event = EventRemoved
		} else {
			resp.Event = EventSession
			resp.Session = ev.Session
		}
		c.send(resp)
	}
}

func (c *serverConn) forwardCandidates(watchID uint64, candidates <-chan signaling.Candidate) {
	for cand := range candidates {
		cand := cand
		c.send(&Response{
			Version:   ProtocolVersion,
			Op:        OpEvent,
			WatchID:   watchID,
			Event:     EventCandidate,
			Candidate: &cand,
		})
	}
}

func (c *serverConn) forwardIncoming(watchID uint64, sessions <-chan *signaling.Session) {
	for sess := range sessions {
		c.send(&Response{
			Version: ProtocolVersion,
			Op:      OpEvent,
			WatchID: watchID,
			Event:   EventIncoming,
			Session: sess,
		})
	}
}

func (c *serverConn) send(resp *Response) {
	select {
	case c.out <- resp:
	case <-c.ctx.Done():
	}
}

func (c *serverConn) writePump() {
	for {
		select {
		case resp := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(resp); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *serverConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
