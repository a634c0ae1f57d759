package wschannel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/pump"
	"github.com/solstice-social/solstice-calls/internal/signaling"
)

// Options configures a client connection to the signaling server.
type Options struct {
	// URL of the signaling endpoint, e.g. ws://host:port/calls/signal.
	URL    string
	UserID string
	APIKey string
	Logger *slog.Logger
}

// Client speaks the wschannel protocol over one WebSocket connection and
// implements signaling.Channel. All operations share the connection; watches
// stay live until cancelled, the call ends, or the connection drops, at which
// point every watch channel is closed.
type Client struct {
	log    *slog.Logger
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	watches map[uint64]*clientWatch
	closed  bool

	closeOnce sync.Once
	readDone  chan struct{}
}

type pendingCall struct {
	ch    chan *Response
	watch *clientWatch
}

type clientWatch struct {
	id         uint64
	sessions   *pump.Pump[signaling.SessionEvent]
	candidates *pump.Pump[signaling.Candidate]
	incoming   *pump.Pump[*signaling.Session]
}

func (w *clientWatch) finish() {
	if w.sessions != nil {
		w.sessions.Finish()
	}
	if w.candidates != nil {
		w.candidates.Finish()
	}
	if w.incoming != nil {
		w.incoming.Finish()
	}
}

func (w *clientWatch) stop() {
	if w.sessions != nil {
		w.sessions.Stop()
	}
	if w.candidates != nil {
		w.candidates.Stop()
	}
	if w.incoming != nil {
		w.incoming.Stop()
	}
}

// Dial connects, authenticates with a hello frame, and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, signaling.ErrEmptyIdentity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		log:      logger,
		conn:     conn,
		userID:   opts.UserID,
		pending:  make(map[uint64]*pendingCall),
		watches:  make(map[uint64]*clientWatch),
		readDone: make(chan struct{}),
	}

	// Hello is exchanged synchronously before the read loop owns the
	// connection.
	hello := &Request{
		Version: ProtocolVersion,
		ID:      c.nextID.Add(1),
		Op:      OpHello,
		UserID:  opts.UserID,
		APIKey:  opts.APIKey,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	if err := c.writeJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	var helloResp Response
	if err := conn.ReadJSON(&helloResp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello response: %w", err)
	}
	if helloResp.Error != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello rejected: %w", DecodeError(helloResp.Error))
	}
	_ = conn.SetReadDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

// UserID reports the identity this connection is bound to.
func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) CreateSession(ctx context.Context, callerID, calleeID string, kind signaling.MediaKind) (string, error) {
	if callerID != c.userID {
		return "", fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	resp, err := c.roundTrip(ctx, &Request{Op: OpCreate, CalleeID: calleeID, Kind: string(kind)}, nil)
	if err != nil {
		return "", err
	}
	return resp.CallID, nil
}

func (c *Client) PublishOffer(ctx context.Context, callID, callerID, offer string) error {
	if callerID != c.userID {
		return fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	_, err := c.roundTrip(ctx, &Request{Op: OpOffer, CallID: callID, Payload: offer}, nil)
	return err
}

func (c *Client) PublishAnswer(ctx context.Context, callID, calleeID, answer string) error {
	if calleeID != c.userID {
		return fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	_, err := c.roundTrip(ctx, &Request{Op: OpAnswer, CallID: callID, Payload: answer}, nil)
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, callID, senderID, payload string) error {
	if senderID != c.userID {
		return fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	_, err := c.roundTrip(ctx, &Request{Op: OpCandidate, CallID: callID, Payload: payload}, nil)
	return err
}

func (c *Client) SetStatus(ctx context.Context, callID, actorID string, status callstate.Status) error {
	if actorID != c.userID {
		return fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	_, err := c.roundTrip(ctx, &Request{Op: OpStatus, CallID: callID, Status: string(status)}, nil)
	return err
}

func (c *Client) WatchSession(ctx context.Context, callID, actorID string) (<-chan signaling.SessionEvent, signaling.CancelFunc, error) {
	if actorID != c.userID {
		return nil, nil, fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	watch := &clientWatch{sessions: pump.New[signaling.SessionEvent]()}
	if _, err := c.roundTrip(ctx, &Request{Op: OpWatchSession, CallID: callID}, watch); err != nil {
		watch.stop()
		return nil, nil, err
	}
	return watch.sessions.Out(), c.cancelFunc(watch), nil
}

func (c *Client) WatchCandidates(ctx context.Context, callID, actorID, fromSenderID string) (<-chan signaling.Candidate, signaling.CancelFunc, error) {
	if actorID != c.userID {
		return nil, nil, fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	watch := &clientWatch{candidates: pump.New[signaling.Candidate]()}
	req := &Request{Op: OpWatchCandidates, CallID: callID, FromSenderID: fromSenderID}
	if _, err := c.roundTrip(ctx, req, watch); err != nil {
		watch.stop()
		return nil, nil, err
	}
	return watch.candidates.Out(), c.cancelFunc(watch), nil
}

func (c *Client) WatchIncoming(ctx context.Context, calleeID string) (<-chan *signaling.Session, signaling.CancelFunc, error) {
	if calleeID != c.userID {
		return nil, nil, fmt.Errorf("%w: connection is bound to %q", signaling.ErrNotAuthorized, c.userID)
	}
	watch := &clientWatch{incoming: pump.New[*signaling.Session]()}
	if _, err := c.roundTrip(ctx, &Request{Op: OpWatchIncoming}, watch); err != nil {
		watch.stop()
		return nil, nil, err
	}
	return watch.incoming.Out(), c.cancelFunc(watch), nil
}

func (c *Client) DeleteCandidates(ctx context.Context, callID string) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpDeleteCandidates, CallID: callID}, nil)
	return err
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) cancelFunc(w *clientWatch) signaling.CancelFunc {
	return func() {
		c.mu.Lock()
		if c.watches != nil && w.id != 0 {
			delete(c.watches, w.id)
		}
		closed := c.closed
		c.mu.Unlock()

		w.stop()
		if !closed && w.id != 0 {
			// Fire and forget; the unmatched result frame is dropped.
			req := &Request{Version: ProtocolVersion, ID: c.nextID.Add(1), Op: OpCancelWatch, WatchID: w.id}
			_ = c.writeJSON(req)
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req *Request, watch *clientWatch) (*Response, error) {
	req.Version = ProtocolVersion
	req.ID = c.nextID.Add(1)

	call := &pendingCall{ch: make(chan *Response, 1), watch: watch}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.ErrClosed
	}
	c.pending[req.ID] = call
	c.mu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", signaling.ErrClosed, err)
	}

	select {
	case resp := <-call.ch:
		if resp.Error != nil {
			return nil, DecodeError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.readDone:
		return nil, signaling.ErrClosed
	}
}

func (c *Client) writeJSON(req *Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(req)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		watches := c.watches
		c.watches = nil
		c.pending = nil
		c.mu.Unlock()

		close(c.readDone)
		for _, w := range watches {
			w.finish()
		}
		_ = c.conn.Close()
	}()

	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			return
		}

		switch resp.Op {
		case OpResult:
			c.mu.Lock()
			call, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
				if call.watch != nil && resp.Error == nil {
					call.watch.id = resp.WatchID
					c.watches[resp.WatchID] = call.watch
				}
			}
			c.mu.Unlock()
			if ok {
				call.ch <- &resp
			} else if resp.WatchID != 0 && resp.Error == nil {
				// The caller gave up on a watch request before its result
				// arrived; release the server-side watch it opened.
				cancel := &Request{Version: ProtocolVersion, ID: c.nextID.Add(1), Op: OpCancelWatch, WatchID: resp.WatchID}
				_ = c.writeJSON(cancel)
			}

		case OpEvent:
			c.mu.Lock()
			w := c.watches[resp.WatchID]
			c.mu.Unlock()
			if w == nil {
				continue
			}
			switch resp.Event {
			case EventSession:
				if w.sessions != nil {
					w.sessions.Push(signaling.SessionEvent{Session: resp.Session})
				}
			case EventRemoved:
				if w.sessions != nil {
					w.sessions.Push(signaling.SessionEvent{Removed: true})
				}
			case EventCandidate:
				if w.candidates != nil && resp.Candidate != nil {
					w.candidates.Push(*resp.Candidate)
				}
			case EventIncoming:
				if w.incoming != nil && resp.Session != nil {
					w.incoming.Push(resp.Session)
				}
			default:
				c.log.Warn("unknown push event", "event", resp.Event)
			}

		default:
			c.log.Warn("unknown frame op", "op", resp.Op)
		}
	}
}
