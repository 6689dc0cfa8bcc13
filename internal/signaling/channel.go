// Package signaling is a minimal Socket.IO v5 client over a single
// websocket. It connects to one namespace and exchanges JSON events.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ticketcall/internal/log"
)

var (
	ErrClosed            = errors.New("signaling: not connected")
	ErrHandshake         = errors.New("signaling: handshake failed")
	ErrNamespaceRejected = errors.New("signaling: namespace rejected")
)

// Local events dispatched to handlers alongside server events.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Disconnect reasons, as Socket.IO clients report them.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const maxMessageSize = 1 << 20

// Handler receives the first argument of an event (nil when absent).
type Handler = func(payload json.RawMessage)

type Options struct {
	URL              string
	Path             string
	Namespace        string
	Cookie           string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	SendBuffer       int
	Logger           zerolog.Logger
	Dialer           *websocket.Dialer
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Channel is the single logical connection to the signaling namespace.
// It never reconnects on its own; every reconnect is an explicit Connect.
type Channel struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	errMsg   string
	socketID string
	sess     *session
	gen      uint64

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
}

// session is one live websocket. A new one is created per Connect.
type session struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	writeMu   sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once

	// quit asks the write pump to flush and leave the namespace.
	quit     chan struct{}
	quitOnce sync.Once
	flushed  chan struct{}
}

func (s *session) write(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(msgType, data)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// enqueue never blocks. Frames are dropped when the session is gone or
// the buffer is full.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func New(opts Options) *Channel {
	if opts.Path == "" {
		opts.Path = "/socket.io/"
	}
	if opts.Namespace == "" {
		opts.Namespace = "/"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		opts:     opts,
		log:      opts.Logger,
		state:    StateDisconnected,
		handlers: make(map[string][]handlerEntry),
	}
}

// Connected reports whether the namespace handshake has completed and the
// transport is still up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// SocketID is the namespace socket id assigned by the server, or "".
func (c *Channel) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Status returns the connection state and the last error message.
func (c *Channel) Status() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.state), c.errMsg
}

// On registers fn for event and returns a func that removes it.
func (c *Channel) On(event string, fn Handler) func() {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		list := c.handlers[event]
		for i, h := range list {
			if h.id == id {
				c.handlers[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Off removes every handler registered for event.
func (c *Channel) Off(event string) {
	c.hmu.Lock()
	delete(c.handlers, event)
	c.hmu.Unlock()
}

func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.hmu.RLock()
	list := append([]handlerEntry(nil), c.handlers[event]...)
	c.hmu.RUnlock()

	if len(list) == 0 {
		c.log.Debug().Str(log.FieldEvent, event).Msg("no handler for event")
		return
	}
	for _, h := range list {
		h.fn(payload)
	}
}

func (c *Channel) dispatchJSON(event string, v any) {
	b, _ := json.Marshal(v)
	c.dispatch(event, b)
}

// Emit sends an event if connected. When disconnected, or when the send
// buffer is full, the event is dropped.
func (c *Channel) Emit(event string, payload any) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		c.log.Debug().Str(log.FieldEvent, event).Msg("emit dropped: not connected")
		return
	}
	frame, err := encodeEvent(c.opts.Namespace, event, payload)
	if err != nil {
		c.log.Warn().Err(err).Str(log.FieldEvent, event).Msg("emit dropped")
		return
	}
	if !s.enqueue(frame) {
		c.log.Warn().Str(log.FieldEvent, event).Msg("emit dropped: send buffer unavailable")
	}
}

// Connect establishes the transport and joins the namespace. It is a no-op
// while already connected or connecting.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	s, sid, pingDeadline, err := c.handshake(ctx)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
			c.errMsg = connectErrorMessage(err)
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("signaling connect failed")
		c.dispatchJSON(EventConnectError, map[string]string{"message": connectErrorMessage(err)})
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect was called while the handshake was in flight.
		c.mu.Unlock()
		s.close()
		return ErrClosed
	}
	c.state = StateConnected
	c.errMsg = ""
	c.socketID = sid
	c.sess = s
	c.mu.Unlock()

	go c.writePump(s)
	go c.readPump(s, pingDeadline)

	c.log.Info().Str(log.FieldSocketID, sid).Msg("signaling connected")
	c.dispatchJSON(EventConnect, map[string]string{"socketId": sid})
	return nil
}

func connectErrorMessage(err error) string {
	var nsErr *namespaceError
	if errors.As(err, &nsErr) {
		return nsErr.msg
	}
	return err.Error()
}

type namespaceError struct{ msg string }

func (e *namespaceError) Error() string { return ErrNamespaceRejected.Error() + ": " + e.msg }
func (e *namespaceError) Unwrap() error { return ErrNamespaceRejected }

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = c.opts.Path
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake dials the websocket, reads the Engine.IO open packet and
// completes the namespace connect. It returns the new session, the
// namespace socket id and the read deadline window derived from the
// server's ping settings.
func (c *Channel) handshake(ctx context.Context) (*session, string, time.Duration, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Cookie != "" {
		header.Set("Cookie", c.opts.Cookie)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, "", 0, fmt.Errorf("%w: dial %s: %v (status %d)", ErrHandshake, endpoint, err, resp.StatusCode)
		}
		return nil, "", 0, fmt.Errorf("%w: dial %s: %v", ErrHandshake, endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	fail := func(err error) (*session, string, time.Duration, error) {
		_ = conn.Close()
		return nil, "", 0, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.HandshakeTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fail(fmt.Errorf("%w: read open: %v", ErrHandshake, err))
	}
	if len(frame) == 0 || frame[0] != eioOpen {
		return fail(fmt.Errorf("%w: expected open packet, got %q", ErrHandshake, frame))
	}
	var open openPayload
	if err := json.Unmarshal(frame[1:], &open); err != nil {
		return fail(fmt.Errorf("%w: open payload: %v", ErrHandshake, err))
	}

	if err := conn.WriteMessage(websocket.TextMessage, encodeConnect(c.opts.Namespace)); err != nil {
		return fail(fmt.Errorf("%w: namespace connect: %v", ErrHandshake, err))
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("%w: await namespace ack: %v", ErrHandshake, err))
		}
		if len(frame) == 0 {
			continue
		}
		switch frame[0] {
		case eioPing:
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return fail(fmt.Errorf("%w: pong: %v", ErrHandshake, err))
			}
			continue
		case eioClose:
			return fail(fmt.Errorf("%w: server closed during handshake", ErrHandshake))
		case eioMessage:
		default:
			continue
		}

		p, err := decodePacket(frame[1:])
		if err != nil || p.Namespace != c.opts.Namespace {
			continue
		}
		switch p.Type {
		case sioConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			if len(p.Data) > 0 {
				_ = json.Unmarshal(p.Data, &ack)
			}
			_ = conn.SetWriteDeadline(time.Time{})
			window := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
			if window <= 0 {
				window = 45 * time.Second
			}
			_ = conn.SetReadDeadline(time.Now().Add(window))
			return &session{
				conn:      conn,
				send:      make(chan []byte, c.opts.SendBuffer),
				done:      make(chan struct{}),
				writeWait: c.opts.WriteWait,
				quit:      make(chan struct{}),
				flushed:   make(chan struct{}),
			}, ack.SID, window, nil
		case sioConnectError:
			return fail(&namespaceError{msg: p.errorMessage()})
		}
	}
}

// readPump owns the read side of s until the transport ends.
func (c *Channel) readPump(s *session, window time.Duration) {
	reason := ReasonTransportClose
	defer func() { c.teardown(s, reason) }()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-s.quit:
				// Our own Disconnect is closing the transport.
				reason = ReasonClientDisconnect
				return
			default:
			}
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				reason = ReasonPingTimeout
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = ReasonTransportError
				c.log.Warn().Err(err).Msg("signaling transport error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(window))
		if len(frame) == 0 {
			continue
		}

		switch frame[0] {
		case eioPing:
			s.enqueue([]byte{eioPong})
		case eioClose:
			return
		case eioNoop, eioPong:
		case eioMessage:
			if c.handleMessage(s, frame[1:]) {
				reason = ReasonServerDisconnect
				return
			}
		default:
			c.log.Debug().Str("frame", string(frame)).Msg("unknown engine.io packet")
		}
	}
}

// handleMessage processes one Socket.IO packet and reports whether the
// server disconnected the namespace.
func (c *Channel) handleMessage(s *session, b []byte) bool {
	p, err := decodePacket(b)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed packet")
		return false
	}
	if p.Namespace != c.opts.Namespace {
		return false
	}

	switch p.Type {
	case sioEvent:
		name, payload, err := p.event()
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed event")
			return false
		}
		c.dispatch(name, payload)
	case sioDisconnect:
		return true
	case sioConnectError:
		msg := p.errorMessage()
		c.mu.Lock()
		if c.sess == s {
			c.errMsg = msg
		}
		c.mu.Unlock()
		c.dispatchJSON(EventConnectError, map[string]string{"message": msg})
	case sioAck, sioConnect:
	}
	return false
}

// writePump owns all queued writes for s.
func (c *Channel) writePump(s *session) {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				c.log.Warn().Err(err).Msg("signaling write failed")
				c.teardown(s, ReasonTransportError)
				return
			}
		case <-s.quit:
			c.flush(s)
			close(s.flushed)
			return
		case <-s.done:
			return
		}
	}
}

// flush writes whatever is still queued, then the namespace disconnect and
// a close frame.
func (c *Channel) flush(s *session) {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
			continue
		default:
		}
		break
	}
	_ = s.write(websocket.TextMessage, encodeDisconnect(c.opts.Namespace))
	_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// teardown retires s once. Only the first caller for the current session
// updates state and emits the local disconnect event.
func (c *Channel) teardown(s *session, reason string) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		s.close()
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	c.socketID = ""
	switch reason {
	case ReasonClientDisconnect:
	case ReasonServerDisconnect:
		c.errMsg = "disconnected by server"
	default:
		c.errMsg = "connection lost: " + reason
	}
	c.mu.Unlock()

	s.close()
	c.log.Info().Str("reason", reason).Msg("signaling disconnected")
	c.dispatchJSON(EventDisconnect, map[string]string{"reason": reason})
}

// Disconnect leaves the namespace and closes the transport. Safe to call
// when already disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		if c.state == StateConnecting {
			c.gen++
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Queued events (a final leave-room) go out before the disconnect.
	s.quitOnce.Do(func() { close(s.quit) })
	select {
	case <-s.flushed:
	case <-s.done:
	case <-time.After(2 * s.writeWait):
	}
	c.teardown(s, ReasonClientDisconnect)
}
