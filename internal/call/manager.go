// Package call is a WebRTC mesh call client: one pion PeerConnection per
// remote participant, negotiated over a Socket.IO signaling channel.
//
// All call state is owned by a single event-loop goroutine inside Manager.
// Signaling handlers and UI actions run on it synchronously; pion callbacks
// are posted to it and never block.
package call

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ticketcall/internal/util"
)

const statsInterval = time.Second

type Options struct {
	// API builds peer connections. Nil means default codecs and interceptors.
	API        *webrtc.API
	ICEServers []string
	Logger     zerolog.Logger

	EventLogCapacity int

	// RenegotiateOnStop sends a fresh offer after stopVideo detaches the
	// camera tracks. Starting video always renegotiates.
	RenegotiateOnStop bool

	Now func() time.Time
}

// Manager owns the room session, the peer registry and local media.
type Manager struct {
	sig   Signaler
	media MediaSource
	opts  Options
	api   *webrtc.API
	ice   []webrtc.ICEServer
	log   zerolog.Logger
	now   func() time.Time

	// mailbox
	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	closed   bool
	done     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	offs      []func()

	snapMu sync.RWMutex
	snap   State

	listenersMu  sync.Mutex
	listeners    map[int]chan State
	nextListener int

	// Owned by the loop goroutine.
	room         RoomState
	ticketID     string
	participants []Participant
	peers        map[string]*peer
	pending      map[string][]webrtc.ICECandidateInit
	camera       []LocalTrack
	screen       []LocalTrack
	screenGen    uint64
	chat         []ChatMessage
	events       *util.RingBuffer[EventLogEntry]
	err          string

	addICECandidate func(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) error
}

// New creates a Manager bound to sig and starts its event loop.
func New(sig Signaler, media MediaSource, opts Options) (*Manager, error) {
	api := opts.API
	if api == nil {
		var err error
		if api, err = defaultAPI(); err != nil {
			return nil, err
		}
	}
	if opts.EventLogCapacity <= 0 {
		opts.EventLogCapacity = 200
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var ice []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: append([]string(nil), opts.ICEServers...)}}
	}

	m := &Manager{
		sig:       sig,
		media:     media,
		opts:      opts,
		api:       api,
		ice:       ice,
		log:       opts.Logger,
		now:       now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		listeners: make(map[int]chan State),
		room:      RoomIdle,
		peers:     make(map[string]*peer),
		pending:   make(map[string][]webrtc.ICECandidateInit),
		events:    util.NewRingBuffer[EventLogEntry](opts.EventLogCapacity),
		addICECandidate: func(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) error {
			return pc.AddICECandidate(c)
		},
	}
	m.publish()
	m.bind()
	go m.loop()
	return m, nil
}

func defaultAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

// bind subscribes to every signaling event the manager handles. Server
// events run synchronously so their order is preserved; local channel
// events are posted because Connect and Disconnect dispatch them from
// arbitrary goroutines.
func (m *Manager) bind() {
	ordered := map[string]func(json.RawMessage){
		"room-joined":          m.handleRoomJoined,
		"user-joined":          m.handleUserJoined,
		"user-left":            m.handleUserLeft,
		"room-left":            m.handleRoomLeft,
		"room-closed":          m.handleRoomClosed,
		"error":                m.handleServerError,
		"offer":                m.handleOffer,
		"answer":               m.handleAnswer,
		"ice-candidate":        m.handleRemoteCandidate,
		"chat-message":         m.handleChatMessage,
		"screen-share-started": func(p json.RawMessage) { m.handleRemoteScreenShare(p, true) },
		"screen-share-stopped": func(p json.RawMessage) { m.handleRemoteScreenShare(p, false) },
	}
	for event, fn := range ordered {
		fn := fn
		m.offs = append(m.offs, m.sig.On(event, func(p json.RawMessage) {
			_ = m.do(func() { fn(p) })
		}))
	}

	posted := map[string]func(json.RawMessage){
		"connect":       m.handleConnect,
		"disconnect":    m.handleDisconnect,
		"connect_error": m.handleConnectError,
	}
	for event, fn := range posted {
		fn := fn
		m.offs = append(m.offs, m.sig.On(event, func(p json.RawMessage) {
			m.post(func() { fn(p) })
		}))
	}
}

// post queues fn for the loop without waiting. Dropped after Close.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it, so a Snapshot taken afterwards
// reflects fn. Must not be called from the loop.
func (m *Manager) do(fn func()) error {
	ran := make(chan struct{})
	if !m.post(func() {
		defer close(ran)
		fn()
		m.publish()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.loopDone:
		// The loop may have finished fn just before exiting.
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (m *Manager) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

func (m *Manager) loop() {
	defer close(m.loopDone)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if len(m.peers) > 0 {
				m.publish()
			}
			continue
		case <-m.wake:
		}

		for {
			tasks := m.take()
			if len(tasks) == 0 {
				break
			}
			for _, fn := range tasks {
				fn()
			}
		}
		m.publish()
	}
}

// Close leaves the room, releases media and stops the loop. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		for _, off := range m.offs {
			off()
		}
		_ = m.do(func() {
			if m.room != RoomIdle {
				m.room = RoomLeaving
				m.sig.Emit("leave-room", nil)
			}
			m.teardown()
		})

		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)
		<-m.loopDone

		m.listenersMu.Lock()
		for _, ch := range m.listeners {
			close(ch)
		}
		m.listeners = nil
		m.listenersMu.Unlock()
	})
}

func (m *Manager) setError(msg string) {
	m.err = msg
}

// Snapshot returns the state as of the last processed event.
func (m *Manager) Snapshot() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Subscribe returns a channel that receives a fresh snapshot after every
// processed event. Slow readers only ever see the latest one.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- m.Snapshot()

	m.listenersMu.Lock()
	if m.listeners == nil {
		m.listenersMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = ch
	m.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.listenersMu.Lock()
			if _, ok := m.listeners[id]; ok {
				delete(m.listeners, id)
				close(ch)
			}
			m.listenersMu.Unlock()
		})
	}
}

// publish builds a snapshot from loop-owned state. Loop only (and New).
func (m *Manager) publish() {
	connState, connErr := m.sig.Status()
	s := State{
		ConnectionState: connState,
		ConnectionError: connErr,
		SocketID:        m.sig.SocketID(),
		RoomState:       m.room,
		TicketID:        m.ticketID,
		Media:           m.mediaState(),
		Participants:    append([]Participant{}, m.participants...),
		Peers:           m.peerStatuses(),
		Chat:            append([]ChatMessage{}, m.chat...),
		EventLog:        m.events.Snapshot(),
		Error:           m.err,
	}

	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()

	m.listenersMu.Lock()
	for _, ch := range m.listeners {
		select {
		case ch <- s:
		default:
			// Replace the stale snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	m.listenersMu.Unlock()
}

func (m *Manager) peerStatuses() []PeerStatus {
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}
