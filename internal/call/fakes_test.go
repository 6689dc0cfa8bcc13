package call

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type emitted struct {
	event   string
	payload json.RawMessage
}

type fakeHandler struct {
	id int
	fn func(json.RawMessage)
}

// fakeSignaler is an in-memory Signaler. fire delivers synchronously, the
// way the websocket read pump does.
type fakeSignaler struct {
	mu        sync.Mutex
	connected bool
	socketID  string
	emits     []emitted
	handlers  map[string][]fakeHandler
	nextID    int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{socketID: "self", handlers: make(map[string][]fakeHandler)}
}

func (f *fakeSignaler) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSignaler) SocketID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socketID
}

func (f *fakeSignaler) Status() (string, string) {
	if f.Connected() {
		return "connected", ""
	}
	return "disconnected", ""
}

func (f *fakeSignaler) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSignaler) Emit(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	b, _ := json.Marshal(payload)
	f.emits = append(f.emits, emitted{event: event, payload: b})
}

func (f *fakeSignaler) On(event string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[event] = append(f.handlers[event], fakeHandler{id: id, fn: fn})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.handlers[event]
		for i, h := range list {
			if h.id == id {
				f.handlers[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeSignaler) fire(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	f.mu.Lock()
	list := append([]fakeHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range list {
		h.fn(b)
	}
}

func (f *fakeSignaler) emitted(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// fakeTrack is a pion static track with the capture lifecycle bolted on.
type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	closed  atomic.Bool
	mu      sync.Mutex
	onEnded func(error)
}

func newFakeTrack(t *testing.T, kind webrtc.RTPCodecType, id string) *fakeTrack {
	t.Helper()
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == webrtc.RTPCodecTypeAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	tr, err := webrtc.NewTrackLocalStaticSample(capability, id, "stream-"+id)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return &fakeTrack{TrackLocalStaticSample: tr}
}

func (f *fakeTrack) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTrack) OnEnded(fn func(error)) {
	f.mu.Lock()
	f.onEnded = fn
	f.mu.Unlock()
}

// end simulates the source going away out of band.
func (f *fakeTrack) end() {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn(io.EOF)
	}
}

type fakeMedia struct {
	t *testing.T

	mu           sync.Mutex
	userCalls    int
	displayCalls int
	userErr      error
	displayErr   error
	cameras      [][]*fakeTrack
	screens      []*fakeTrack
}

func (f *fakeMedia) UserMedia(context.Context) ([]LocalTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	if f.userErr != nil {
		return nil, f.userErr
	}
	n := len(f.cameras)
	video := newFakeTrack(f.t, webrtc.RTPCodecTypeVideo, "cam-video-"+string(rune('a'+n)))
	audio := newFakeTrack(f.t, webrtc.RTPCodecTypeAudio, "cam-audio-"+string(rune('a'+n)))
	f.cameras = append(f.cameras, []*fakeTrack{video, audio})
	return []LocalTrack{video, audio}, nil
}

func (f *fakeMedia) DisplayMedia(context.Context) ([]LocalTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayCalls++
	if f.displayErr != nil {
		return nil, f.displayErr
	}
	screen := newFakeTrack(f.t, webrtc.RTPCodecTypeVideo, "screen-"+string(rune('a'+len(f.screens))))
	f.screens = append(f.screens, screen)
	return []LocalTrack{screen}, nil
}

func (f *fakeMedia) lastCamera() []*fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cameras) == 0 {
		return nil
	}
	return f.cameras[len(f.cameras)-1]
}

func (f *fakeMedia) lastScreen() *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.screens) == 0 {
		return nil
	}
	return f.screens[len(f.screens)-1]
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeSignaler, *fakeMedia) {
	t.Helper()
	sig := newFakeSignaler()
	media := &fakeMedia{t: t}
	opts.Logger = zerolog.New(io.Discard)
	m, err := New(sig, media, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m, sig, media
}

// inLoop runs fn on the manager's loop, where loop-owned state may be read.
func inLoop(t *testing.T, m *Manager, fn func()) {
	t.Helper()
	if err := m.do(fn); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// joinEmptyRoom connects, joins and acknowledges with an empty room.
func joinEmptyRoom(t *testing.T, m *Manager, sig *fakeSignaler) {
	t.Helper()
	sig.setConnected(true)
	if err := m.JoinRoom("ticket-42"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	sig.fire(t, "room-joined", map[string]any{
		"ticketId":     "ticket-42",
		"participants": []any{},
		"chatHistory":  []any{},
	})
}

func newRemotePC(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	api, err := defaultAPI()
	if err != nil {
		t.Fatal(err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

type wireSignal struct {
	TargetSocketID string `json:"targetSocketId"`
	Signal         struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"signal"`
}

func decodeWire(t *testing.T, raw json.RawMessage) wireSignal {
	t.Helper()
	var w wireSignal
	if err := json.Unmarshal(raw, &w); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return w
}

// answerLatestOffer has remote answer the last offer sent to target and
// delivers the answer back to the manager.
func answerLatestOffer(t *testing.T, sig *fakeSignaler, remote *webrtc.PeerConnection, target string) {
	t.Helper()
	offers := sig.emitted("offer")
	if len(offers) == 0 {
		t.Fatal("no offer emitted")
	}
	w := decodeWire(t, offers[len(offers)-1])
	if w.TargetSocketID != target {
		t.Fatalf("offer target = %q, want %q", w.TargetSocketID, target)
	}
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: w.Signal.SDP}); err != nil {
		t.Fatalf("remote SetRemoteDescription: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote CreateAnswer: %v", err)
	}
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote SetLocalDescription: %v", err)
	}
	sig.fire(t, "answer", map[string]any{
		"senderSocketId": target,
		"signal":         map[string]string{"type": "answer", "sdp": answer.SDP},
	})
}

// sendingTracks counts senders with a live track per kind.
func sendingTracks(pc *webrtc.PeerConnection) map[webrtc.RTPCodecType]int {
	out := map[webrtc.RTPCodecType]int{}
	for _, tr := range pc.GetTransceivers() {
		if s := tr.Sender(); s != nil && s.Track() != nil {
			out[tr.Kind()]++
		}
	}
	return out
}
