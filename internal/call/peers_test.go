package call

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	m, sig, _ := newTestManager(t, Options{})
	sig.setConnected(true)
	if err := m.JoinRoom("ticket-42"); err != nil {
		t.Fatal(err)
	}
	// We are the newcomer; "remote" is already in the room and will offer.
	sig.fire(t, "room-joined", map[string]any{
		"ticketId":     "ticket-42",
		"participants": []any{map[string]any{"socketId": "remote", "user": map[string]any{"id": "u9", "name": "Rae"}}},
		"chatHistory":  []any{},
	})

	var applied []string
	inLoop(t, m, func() {
		m.addICECandidate = func(_ *webrtc.PeerConnection, c webrtc.ICECandidateInit) error {
			applied = append(applied, c.Candidate)
			return nil
		}
	})

	want := []string{"cand-1", "cand-2", "cand-3"}
	for _, c := range want {
		sig.fire(t, "ice-candidate", map[string]any{
			"senderSocketId": "remote",
			"signal":         map[string]any{"candidate": c, "sdpMid": "0", "sdpMLineIndex": 0, "usernameFragment": "uf"},
		})
	}
	inLoop(t, m, func() {
		if len(applied) != 0 {
			t.Errorf("applied before remote description: %v", applied)
		}
		if len(m.pending["remote"]) != 3 {
			t.Errorf("pending = %d, want 3", len(m.pending["remote"]))
		}
	})

	remote := newRemotePC(t)
	if _, err := remote.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatal(err)
	}
	if _, err := remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatal(err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	sig.fire(t, "offer", map[string]any{
		"senderSocketId": "remote",
		"signal":         map[string]string{"type": "offer", "sdp": offer.SDP},
	})

	inLoop(t, m, func() {
		if len(applied) != len(want) {
			t.Fatalf("applied = %v", applied)
		}
		for i := range want {
			if applied[i] != want[i] {
				t.Errorf("applied[%d] = %q, want %q", i, applied[i], want[i])
			}
		}
		if _, ok := m.pending["remote"]; ok {
			t.Error("pending queue not removed after drain")
		}
		p := m.peers["remote"]
		if p == nil || p.initiator {
			t.Fatalf("expected answering peer, got %+v", p)
		}
	})

	answers := sig.emitted("answer")
	if len(answers) != 1 {
		t.Fatalf("answers = %d", len(answers))
	}
	w := decodeWire(t, answers[0])
	if w.TargetSocketID != "remote" || w.Signal.Type != "answer" || w.Signal.SDP == "" {
		t.Fatalf("answer = %+v", w)
	}
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: w.Signal.SDP}); err != nil {
		t.Fatalf("remote rejected our answer: %v", err)
	}

	// Now that a remote description exists, candidates apply immediately.
	sig.fire(t, "ice-candidate", map[string]any{
		"senderSocketId": "remote",
		"signal":         map[string]any{"candidate": "cand-4", "sdpMid": "0", "sdpMLineIndex": 0},
	})
	inLoop(t, m, func() {
		if len(applied) != 4 || applied[3] != "cand-4" {
			t.Errorf("applied = %v", applied)
		}
	})
}

func TestOfferAnswerRoundTripWithRealPeer(t *testing.T) {
	m, sig, _ := newTestManager(t, Options{})
	joinEmptyRoom(t, m, sig)
	sig.fire(t, "user-joined", map[string]any{"socketId": "abc", "user": map[string]any{"id": "u1", "name": "Ann"}})

	remote := newRemotePC(t)
	answerLatestOffer(t, sig, remote, "abc")

	inLoop(t, m, func() {
		p := m.peers["abc"]
		if p == nil {
			t.Fatal("peer missing")
		}
		if p.pc.RemoteDescription() == nil {
			t.Error("answer not applied")
		}
		if p.pc.SignalingState() != webrtc.SignalingStateStable {
			t.Errorf("signaling state = %s", p.pc.SignalingState())
		}
	})
}

func TestLocalCandidatesCarryOnlySerializableFields(t *testing.T) {
	m, sig, _ := newTestManager(t, Options{})
	joinEmptyRoom(t, m, sig)
	sig.fire(t, "user-joined", map[string]any{"socketId": "abc", "user": map[string]any{"id": "u1", "name": "Ann"}})

	waitFor(t, "a local ICE candidate", func() bool { return len(sig.emitted("ice-candidate")) > 0 })

	var msg struct {
		TargetSocketID string                     `json:"targetSocketId"`
		Signal         map[string]json.RawMessage `json:"signal"`
	}
	if err := json.Unmarshal(sig.emitted("ice-candidate")[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.TargetSocketID != "abc" {
		t.Fatalf("target = %q", msg.TargetSocketID)
	}
	allowed := map[string]bool{"candidate": true, "sdpMid": true, "sdpMLineIndex": true, "usernameFragment": true}
	for k := range msg.Signal {
		if !allowed[k] {
			t.Errorf("unexpected candidate field %q", k)
		}
	}
	if _, ok := msg.Signal["candidate"]; !ok {
		t.Error("candidate string missing")
	}
}

func TestAnswerForUnknownPeerIsIgnored(t *testing.T) {
	m, sig, _ := newTestManager(t, Options{})
	joinEmptyRoom(t, m, sig)
	sig.fire(t, "answer", map[string]any{"senderSocketId": "ghost", "signal": map[string]string{"type": "answer", "sdp": "v=0"}})
	if st := m.Snapshot(); len(st.Peers) != 0 {
		t.Fatalf("peers = %d", len(st.Peers))
	}
}

func TestBadOfferLogsErrorWithoutTeardown(t *testing.T) {
	m, sig, _ := newTestManager(t, Options{})
	joinEmptyRoom(t, m, sig)
	sig.fire(t, "user-joined", map[string]any{"socketId": "abc", "user": map[string]any{"id": "u1", "name": "Ann"}})

	sig.fire(t, "answer", map[string]any{"senderSocketId": "abc", "signal": map[string]string{"type": "answer", "sdp": "garbage"}})

	st := m.Snapshot()
	if len(st.Peers) != 1 {
		t.Fatal("SDP errors must not tear the peer down")
	}
	found := false
	for _, e := range st.EventLog {
		if e.Type == EventError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error entry in the event log")
	}
}
