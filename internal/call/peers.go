package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/ticketcall/internal/log"
)

// peer is one registry entry. The loop owns every field except the
// counters, which pion goroutines update.
type peer struct {
	id        string
	userName  string
	initiator bool
	pc        *webrtc.PeerConnection
	streamID  string

	tracksMu sync.Mutex
	tracks   []*remoteTrack

	pli  atomic.Uint64
	nack atomic.Uint64
}

type remoteTrack struct {
	id      string
	kind    string
	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

func (p *peer) status() PeerStatus {
	st := PeerStatus{
		SocketID:        p.id,
		UserName:        p.userName,
		Initiator:       p.initiator,
		ConnectionState: p.pc.ConnectionState().String(),
		SignalingState:  p.pc.SignalingState().String(),
		StreamID:        p.streamID,
		PLIReceived:     p.pli.Load(),
		NACKReceived:    p.nack.Load(),
	}
	p.tracksMu.Lock()
	for _, t := range p.tracks {
		st.RemoteTracks = append(st.RemoteTracks, TrackStats{
			ID:           t.id,
			Kind:         t.kind,
			Packets:      t.packets.Load(),
			Bytes:        t.bytes.Load(),
			LastSequence: uint16(t.lastSeq.Load()),
		})
	}
	p.tracksMu.Unlock()
	return st
}

// Wire payloads. Only serializable fields travel, never pion objects.
type sdpSignal struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type outboundSignal struct {
	TargetSocketID string `json:"targetSocketId"`
	Signal         any    `json:"signal"`
}

type inboundSignal struct {
	SenderSocketID string          `json:"senderSocketId"`
	Signal         json.RawMessage `json:"signal"`
}

// live reports whether p is still the registered entry for its id.
func (m *Manager) live(p *peer) bool {
	return m.peers[p.id] == p
}

func (m *Manager) inRoster(socketID string) bool {
	for _, pt := range m.participants {
		if pt.SocketID == socketID {
			return true
		}
	}
	return false
}

func (m *Manager) userNameFor(socketID string) string {
	for _, pt := range m.participants {
		if pt.SocketID == socketID {
			return pt.User.Name
		}
	}
	return ""
}

// createPeer builds and registers the peer connection for remoteID, or
// returns the existing one. Local tracks are attached before the initial
// offer, so the offer is created as soon as wiring is done.
func (m *Manager) createPeer(remoteID string, initiator bool, userName string) *peer {
	if p, ok := m.peers[remoteID]; ok {
		return p
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.ice})
	if err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to create peer connection for %s: %v", remoteID, err))
		return nil
	}
	p := &peer{id: remoteID, userName: userName, initiator: initiator, pc: pc}
	m.peers[remoteID] = p
	m.wirePeer(p)

	// Video carries the screen while sharing, else the camera.
	for _, t := range m.outgoingTracks() {
		m.addSender(p, t)
	}

	if initiator {
		// Ask for both kinds even when we send nothing of that kind.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if senderFor(pc, kind) == nil {
				addRecvOnlyTransceiver(pc, kind)
			}
		}
		m.negotiate(p)
	}
	m.log.Debug().Str(log.FieldSocketID, remoteID).Bool("initiator", initiator).Msg("peer connection created")
	return p
}

func (m *Manager) wirePeer(p *peer) {
	pc := p.pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.post(func() {
			if !m.live(p) {
				return
			}
			m.sig.Emit("ice-candidate", outboundSignal{TargetSocketID: p.id, Signal: init})
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{id: track.ID(), kind: track.Kind().String()}
		p.tracksMu.Lock()
		p.tracks = append(p.tracks, rt)
		p.tracksMu.Unlock()

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a keyframe so the first frames render.
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
				m.log.Debug().Err(err).Str(log.FieldSocketID, p.id).Msg("PLI write failed")
			}
		}
		go readRemote(track, rt)

		streamID := track.StreamID()
		m.post(func() {
			if !m.live(p) {
				return
			}
			if streamID == "" {
				streamID = "remote-" + p.id
			}
			if p.streamID == "" {
				p.streamID = streamID
			}
			m.logEvent(EventInfo, fmt.Sprintf("Receiving %s from %s", rt.kind, m.peerLabel(p)))
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func() {
			if !m.live(p) {
				return
			}
			m.logEvent(EventConnection, fmt.Sprintf("Connection to %s: %s", m.peerLabel(p), s))
			if s == webrtc.PeerConnectionStateFailed {
				m.logEvent(EventError, fmt.Sprintf("Connection to %s failed", m.peerLabel(p)))
			}
		})
	})
}

func (m *Manager) peerLabel(p *peer) string {
	if p.userName != "" {
		return p.userName
	}
	return p.id
}

// readRemote counts RTP on a remote track until it ends.
func readRemote(track *webrtc.TrackRemote, rt *remoteTrack) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		rt.packets.Add(1)
		rt.bytes.Add(uint64(len(pkt.Payload)))
		rt.lastSeq.Store(uint32(pkt.SequenceNumber))
	}
}

// drainRTCP reads sender RTCP so interceptors keep running, noting
// keyframe and retransmission requests from the remote.
func drainRTCP(p *peer, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.pli.Add(1)
			case *rtcp.TransportLayerNack:
				p.nack.Add(1)
			}
		}
	}
}

// negotiate creates an offer, applies it locally and sends it.
func (m *Manager) negotiate(p *peer) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to create offer for %s: %v", m.peerLabel(p), err))
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to set local offer for %s: %v", m.peerLabel(p), err))
		return
	}
	m.sig.Emit("offer", outboundSignal{
		TargetSocketID: p.id,
		Signal:         sdpSignal{Type: offer.Type.String(), SDP: offer.SDP},
	})
}

func (m *Manager) closePeer(remoteID string) {
	p, ok := m.peers[remoteID]
	delete(m.peers, remoteID)
	delete(m.pending, remoteID)
	if !ok {
		return
	}
	if err := p.pc.Close(); err != nil {
		m.log.Debug().Err(err).Str(log.FieldSocketID, remoteID).Msg("peer close")
	}
}

func (m *Manager) closeAllPeers() {
	for id := range m.peers {
		m.closePeer(id)
	}
	clear(m.pending)
}

func decodeSignal(raw json.RawMessage) (inboundSignal, bool) {
	var in inboundSignal
	if err := json.Unmarshal(raw, &in); err != nil || in.SenderSocketID == "" {
		return in, false
	}
	return in, true
}

func (m *Manager) handleOffer(raw json.RawMessage) {
	in, ok := decodeSignal(raw)
	if !ok {
		m.log.Warn().Msg("dropping malformed offer")
		return
	}
	if m.room == RoomIdle {
		m.log.Debug().Str(log.FieldSocketID, in.SenderSocketID).Msg("offer outside a room")
		return
	}
	var sig sdpSignal
	if err := json.Unmarshal(in.Signal, &sig); err != nil || sig.SDP == "" {
		m.logEvent(EventError, fmt.Sprintf("Invalid offer from %s", in.SenderSocketID))
		return
	}

	p := m.peers[in.SenderSocketID]
	if p == nil {
		if p = m.createPeer(in.SenderSocketID, false, m.userNameFor(in.SenderSocketID)); p == nil {
			return
		}
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to apply offer from %s: %v", m.peerLabel(p), err))
		return
	}
	m.drainPending(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to create answer for %s: %v", m.peerLabel(p), err))
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to set local answer for %s: %v", m.peerLabel(p), err))
		return
	}
	m.sig.Emit("answer", outboundSignal{
		TargetSocketID: p.id,
		Signal:         sdpSignal{Type: answer.Type.String(), SDP: answer.SDP},
	})
}

func (m *Manager) handleAnswer(raw json.RawMessage) {
	in, ok := decodeSignal(raw)
	if !ok {
		m.log.Warn().Msg("dropping malformed answer")
		return
	}
	p := m.peers[in.SenderSocketID]
	if p == nil {
		m.log.Warn().Str(log.FieldSocketID, in.SenderSocketID).Msg("answer for unknown peer")
		return
	}
	var sig sdpSignal
	if err := json.Unmarshal(in.Signal, &sig); err != nil || sig.SDP == "" {
		m.logEvent(EventError, fmt.Sprintf("Invalid answer from %s", m.peerLabel(p)))
		return
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		m.logEvent(EventError, fmt.Sprintf("Failed to apply answer from %s: %v", m.peerLabel(p), err))
		return
	}
	m.drainPending(p)
}

// handleRemoteCandidate applies a candidate once the remote description is
// set and queues it before that. Candidates from senders that are neither
// registered nor on the roster are dropped.
func (m *Manager) handleRemoteCandidate(raw json.RawMessage) {
	in, ok := decodeSignal(raw)
	if !ok {
		m.log.Warn().Msg("dropping malformed ice-candidate")
		return
	}
	if m.room == RoomIdle {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(in.Signal, &c); err != nil {
		m.log.Warn().Err(err).Str(log.FieldSocketID, in.SenderSocketID).Msg("dropping malformed candidate")
		return
	}

	p := m.peers[in.SenderSocketID]
	if p == nil && !m.inRoster(in.SenderSocketID) {
		// Sent before the peer left; nothing would ever drain it.
		m.log.Debug().Str(log.FieldSocketID, in.SenderSocketID).Msg("candidate from unknown peer dropped")
		return
	}
	if p == nil || p.pc.RemoteDescription() == nil {
		m.pending[in.SenderSocketID] = append(m.pending[in.SenderSocketID], c)
		return
	}
	m.applyCandidate(p, c)
}

func (m *Manager) applyCandidate(p *peer, c webrtc.ICECandidateInit) {
	if err := m.addICECandidate(p.pc, c); err != nil {
		m.logEvent(EventWarning, fmt.Sprintf("Failed to add ICE candidate from %s: %v", m.peerLabel(p), err))
	}
}

// drainPending applies queued candidates in receipt order and removes the
// queue.
func (m *Manager) drainPending(p *peer) {
	queued := m.pending[p.id]
	delete(m.pending, p.id)
	for _, c := range queued {
		m.applyCandidate(p, c)
	}
}
