package call

import (
	"github.com/pion/webrtc/v4"
)

// addRecvOnlyTransceiver adds a recvonly transceiver so the offer carries an
// m-line for kind even when nothing of that kind is sent. A later AddTrack of
// the same kind reuses it.
func addRecvOnlyTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	_, _ = pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
}

// senderFor returns the first sender of kind, or nil. A sender whose track
// was detached (nil) still counts.
func senderFor(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) *webrtc.RTPSender {
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() == kind && tr.Sender() != nil {
			return tr.Sender()
		}
	}
	return nil
}

// senderHolding returns the sender currently sending t, or nil.
func senderHolding(pc *webrtc.PeerConnection, t LocalTrack) *webrtc.RTPSender {
	for _, tr := range pc.GetTransceivers() {
		if s := tr.Sender(); s != nil && s.Track() == webrtc.TrackLocal(t) {
			return s
		}
	}
	return nil
}

func trackOfKind(tracks []LocalTrack, kind webrtc.RTPCodecType) LocalTrack {
	for _, t := range tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func closeTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// outgoingTracks is what a new peer connection should send: the screen
// video while sharing (else camera video) plus camera audio.
func (m *Manager) outgoingTracks() []LocalTrack {
	var out []LocalTrack
	if v := trackOfKind(m.screen, webrtc.RTPCodecTypeVideo); v != nil {
		out = append(out, v)
	} else if v := trackOfKind(m.camera, webrtc.RTPCodecTypeVideo); v != nil {
		out = append(out, v)
	}
	if a := trackOfKind(m.camera, webrtc.RTPCodecTypeAudio); a != nil {
		out = append(out, a)
	}
	return out
}

// addSender adds t to p and starts draining the sender's RTCP.
func (m *Manager) addSender(p *peer, t LocalTrack) bool {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		m.logEvent(EventError, "Failed to add "+t.Kind().String()+" track for "+m.peerLabel(p)+": "+err.Error())
		return false
	}
	go drainRTCP(p, sender)
	return true
}

func (m *Manager) mediaState() MediaState {
	return MediaState{
		HasVideo:        trackOfKind(m.camera, webrtc.RTPCodecTypeVideo) != nil,
		HasAudio:        trackOfKind(m.camera, webrtc.RTPCodecTypeAudio) != nil,
		IsSharingScreen: len(m.screen) > 0,
	}
}
