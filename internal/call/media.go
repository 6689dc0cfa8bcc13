package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/ticketcall/internal/log"
)

// StartVideo acquires camera and microphone and sends them to every peer.
// Calling it while the camera is held is a no-op.
func (m *Manager) StartVideo(ctx context.Context) error {
	var held bool
	if err := m.do(func() { held = len(m.camera) > 0 }); err != nil {
		return err
	}
	if held {
		return nil
	}

	// Acquisition may block on a device, so it runs off the loop.
	tracks, err := m.media.UserMedia(ctx)
	if err == nil && len(tracks) == 0 {
		err = errors.New("no tracks")
	}
	if err != nil {
		err = fmt.Errorf("%w: camera/microphone: %v", ErrMediaUnavailable, err)
		_ = m.do(func() {
			m.setError("Could not access camera or microphone: " + err.Error())
			m.logEvent(EventError, err.Error())
		})
		return err
	}

	var applied bool
	doErr := m.do(func() { applied = m.applyCamera(tracks) })
	if !applied {
		// Closed meanwhile, or a concurrent call won.
		closeTracks(tracks)
	}
	return doErr
}

func (m *Manager) applyCamera(tracks []LocalTrack) bool {
	if len(m.camera) > 0 {
		return false
	}
	m.camera = tracks
	for _, t := range tracks {
		t := t
		t.OnEnded(func(err error) {
			m.post(func() {
				if trackOfKind(m.camera, t.Kind()) != t {
					return
				}
				msg := "Local " + t.Kind().String() + " track ended"
				if err != nil {
					msg += ": " + err.Error()
				}
				m.logEvent(EventWarning, msg)
			})
		})
	}

	for _, p := range m.peers {
		if m.attachCamera(p) {
			m.negotiate(p)
		}
	}
	m.logEvent(EventSuccess, "Camera and microphone started")
	return true
}

// attachCamera makes p send each camera track whose kind it is not already
// sending. It reports whether a new sender was added, which needs a
// renegotiation; reusing a detached sender does not.
func (m *Manager) attachCamera(p *peer) bool {
	added := false
	for _, t := range m.camera {
		kind := t.Kind()
		if kind == webrtc.RTPCodecTypeVideo && len(m.screen) > 0 {
			// The screen owns the video sender until sharing stops.
			continue
		}
		s := senderFor(p.pc, kind)
		switch {
		case s == nil:
			if m.addSender(p, t) {
				added = true
			}
		case s.Track() == nil:
			if err := s.ReplaceTrack(t); err != nil {
				m.logEvent(EventError, fmt.Sprintf("Failed to attach %s for %s: %v", kind, m.peerLabel(p), err))
			}
		}
	}
	return added
}

// StopVideo releases camera and microphone. Senders are detached so a later
// StartVideo reuses them.
func (m *Manager) StopVideo() error {
	return m.do(m.stopVideo)
}

func (m *Manager) stopVideo() {
	if len(m.camera) == 0 {
		return
	}
	for _, p := range m.peers {
		for _, t := range m.camera {
			if s := senderHolding(p.pc, t); s != nil {
				if err := s.ReplaceTrack(nil); err != nil {
					m.log.Debug().Err(err).Str(log.FieldSocketID, p.id).Msg("detach camera track")
				}
			}
		}
	}
	closeTracks(m.camera)
	m.camera = nil

	if m.opts.RenegotiateOnStop {
		for _, p := range m.peers {
			m.negotiate(p)
		}
	}
	m.logEvent(EventInfo, "Camera and microphone stopped")
}

// ShareScreen acquires a display capture and swaps it in as the outgoing
// video on every peer. Peers without a video sender get a new one and a
// renegotiation.
func (m *Manager) ShareScreen(ctx context.Context) error {
	var sharing bool
	if err := m.do(func() { sharing = len(m.screen) > 0 }); err != nil {
		return err
	}
	if sharing {
		return nil
	}

	tracks, err := m.media.DisplayMedia(ctx)
	if err == nil && trackOfKind(tracks, webrtc.RTPCodecTypeVideo) == nil {
		closeTracks(tracks)
		err = errors.New("no video track")
	}
	if err != nil {
		err = fmt.Errorf("%w: screen capture: %v", ErrMediaUnavailable, err)
		_ = m.do(func() {
			m.setError("Could not start screen sharing: " + err.Error())
			m.logEvent(EventError, err.Error())
		})
		return err
	}

	var applied bool
	doErr := m.do(func() { applied = m.applyScreen(tracks) })
	if !applied {
		closeTracks(tracks)
	}
	return doErr
}

func (m *Manager) applyScreen(tracks []LocalTrack) bool {
	if len(m.screen) > 0 {
		return false
	}
	video := trackOfKind(tracks, webrtc.RTPCodecTypeVideo)
	m.screen = tracks
	m.screenGen++
	gen := m.screenGen

	for _, p := range m.peers {
		if s := senderFor(p.pc, webrtc.RTPCodecTypeVideo); s != nil {
			if err := s.ReplaceTrack(video); err != nil {
				m.logEvent(EventError, fmt.Sprintf("Failed to swap in screen for %s: %v", m.peerLabel(p), err))
			}
			continue
		}
		if m.addSender(p, video) {
			m.negotiate(p)
		}
	}

	// Ended out of band, e.g. the capture source went away.
	video.OnEnded(func(error) {
		m.post(func() {
			if m.screenGen != gen || len(m.screen) == 0 {
				return
			}
			m.logEvent(EventInfo, "Screen capture ended")
			m.stopScreenShare()
		})
	})

	m.sig.Emit("screen-share-started", nil)
	m.logEvent(EventSuccess, "Screen sharing started")
	return true
}

// StopScreenShare releases the display capture and puts the camera video
// back on every sender that carried the screen.
func (m *Manager) StopScreenShare() error {
	return m.do(m.stopScreenShare)
}

func (m *Manager) stopScreenShare() {
	if len(m.screen) == 0 {
		return
	}
	video := trackOfKind(m.screen, webrtc.RTPCodecTypeVideo)
	camera := trackOfKind(m.camera, webrtc.RTPCodecTypeVideo)

	for _, p := range m.peers {
		s := senderHolding(p.pc, video)
		if s == nil {
			continue
		}
		// A nil camera detaches the sender.
		var next webrtc.TrackLocal
		if camera != nil {
			next = camera
		}
		if err := s.ReplaceTrack(next); err != nil {
			m.logEvent(EventError, fmt.Sprintf("Failed to restore camera for %s: %v", m.peerLabel(p), err))
		}
	}

	closeTracks(m.screen)
	m.screen = nil
	m.screenGen++

	m.sig.Emit("screen-share-stopped", nil)
	m.logEvent(EventInfo, "Screen sharing stopped")
}

// releaseMedia closes every local track without touching senders. Used on
// teardown after the peers are gone.
func (m *Manager) releaseMedia() {
	closeTracks(m.screen)
	closeTracks(m.camera)
	m.screen = nil
	m.camera = nil
	m.screenGen++
}
