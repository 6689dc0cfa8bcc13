//go:build !linux

package capture

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ticketcall/internal/call"
)

// Source is receive-only off Linux: capture drivers are Linux-specific.
type Source struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) (*Source, error) {
	return &Source{opts: opts, log: opts.Logger}, nil
}

// API uses the default codecs.
func (s *Source) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return newAPI(mediaEngine, s.opts)
}

func (s *Source) UserMedia(context.Context) ([]call.LocalTrack, error) {
	s.log.Warn().Msg("camera capture unavailable on this platform")
	return nil, ErrUnsupported
}

func (s *Source) DisplayMedia(context.Context) ([]call.LocalTrack, error) {
	s.log.Warn().Msg("screen capture unavailable on this platform")
	return nil, ErrUnsupported
}
