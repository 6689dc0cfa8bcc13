//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ticketcall/internal/call"
	"github.com/petervdpas/ticketcall/internal/log"
)

// Source captures through pion/mediadevices (V4L2, malgo and X11 on Linux).
// The same codec selector encodes the tracks and populates the media engine,
// so API must be used for the peer connections that carry them.
type Source struct {
	opts     Options
	log      zerolog.Logger
	selector *mediadevices.CodecSelector
}

func New(opts Options) (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if opts.VideoBitrate > 0 {
		vpxParams.BitRate = opts.VideoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Source{opts: opts, log: opts.Logger, selector: selector}, nil
}

// API returns a pion API whose media engine matches the capture encoders.
func (s *Source) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	s.selector.Populate(mediaEngine)
	return newAPI(mediaEngine, s.opts)
}

func (s *Source) videoConstraints(c *mediadevices.MediaTrackConstraints) {
	// Raw formats only. Some cameras expose an MJPEG node whose malformed
	// frames poison the VP8 encoder.
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	if s.opts.MaxWidth > 0 {
		c.Width = prop.IntRanged{Max: s.opts.MaxWidth}
	}
	if s.opts.MaxHeight > 0 {
		c.Height = prop.IntRanged{Max: s.opts.MaxHeight}
	}
}

// UserMedia opens camera and microphone. GetUserMedia fails as a unit, so
// video+audio is tried first, then each kind on its own.
func (s *Source) UserMedia(ctx context.Context) ([]call.LocalTrack, error) {
	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		s.log.Warn().Msg("no media devices found")
	} else {
		for _, d := range devices {
			s.log.Debug().Str(log.FieldKind, fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var errs []error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = s.videoConstraints
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		tracks, err := acquire(ctx, func() (mediadevices.MediaStream, error) {
			return mediadevices.GetUserMedia(constraints)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		if a.video && !encoderWorks(trackKind(tracks, webrtc.RTPCodecTypeVideo)) {
			// A broken video encoder would break SDP negotiation entirely.
			s.log.Warn().Str("attempt", a.label).Msg("video encoder broken, skipping attempt")
			closeAll(tracks)
			errs = append(errs, fmt.Errorf("%s: video encoder broken", a.label))
			continue
		}

		s.log.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return tracks, nil
	}
	return nil, errors.Join(errs...)
}

// DisplayMedia opens a screen capture track.
func (s *Source) DisplayMedia(ctx context.Context) ([]call.LocalTrack, error) {
	tracks, err := acquire(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Video: func(*mediadevices.MediaTrackConstraints) {},
		})
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("GetDisplayMedia failed")
		return nil, err
	}
	s.log.Info().Int("tracks", len(tracks)).Msg("screen captured")
	return tracks, nil
}

// acquire runs open off the caller's goroutine so ctx can abandon a device
// that hangs. Tracks that arrive after ctx is done are closed.
func acquire(ctx context.Context, open func() (mediadevices.MediaStream, error)) ([]call.LocalTrack, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := open()
		ch <- result{stream, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return toLocal(r.stream), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				closeAll(toLocal(r.stream))
			}
		}()
		return nil, ctx.Err()
	}
}

func toLocal(stream mediadevices.MediaStream) []call.LocalTrack {
	var out []call.LocalTrack
	for _, t := range stream.GetTracks() {
		out = append(out, t)
	}
	return out
}

func trackKind(tracks []call.LocalTrack, kind webrtc.RTPCodecType) call.LocalTrack {
	for _, t := range tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// encoderWorks opens and closes a VP8 reader on t to prove the encoder
// starts. A nil track passes.
func encoderWorks(t call.LocalTrack) bool {
	mt, ok := t.(mediadevices.Track)
	if !ok {
		return true
	}
	r, err := mt.NewEncodedReader(webrtc.MimeTypeVP8)
	if err != nil {
		return false
	}
	_ = r.Close()
	return true
}

func closeAll(tracks []call.LocalTrack) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
