// Package capture provides local camera, microphone and screen tracks and
// the pion API they are encoded with.
package capture

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrUnsupported is returned where no capture drivers are built in.
var ErrUnsupported = errors.New("capture: not supported on this platform")

type Options struct {
	VideoBitrate int
	MaxWidth     int
	MaxHeight    int

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	Logger zerolog.Logger
}

// newAPI assembles a pion API around mediaEngine with the default
// interceptors (NACK, RTCP reports, TWCC) and the configured ICE timeouts.
func newAPI(mediaEngine *webrtc.MediaEngine, opts Options) (*webrtc.API, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous timeouts so a brief NAT or relay hiccup does not drop the call.
	se := webrtc.SettingEngine{}
	if opts.ICEDisconnectedTimeout > 0 && opts.ICEFailedTimeout > 0 && opts.ICEKeepaliveInterval > 0 {
		se.SetICETimeouts(opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepaliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
