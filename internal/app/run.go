// Package app wires the signaling channel, media capture, the call manager
// and the control API into one process.
package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/ticketcall/internal/call"
	"github.com/petervdpas/ticketcall/internal/capture"
	"github.com/petervdpas/ticketcall/internal/config"
	"github.com/petervdpas/ticketcall/internal/log"
	"github.com/petervdpas/ticketcall/internal/signaling"
	"github.com/petervdpas/ticketcall/internal/viewer"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
	Version string

	// Ticket is joined as soon as the channel connects.
	Ticket string
	// NoConnect leaves the channel down until the UI asks for it.
	NoConnect bool
}

// Run blocks until ctx ends. On return the room has been left, media
// released and the channel closed.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(cfg.Viewer.LogBuffer)
	log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "ticketcall",
	}, logBuf)
	logger := log.L()
	logBanner(logger, opt.CfgPath, cfg, opt.Version)

	// The one signaling channel for the whole process.
	ch := signaling.New(signaling.Options{
		URL:              cfg.Signaling.URL,
		Path:             cfg.Signaling.Path,
		Namespace:        cfg.Signaling.Namespace,
		Cookie:           cfg.Signaling.SessionCookie,
		HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
		WriteWait:        cfg.Signaling.WriteWait,
		SendBuffer:       cfg.Signaling.SendBuffer,
		Logger:           log.Component("signaling"),
	})
	defer ch.Disconnect()

	src, err := capture.New(capture.Options{
		VideoBitrate:           cfg.Media.VideoBitrate,
		MaxWidth:               cfg.Media.MaxWidth,
		MaxHeight:              cfg.Media.MaxHeight,
		ICEDisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICE.FailedTimeout,
		ICEKeepaliveInterval:   cfg.ICE.KeepaliveInterval,
		Logger:                 log.Component("capture"),
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	api, err := src.API()
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	mgr, err := call.New(ch, src, call.Options{
		API:               api,
		ICEServers:        cfg.ICE.Servers,
		Logger:            log.Component("call"),
		EventLogCapacity:  cfg.Call.EventLogCapacity,
		RenegotiateOnStop: cfg.Call.RenegotiateOnStop,
	})
	if err != nil {
		return fmt.Errorf("call manager: %w", err)
	}
	// Leaves the room while the channel is still up.
	defer mgr.Close()

	addr, err := viewer.Start(ctx, normalizeLocalAddr(cfg.Viewer.HTTPAddr), viewer.Viewer{
		Call:   mgr,
		Conn:   ch,
		Logs:   logBuf,
		Logger: log.Component("viewer"),
		Debug:  cfg.Viewer.Debug,
	})
	if err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	logger.Info().Str("url", "http://"+addr.String()).Msg("control API listening")

	if !opt.NoConnect {
		go autoConnect(ctx, ch, mgr, opt.Ticket)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func autoConnect(ctx context.Context, ch *signaling.Channel, mgr *call.Manager, ticket string) {
	l := log.Component("app")
	if err := ch.Connect(ctx); err != nil {
		l.Warn().Err(err).Msg("initial connect failed; use the control API to retry")
		return
	}
	if ticket == "" {
		return
	}
	if err := mgr.JoinRoom(ticket); err != nil {
		l.Warn().Err(err).Str(log.FieldTicketID, ticket).Msg("auto-join failed")
	}
}
