package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty url":        func(c *Config) { c.Signaling.URL = "" },
		"bad scheme":       func(c *Config) { c.Signaling.URL = "ftp://host" },
		"no host":          func(c *Config) { c.Signaling.URL = "http://" },
		"relative path":    func(c *Config) { c.Signaling.Path = "socket.io" },
		"bad namespace":    func(c *Config) { c.Signaling.Namespace = "video-call" },
		"zero buffer":      func(c *Config) { c.Signaling.SendBuffer = 0 },
		"bad ice url":      func(c *Config) { c.ICE.Servers = []string{"http://stun"} },
		"keepalive":        func(c *Config) { c.ICE.KeepaliveInterval = time.Minute },
		"zero event log":   func(c *Config) { c.Call.EventLogCapacity = -1 },
		"bad viewer addr":  func(c *Config) { c.Viewer.HTTPAddr = "nohostport" },
		"zero log buffer":  func(c *Config) { c.Viewer.LogBuffer = 0 },
		"zero bitrate":     func(c *Config) { c.Media.VideoBitrate = 0 },
		"zero dimensions":  func(c *Config) { c.Media.MaxHeight = 0 },
		"zero write wait":  func(c *Config) { c.Signaling.WriteWait = 0 },
		"zero handshake":   func(c *Config) { c.Signaling.HandshakeTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signaling.Namespace != "/video-call" || cfg.Call.EventLogCapacity != 200 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFileWithBOMAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketcall.yaml")
	body := "\xEF\xBB\xBF" + strings.Join([]string{
		"signaling:",
		"  url: https://calls.example.org",
		"  handshake_timeout: 3s",
		"call:",
		"  renegotiate_on_stop: true",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signaling.URL != "https://calls.example.org" {
		t.Errorf("url = %q", cfg.Signaling.URL)
	}
	if cfg.Signaling.HandshakeTimeout != 3*time.Second {
		t.Errorf("handshake_timeout = %v", cfg.Signaling.HandshakeTimeout)
	}
	if !cfg.Call.RenegotiateOnStop {
		t.Error("renegotiate_on_stop not read")
	}
	// Untouched keys keep their defaults.
	if cfg.Signaling.Path != "/socket.io/" {
		t.Errorf("path = %q", cfg.Signaling.Path)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TICKETCALL_SIGNALING_SESSION_COOKIE", "connect.sid=abc")
	t.Setenv("TICKETCALL_VIEWER_HTTP_ADDR", "127.0.0.1:9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signaling.SessionCookie != "connect.sid=abc" {
		t.Errorf("session cookie = %q", cfg.Signaling.SessionCookie)
	}
	if cfg.Viewer.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("http addr = %q", cfg.Viewer.HTTPAddr)
	}
}

func TestLoadInvalidFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("call:\n  event_log_capacity: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketcall.yaml")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a new file")
	}
	if cfg.ICE.FailedTimeout != 120*time.Second {
		t.Errorf("failed_timeout = %v", cfg.ICE.FailedTimeout)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created {
		t.Fatal("file should already exist")
	}
	if cfg2.Signaling.URL != cfg.Signaling.URL || len(cfg2.ICE.Servers) != 2 {
		t.Fatalf("round trip mismatch: %+v", cfg2)
	}
}

func TestStripBOM(t *testing.T) {
	if got := string(stripBOM([]byte("\xEF\xBB\xBFa: 1"))); got != "a: 1" {
		t.Fatalf("got %q", got)
	}
	if got := string(stripBOM([]byte("a"))); got != "a" {
		t.Fatalf("got %q", got)
	}
}
