package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override,
// e.g. TICKETCALL_SIGNALING_URL.
const EnvPrefix = "TICKETCALL"

type Config struct {
	Signaling Signaling `mapstructure:"signaling"`
	ICE       ICE       `mapstructure:"ice"`
	Media     Media     `mapstructure:"media"`
	Call      Call      `mapstructure:"call"`
	Viewer    Viewer    `mapstructure:"viewer"`
	Log       Log       `mapstructure:"log"`
}

type Signaling struct {
	URL       string `mapstructure:"url"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`

	// Forwarded as a Cookie header on the websocket upgrade. The server
	// authenticates the session from it; nothing else carries credentials.
	SessionCookie string `mapstructure:"session_cookie"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type ICE struct {
	Servers             []string      `mapstructure:"servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type Media struct {
	VideoBitrate int `mapstructure:"video_bitrate"`
	MaxWidth     int `mapstructure:"max_width"`
	MaxHeight    int `mapstructure:"max_height"`
}

type Call struct {
	EventLogCapacity  int  `mapstructure:"event_log_capacity"`
	RenegotiateOnStop bool `mapstructure:"renegotiate_on_stop"`
}

type Viewer struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	Debug     bool   `mapstructure:"debug"`
	LogBuffer int    `mapstructure:"log_buffer"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:              "http://localhost:3000",
			Path:             "/socket.io/",
			Namespace:        "/video-call",
			HandshakeTimeout: 10 * time.Second,
			WriteWait:        10 * time.Second,
			SendBuffer:       256,
		},
		ICE: ICE{
			Servers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeout: 30 * time.Second,
			FailedTimeout:       120 * time.Second,
			KeepaliveInterval:   2 * time.Second,
		},
		Media: Media{
			VideoBitrate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Call: Call{
			EventLogCapacity: 200,
		},
		Viewer: Viewer{
			HTTPAddr:  "127.0.0.1:8790",
			LogBuffer: 500,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Signaling
	if err := validateSignalingURL(strings.TrimSpace(c.Signaling.URL)); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if !strings.HasPrefix(c.Signaling.Path, "/") {
		return errors.New("signaling.path must start with /")
	}
	if !strings.HasPrefix(c.Signaling.Namespace, "/") {
		return errors.New("signaling.namespace must start with /")
	}
	if c.Signaling.HandshakeTimeout <= 0 {
		return errors.New("signaling.handshake_timeout must be > 0")
	}
	if c.Signaling.WriteWait <= 0 {
		return errors.New("signaling.write_wait must be > 0")
	}
	if c.Signaling.SendBuffer <= 0 {
		return errors.New("signaling.send_buffer must be > 0")
	}

	// ICE
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers: %q is not a stun:/turn: url", s)
		}
	}
	if c.ICE.DisconnectedTimeout <= 0 || c.ICE.FailedTimeout <= 0 || c.ICE.KeepaliveInterval <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.KeepaliveInterval >= c.ICE.DisconnectedTimeout {
		return errors.New("ice.keepalive_interval must be < ice.disconnected_timeout")
	}

	// Media
	if c.Media.VideoBitrate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	// Call
	if c.Call.EventLogCapacity <= 0 {
		return errors.New("call.event_log_capacity must be > 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.LogBuffer <= 0 {
		return errors.New("viewer.log_buffer must be > 0")
	}

	return nil
}

func validateSignalingURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// newViper returns a viper instance preloaded with defaults and
// environment bindings.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("signaling.url", d.Signaling.URL)
	v.SetDefault("signaling.path", d.Signaling.Path)
	v.SetDefault("signaling.namespace", d.Signaling.Namespace)
	v.SetDefault("signaling.session_cookie", d.Signaling.SessionCookie)
	v.SetDefault("signaling.handshake_timeout", d.Signaling.HandshakeTimeout)
	v.SetDefault("signaling.write_wait", d.Signaling.WriteWait)
	v.SetDefault("signaling.send_buffer", d.Signaling.SendBuffer)

	v.SetDefault("ice.servers", d.ICE.Servers)
	v.SetDefault("ice.disconnected_timeout", d.ICE.DisconnectedTimeout)
	v.SetDefault("ice.failed_timeout", d.ICE.FailedTimeout)
	v.SetDefault("ice.keepalive_interval", d.ICE.KeepaliveInterval)

	v.SetDefault("media.video_bitrate", d.Media.VideoBitrate)
	v.SetDefault("media.max_width", d.Media.MaxWidth)
	v.SetDefault("media.max_height", d.Media.MaxHeight)

	v.SetDefault("call.event_log_capacity", d.Call.EventLogCapacity)
	v.SetDefault("call.renegotiate_on_stop", d.Call.RenegotiateOnStop)

	v.SetDefault("viewer.http_addr", d.Viewer.HTTPAddr)
	v.SetDefault("viewer.debug", d.Viewer.Debug)
	v.SetDefault("viewer.log_buffer", d.Viewer.LogBuffer)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Load reads the YAML file at path (if non-empty and present), applies
// environment overrides on top of the defaults and validates the result.
// A missing file is not an error; the defaults plus env are used.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Strip UTF-8 BOM if present (common when editing on Windows).
			if err := v.ReadConfig(bytes.NewReader(stripBOM(b))); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)
	// Defaults are not written by WriteConfigAs; promote them to values.
	for _, k := range v.AllKeys() {
		v.Set(k, v.Get(k))
	}
	return v.WriteConfigAs(path)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	if err := Save(path, Default()); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}
