package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "DOORCALL_LISTEN_ADDR"
	envVarMode            = "DOORCALL_MODE"
	envVarLogFormat       = "DOORCALL_LOG_FORMAT"
	envVarLogLevel        = "DOORCALL_LOG_LEVEL"
	envVarShutdownTimeout = "DOORCALL_SHUTDOWN_TIMEOUT"

	// Relay websocket hardening.
	envVarAuthMode             = "DOORCALL_AUTH_MODE"
	envVarJWTSecret            = "DOORCALL_JWT_SECRET"
	envVarMaxMessageBytes      = "DOORCALL_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "DOORCALL_MAX_MESSAGES_PER_SECOND"
	envVarPingInterval         = "DOORCALL_PING_INTERVAL"
	envVarIdleTimeout          = "DOORCALL_IDLE_TIMEOUT"

	// Client call stack.
	envVarRelayURL            = "DOORCALL_RELAY_URL"
	envVarSTUNURLs            = "DOORCALL_STUN_URLS"
	envVarRingTimeout         = "DOORCALL_RING_TIMEOUT"
	envVarNegotiationTimeout  = "DOORCALL_NEGOTIATION_TIMEOUT"
	envVarReconnectTimeout    = "DOORCALL_RECONNECT_TIMEOUT"
	envVarMediaAcquireTimeout = "DOORCALL_MEDIA_ACQUIRE_TIMEOUT"
	envVarResetSettleDelay    = "DOORCALL_RESET_SETTLE_DELAY"
	envVarMaxResets           = "DOORCALL_MAX_RESETS"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone  AuthMode = "none"
	AuthModeToken AuthMode = "token"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second

	DefaultRelayURL = "ws://127.0.0.1:8080/ws"

	// DefaultRingTimeout is how long an incoming call rings before it is
	// auto-rejected with reason timeout.
	DefaultRingTimeout = 10 * time.Second
	// DefaultNegotiationTimeout bounds the wait for a remote description.
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultReconnectTimeout   = 15 * time.Second
	// DefaultMediaAcquireTimeout is 2x the expected local media acquisition
	// latency. Past it the answer is sent without outbound media.
	DefaultMediaAcquireTimeout = 4 * time.Second
	// DefaultResetSettleDelay is an empirically tuned settle time between
	// engine teardown and the next negotiation attempt, not a protocol
	// requirement. Tune per deployment.
	DefaultResetSettleDelay = 500 * time.Millisecond
	DefaultMaxResets        = 3
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode             AuthMode
	JWTSecret            string
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration

	RelayURL            string
	STUNURLs            []string
	RingTimeout         time.Duration
	NegotiationTimeout  time.Duration
	ReconnectTimeout    time.Duration
	MediaAcquireTimeout time.Duration
	ResetSettleDelay    time.Duration
	MaxResets           int
}

// Load parses configuration from the environment, then applies command-line
// overrides from args.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr: envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		RelayURL:   envOrDefault(lookup, envVarRelayURL, DefaultRelayURL),
		JWTSecret:  envOrDefault(lookup, envVarJWTSecret, ""),
	}

	mode := Mode(strings.ToLower(envOrDefault(lookup, envVarMode, string(DefaultMode))))
	switch mode {
	case ModeDev, ModeProd:
		cfg.Mode = mode
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev|prod)", envVarMode, mode)
	}

	logFormat := LogFormat(strings.ToLower(envOrDefault(lookup, envVarLogFormat, string(defaultLogFormatForMode(cfg.Mode)))))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = logFormat
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text|json)", envVarLogFormat, logFormat)
	}

	level, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	authMode := AuthMode(strings.ToLower(envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))))
	switch authMode {
	case AuthModeNone, AuthModeToken:
		cfg.AuthMode = authMode
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want none|token)", envVarAuthMode, authMode)
	}
	if cfg.AuthMode == AuthModeToken && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s=token requires %s", envVarAuthMode, envVarJWTSecret)
	}

	if raw := envOrDefault(lookup, envVarSTUNURLs, ""); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				cfg.STUNURLs = append(cfg.STUNURLs, u)
			}
		}
	}

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.IdleTimeout, err = envDurationOrDefault(lookup, envVarIdleTimeout, DefaultIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RingTimeout, err = envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout); err != nil {
		return Config{}, err
	}
	if cfg.NegotiationTimeout, err = envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectTimeout, err = envDurationOrDefault(lookup, envVarReconnectTimeout, DefaultReconnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MediaAcquireTimeout, err = envDurationOrDefault(lookup, envVarMediaAcquireTimeout, DefaultMediaAcquireTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ResetSettleDelay, err = envDurationOrDefault(lookup, envVarResetSettleDelay, DefaultResetSettleDelay); err != nil {
		return Config{}, err
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxMessageBytes)

	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxResets, err = envIntOrDefault(lookup, envVarMaxResets, DefaultMaxResets); err != nil {
		return Config{}, err
	}
	if cfg.MaxResets < 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be >= 0)", envVarMaxResets, cfg.MaxResets)
	}

	fs := flag.NewFlagSet("doorcall", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "relay listen address")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay websocket URL (client)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ICEServers builds the pion ICE server list from the configured STUN URLs.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNURLs}}
}

// NewLogger constructs the process logger from the configured format/level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) LogFormat {
	if mode == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
