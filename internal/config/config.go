// Package config loads runtime configuration for the call-signaling daemon
// from environment variables, with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "SOLSTICE_CALLS_LISTEN_ADDR"
	envVarMode            = "SOLSTICE_CALLS_MODE"
	envVarLogFormat       = "SOLSTICE_CALLS_LOG_FORMAT"
	envVarLogLevel        = "SOLSTICE_CALLS_LOG_LEVEL"
	envVarShutdownTimeout = "SOLSTICE_CALLS_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "SOLSTICE_CALLS_ALLOWED_ORIGINS"

	// Signaling WebSocket hardening.
	envVarAuthMode             = "SOLSTICE_CALLS_AUTH_MODE"
	envVarAPIKey               = "SOLSTICE_CALLS_API_KEY"
	envVarSignalingAuthTimeout = "SOLSTICE_CALLS_SIGNALING_AUTH_TIMEOUT"
	envVarMaxSignalMsgBytes    = "SOLSTICE_CALLS_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalMsgPerSec   = "SOLSTICE_CALLS_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Ephemeral TURN credential minting (coturn REST secret).
	envVarTURNRestSecret = "SOLSTICE_CALLS_TURN_REST_SECRET"
	envVarTURNRestTTL    = "SOLSTICE_CALLS_TURN_REST_TTL"
	envVarTURNRestPrefix = "SOLSTICE_CALLS_TURN_REST_PREFIX"
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
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

const (
	DefaultListenAddr      = "127.0.0.1:8090"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRestTTL    = time.Hour
	DefaultTURNRestPrefix = "solstice"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	AuthMode AuthMode
	APIKey   string

	SignalingAuthTimeout          time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICEServers is the STUN/TURN list handed to clients for their
	// PeerConnections. Parsing errors are kept aside so /readyz can report
	// them without preventing startup of the health surface.
	ICEServers   []webrtc.ICEServer
	iceConfigErr error

	// When TURNRestSecret is set, TURN entries in ICEServers are served with
	// minted ephemeral credentials instead of their static ones.
	TURNRestSecret string
	TURNRestTTL    time.Duration
	TURNRestPrefix string
}

// ICEConfigError reports a deferred ICE configuration error, if any.
func (c Config) ICEConfigError() error { return c.iceConfigErr }

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(ModeDev))

	logFormatStr := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeStr))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	authTimeout := DefaultSignalingAuthTimeout
	if raw, ok := lookup(envVarSignalingAuthTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalingAuthTimeout, raw, err)
		}
		authTimeout = d
	}

	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalMsgBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMsgPerSec, err := envIntOrDefault(lookup, envVarMaxSignalMsgPerSec, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	turnRestSecret := envOrDefault(lookup, envVarTURNRestSecret, "")
	turnRestPrefix := envOrDefault(lookup, envVarTURNRestPrefix, DefaultTURNRestPrefix)
	turnRestTTL := DefaultTURNRestTTL
	if raw, ok := lookup(envVarTURNRestTTL); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRestTTL, raw, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", envVarTURNRestTTL)
		}
		turnRestTTL = d
	}

	fs := flag.NewFlagSet("solstice-callsd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Deployment mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, or error (env "+envVarLogLevel+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling auth mode: none or api_key (env "+envVarAuthMode+")")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			fs.SetOutput(os.Stderr)
			fs.PrintDefaults()
		}
		return Config{}, err
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(modeStr)))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid mode %q: must be dev or prod", modeStr)
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatStr)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q: must be text or json", logFormatStr)
	}

	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode := AuthMode(strings.ToLower(strings.TrimSpace(authModeStr)))
	switch authMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=api_key", envVarAPIKey, envVarAuthMode)
		}
	default:
		return Config{}, fmt.Errorf("invalid auth mode %q: must be none or api_key", authModeStr)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if maxMsgBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxSignalMsgBytes)
	}
	if maxMsgPerSec <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxSignalMsgPerSec)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(allowedOriginsStr),

		AuthMode: authMode,
		APIKey:   strings.TrimSpace(apiKey),

		SignalingAuthTimeout:          authTimeout,
		MaxSignalingMessageBytes:      int64(maxMsgBytes),
		MaxSignalingMessagesPerSecond: maxMsgPerSec,

		TURNRestSecret: strings.TrimSpace(turnRestSecret),
		TURNRestTTL:    turnRestTTL,
		TURNRestPrefix: turnRestPrefix,
	}

	// ICE misconfiguration is deferred: the daemon still starts and reports it
	// on /readyz rather than crash-looping while TURN credentials rotate.
	cfg.ICEServers, cfg.iceConfigErr = parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)

	return cfg, nil
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
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(strings.ToLower(strings.TrimSpace(mode))) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

// NewLogger builds the process logger from the configured format and level.
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
