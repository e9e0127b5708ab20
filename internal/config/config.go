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

	"github.com/eztrans/peerlink/internal/turnrest"
)

const (
	envVarSignalingURL    = "PEERLINK_SIGNALING_URL"
	envVarStatusAddr      = "PEERLINK_STATUS_ADDR"
	envVarIdentityFile    = "PEERLINK_IDENTITY_FILE"
	envVarDownloadDir     = "PEERLINK_DOWNLOAD_DIR"
	envVarLogFormat       = "PEERLINK_LOG_FORMAT"
	envVarLogLevel        = "PEERLINK_LOG_LEVEL"
	envVarMode            = "PEERLINK_MODE"
	envVarShutdownTimeout = "PEERLINK_SHUTDOWN_TIMEOUT"

	// Signaling link resilience knobs.
	envVarReconnectBaseDelay   = "PEERLINK_RECONNECT_BASE_DELAY"
	envVarReconnectMaxDelay    = "PEERLINK_RECONNECT_MAX_DELAY"
	envVarReconnectMaxAttempts = "PEERLINK_RECONNECT_MAX_ATTEMPTS"

	// Inbound signaling hardening.
	envVarMaxSignalingMessageBytes      = "PEERLINK_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "PEERLINK_MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultSignalingURL = "ws://127.0.0.1:8080/ws"
	DefaultShutdown     = 15 * time.Second

	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectMaxAttempts = 5

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMode Mode = ModeDev
)

const (
	flagSignalingURL = "signaling-url"
	flagStatusAddr   = "status-addr"
	flagIdentityFile = "identity-file"
	flagDownloadDir  = "download-dir"
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

type Config struct {
	// SignalingURL is the websocket URL of the relay's /ws endpoint.
	SignalingURL string

	// StatusAddr, when non-empty, enables the local HTTP status/metrics
	// listener on that address. Empty disables it.
	StatusAddr string

	// IdentityFile overrides where the relay-issued UID is persisted. Empty
	// means the per-user default location (see internal/identity).
	IdentityFile string

	// DownloadDir is where completed inbound file transfers are written. Empty
	// means the current working directory.
	DownloadDir string

	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	// Reconnect backoff for the signaling link: the Nth automatic retry fires
	// after min(ReconnectBaseDelay * 2^(N-1), ReconnectMaxDelay), and after
	// ReconnectMaxAttempts failures the link stays down until an explicit
	// user-triggered reconnect.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRestSecret := envOrDefault(lookup, envTurnRestSecret, "")
	turnRestTTL, err := envDurationOrDefault(lookup, envTurnRestTTL, turnrest.DefaultTTL)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	reconnectBaseDelay, err := envDurationOrDefault(lookup, envVarReconnectBaseDelay, DefaultReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	reconnectMaxDelay, err := envDurationOrDefault(lookup, envVarReconnectMaxDelay, DefaultReconnectMaxDelay)
	if err != nil {
		return Config{}, err
	}
	reconnectMaxAttempts, err := envIntOrDefault(lookup, envVarReconnectMaxAttempts, DefaultReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("peerlink", flag.ContinueOnError)
	signalingURL := fs.String(flagSignalingURL, envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL), "relay websocket URL")
	statusAddr := fs.String(flagStatusAddr, envOrDefault(lookup, envVarStatusAddr, ""), "local status/metrics listen address (empty disables)")
	identityFile := fs.String(flagIdentityFile, envOrDefault(lookup, envVarIdentityFile, ""), "path of the persisted identity file")
	downloadDir := fs.String(flagDownloadDir, envOrDefault(lookup, envVarDownloadDir, ""), "directory for completed inbound file transfers")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(*signalingURL) == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarSignalingURL)
	}
	if !strings.HasPrefix(*signalingURL, "ws://") && !strings.HasPrefix(*signalingURL, "wss://") {
		return Config{}, fmt.Errorf("invalid %s %q: must be a ws:// or wss:// URL", envVarSignalingURL, *signalingURL)
	}

	if reconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarReconnectBaseDelay)
	}
	if reconnectMaxDelay < reconnectBaseDelay {
		return Config{}, fmt.Errorf("%s must be >= %s", envVarReconnectMaxDelay, envVarReconnectBaseDelay)
	}
	if reconnectMaxAttempts < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarReconnectMaxAttempts)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnRestSecret, turnRestTTL)
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}

	return Config{
		SignalingURL:    *signalingURL,
		StatusAddr:      *statusAddr,
		IdentityFile:    *identityFile,
		DownloadDir:     *downloadDir,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		Mode:            mode,
		ShutdownTimeout: shutdownTimeout,

		ReconnectBaseDelay:   reconnectBaseDelay,
		ReconnectMaxDelay:    reconnectMaxDelay,
		ReconnectMaxAttempts: reconnectMaxAttempts,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		ICEServers: iceServers,
	}, nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
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
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

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
