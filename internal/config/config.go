// Package config loads runtime Settings for the mithra client and proxy
// binaries from CLI flags and APP_-prefixed environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Settings holds all runtime configuration. Precedence: CLI flags > env
// vars > defaults.
type Settings struct {
	SIPHost      string
	SIPPort      int
	SIPUsername  string
	SIPPassword  string
	CacheDir     string
	SentinelFile string

	// RegisterExpires is the Expires value requested on every REGISTER and
	// the window the liveness check (component G) tolerates staleness over.
	RegisterExpires int

	// ProxyHost is the local bind address for the UDP relay (component H).
	ProxyHost string

	// CallStoreDSN is the DSN for the CallSink backend (component I). A
	// "postgres://" or "pgx://" scheme selects the Postgres backend;
	// anything else (including "sqlite://" or a bare path) selects the
	// embedded SQLite backend.
	CallStoreDSN string

	// RelayRecordCalls wires the UDP relay's (component H) INVITE parsing
	// into the CallSink. Default off: log-only unless an operator opts in.
	RelayRecordCalls bool

	LogLevel  string
	LogFormat string
}

const (
	defaultSIPPort         = 5060
	defaultCacheDir        = "/tmp/mithra"
	defaultSentinelFile    = "sentinel.txt"
	defaultRegisterExpires = 300
	defaultProxyHost       = "0.0.0.0"
	defaultCallStoreDSN    = "sqlite://mithra.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all mithra environment variables, e.g.
// APP_SIP_HOST / APP_SIP_PORT; the rest of Settings follows the same
// prefix.
const envPrefix = "APP_"

// Load parses configuration from os.Args[1:] and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Settings, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with an explicit argument slice, so the `check` action
// (dispatched on os.Args[1] before flags are considered) can parse the
// remainder of argv without "check" itself tripping flag.Parse.
func LoadArgs(args []string) (*Settings, error) {
	s := &Settings{}

	fs := flag.NewFlagSet("mithra", flag.ContinueOnError)

	fs.StringVar(&s.SIPHost, "sip-host", "", "SIP registrar / upstream host")
	fs.IntVar(&s.SIPPort, "sip-port", defaultSIPPort, "SIP registrar / upstream port")
	fs.StringVar(&s.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&s.SIPPassword, "sip-password", "", "SIP account secret")
	fs.StringVar(&s.CacheDir, "cache-dir", defaultCacheDir, "directory for the persisted Caller-ID and sentinel file")
	fs.StringVar(&s.SentinelFile, "sentinel-file", defaultSentinelFile, "filename (within cache-dir) of the liveness sentinel")
	fs.IntVar(&s.RegisterExpires, "register-expires", defaultRegisterExpires, "requested REGISTER Expires, and the liveness check's staleness window")
	fs.StringVar(&s.ProxyHost, "proxy-host", defaultProxyHost, "local bind address for the UDP relay")
	fs.StringVar(&s.CallStoreDSN, "call-store-dsn", defaultCallStoreDSN, "DSN for the call sink (postgres://... or sqlite://...)")
	fs.BoolVar(&s.RelayRecordCalls, "relay-record-calls", false, "wire the UDP relay's INVITE observations into the call sink")
	fs.StringVar(&s.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&s.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, s)

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return s, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, s *Settings) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sip-host":           envPrefix + "SIP_HOST",
		"sip-port":           envPrefix + "SIP_PORT",
		"sip-username":       envPrefix + "SIP_USERNAME",
		"sip-password":       envPrefix + "SIP_PASSWORD",
		"cache-dir":          envPrefix + "CACHE_DIR",
		"sentinel-file":      envPrefix + "SENTINEL_FILE",
		"register-expires":   envPrefix + "REGISTER_EXPIRES",
		"proxy-host":         envPrefix + "PROXY_HOST",
		"call-store-dsn":     envPrefix + "CALL_STORE_DSN",
		"relay-record-calls": envPrefix + "RELAY_RECORD_CALLS",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-host":
			s.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				s.SIPPort = v
			}
		case "sip-username":
			s.SIPUsername = val
		case "sip-password":
			s.SIPPassword = val
		case "cache-dir":
			s.CacheDir = val
		case "sentinel-file":
			s.SentinelFile = val
		case "register-expires":
			if v, err := strconv.Atoi(val); err == nil {
				s.RegisterExpires = v
			}
		case "proxy-host":
			s.ProxyHost = val
		case "call-store-dsn":
			s.CallStoreDSN = val
		case "relay-record-calls":
			if v, err := strconv.ParseBool(val); err == nil {
				s.RelayRecordCalls = v
			}
		case "log-level":
			s.LogLevel = val
		case "log-format":
			s.LogFormat = val
		}
	}
}

// validate checks that the settings are sane. Credentials are deliberately
// not validated here — see RequireClientCredentials.
func (s *Settings) validate() error {
	if s.SIPPort < 1 || s.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", s.SIPPort)
	}
	if s.RegisterExpires < 1 {
		return fmt.Errorf("register-expires must be positive, got %d", s.RegisterExpires)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(s.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", s.LogLevel)
	}
	s.LogLevel = strings.ToLower(s.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(s.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", s.LogFormat)
	}
	s.LogFormat = strings.ToLower(s.LogFormat)

	return nil
}

// RequireClientCredentials reports the one unrecoverable start-up error:
// missing SIP credentials. The proxy binary doesn't call this — it only
// needs SIPHost/SIPPort to locate the upstream.
func (s *Settings) RequireClientCredentials() error {
	if s.SIPHost == "" {
		return fmt.Errorf("sip-host is required")
	}
	if s.SIPUsername == "" {
		return fmt.Errorf("sip-username is required")
	}
	if s.SIPPassword == "" {
		return fmt.Errorf("sip-password is required")
	}
	return nil
}

// SIPURI is the URI used in digest HA2 computation: sip:<host>:<password>.
// This preserves an apparent bug in the upstream protocol rather than
// "fixing" it, since it's what the remote registrar actually accepts.
func (s *Settings) SIPURI() string {
	return fmt.Sprintf("sip:%s:%s", s.SIPHost, s.SIPPassword)
}

// SlogHandler returns a slog.Handler configured with the requested format
// and level.
func (s *Settings) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: s.SlogLevel()}
	if s.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (s *Settings) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
