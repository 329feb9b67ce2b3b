// Package config loads backend settings from the host environment and the
// command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DeckSettings/decky-game-settings/lib/assets"
	"github.com/DeckSettings/decky-game-settings/lib/plugin"
)

// Environment keys. The DECKY_ and DECKY_PLUGIN_ variables are set by the
// host; DECKY_GS_ variables tune this backend.
const (
	KeyHostHome    = "DECKY_HOME"
	KeyUserHome    = "DECKY_USER_HOME"
	KeySettingsDir = "DECKY_PLUGIN_SETTINGS_DIR"
	KeyRuntimeDir  = "DECKY_PLUGIN_RUNTIME_DIR"
	KeyLogDir      = "DECKY_PLUGIN_LOG_DIR"

	KeyLogLevel        = "DECKY_GS_LOG_LEVEL"
	KeyUploadEndpoint  = "DECKY_GS_UPLOAD_ENDPOINT"
	KeyUploadTimeout   = "DECKY_GS_UPLOAD_TIMEOUT"
	KeyUploadInsecure  = "DECKY_GS_UPLOAD_INSECURE"
	KeyUploadMaxBytes  = "DECKY_GS_UPLOAD_MAX_BYTES"
	KeyUploadBatchSize = "DECKY_GS_UPLOAD_BATCH_SIZE"
	KeyCodec           = "DECKY_GS_CODEC"
	KeyTransport       = "DECKY_GS_TRANSPORT"
	KeySocket          = "DECKY_GS_SOCKET"
	KeyMaxMessageBytes = "DECKY_GS_MAX_MESSAGE_BYTES"
	KeyTimerDelay      = "DECKY_GS_TIMER_DELAY"
	KeyMetricsAddr     = "DECKY_GS_METRICS_ADDR"
	KeyLegacyName      = "DECKY_GS_LEGACY_NAME"
)

// Transport modes.
const (
	TransportStdio = "stdio"
	TransportUnix  = "unix"
)

// SocketName is the default unix socket file inside the runtime directory.
const SocketName = "backend.sock"

// flagKeys maps command line flags to the keys they override.
var flagKeys = map[string]string{
	"log-level":       KeyLogLevel,
	"upload-endpoint": KeyUploadEndpoint,
	"upload-timeout":  KeyUploadTimeout,
	"insecure":        KeyUploadInsecure,
	"codec":           KeyCodec,
	"transport":       KeyTransport,
	"socket":          KeySocket,
	"timer-delay":     KeyTimerDelay,
	"metrics-addr":    KeyMetricsAddr,
}

// Config is the full backend configuration.
type Config struct {
	Host      HostConfig
	Log       LogConfig
	Upload    UploadConfig
	Transport TransportConfig
	App       AppConfig
}

// HostConfig holds the directories the plugin host assigns.
type HostConfig struct {
	Home        string
	UserHome    string
	SettingsDir string
	RuntimeDir  string
	LogDir      string
}

// LogConfig controls logging.
type LogConfig struct {
	Level string
}

// UploadConfig controls image uploads to the asset host.
type UploadConfig struct {
	Endpoint  string
	Timeout   time.Duration
	Insecure  bool
	MaxBytes  int64
	BatchSize int
}

// TransportConfig selects how the backend talks to the host.
type TransportConfig struct {
	Codec           string
	Mode            string
	Socket          string
	MaxMessageBytes int
}

// AppConfig holds the remaining backend tunables.
type AppConfig struct {
	TimerDelay  time.Duration
	MetricsAddr string
	LegacyName  string
}

// Load reads configuration from defaults, the environment and, when flags is
// non-nil, any flags the user changed. Flags win over the environment.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	userHome, _ := os.UserHomeDir()

	v.SetDefault(KeyUserHome, userHome)
	v.SetDefault(KeyHostHome, "")
	v.SetDefault(KeySettingsDir, "")
	v.SetDefault(KeyRuntimeDir, "")
	v.SetDefault(KeyLogDir, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyUploadEndpoint, assets.DefaultEndpoint)
	v.SetDefault(KeyUploadTimeout, assets.DefaultTimeout)
	v.SetDefault(KeyUploadInsecure, true)
	v.SetDefault(KeyUploadMaxBytes, assets.DefaultMaxImageBytes)
	v.SetDefault(KeyUploadBatchSize, assets.DefaultBatchSize)
	v.SetDefault(KeyCodec, plugin.CodecJSON)
	v.SetDefault(KeyTransport, TransportStdio)
	v.SetDefault(KeySocket, "")
	v.SetDefault(KeyMaxMessageBytes, 64<<20)
	v.SetDefault(KeyTimerDelay, 15*time.Second)
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLegacyName, "decky-template")

	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{
		Host: HostConfig{
			Home:        v.GetString(KeyHostHome),
			UserHome:    v.GetString(KeyUserHome),
			SettingsDir: v.GetString(KeySettingsDir),
			RuntimeDir:  v.GetString(KeyRuntimeDir),
			LogDir:      v.GetString(KeyLogDir),
		},
		Log: LogConfig{
			Level: v.GetString(KeyLogLevel),
		},
		Upload: UploadConfig{
			Endpoint:  v.GetString(KeyUploadEndpoint),
			Timeout:   v.GetDuration(KeyUploadTimeout),
			Insecure:  v.GetBool(KeyUploadInsecure),
			MaxBytes:  v.GetInt64(KeyUploadMaxBytes),
			BatchSize: v.GetInt(KeyUploadBatchSize),
		},
		Transport: TransportConfig{
			Codec:           strings.ToLower(v.GetString(KeyCodec)),
			Mode:            strings.ToLower(v.GetString(KeyTransport)),
			Socket:          v.GetString(KeySocket),
			MaxMessageBytes: v.GetInt(KeyMaxMessageBytes),
		},
		App: AppConfig{
			TimerDelay:  v.GetDuration(KeyTimerDelay),
			MetricsAddr: v.GetString(KeyMetricsAddr),
			LegacyName:  v.GetString(KeyLegacyName),
		},
	}

	if cfg.Host.Home == "" && cfg.Host.UserHome != "" {
		cfg.Host.Home = filepath.Join(cfg.Host.UserHome, "homebrew")
	}
	if cfg.Transport.Mode == TransportUnix && cfg.Transport.Socket == "" {
		dir := cfg.Host.RuntimeDir
		if dir == "" {
			dir = os.TempDir()
		}
		cfg.Transport.Socket = filepath.Join(dir, SocketName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the backend cannot run with.
func (c *Config) Validate() error {
	if _, err := plugin.CodecByName(c.Transport.Codec); err != nil {
		return fmt.Errorf("invalid %s: %w", KeyCodec, err)
	}
	switch c.Transport.Mode {
	case TransportStdio, TransportUnix:
	default:
		return fmt.Errorf("invalid %s %q: want %s or %s", KeyTransport, c.Transport.Mode, TransportStdio, TransportUnix)
	}
	if c.Transport.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", KeyMaxMessageBytes)
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyUploadTimeout)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("%s must be positive", KeyUploadMaxBytes)
	}
	if c.Upload.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyUploadBatchSize)
	}
	if c.App.TimerDelay < 0 {
		return fmt.Errorf("%s must not be negative", KeyTimerDelay)
	}
	return nil
}
