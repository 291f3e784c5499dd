package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/syncroom/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// EngineConfig is the root configuration for a collaboration engine instance.
	EngineConfig struct {
		Connection    ConnectionConfig    `yaml:"connection"`
		Presence      PresenceConfig      `yaml:"presence"`
		Documents     DocumentConfig      `yaml:"documents"`
		Sessions      SessionConfig       `yaml:"sessions"`
		Notifications NotificationConfig  `yaml:"notifications"`
		Reaper        ReaperConfig        `yaml:"reaper"`
		Features      FeatureConfig       `yaml:"features"`
		Logger        LoggerConfig        `yaml:"logger"`
		Metrics       MetricsConfig       `yaml:"metrics"`
	}

	// ConnectionConfig tunes the websocket connection manager.
	ConnectionConfig struct {
		URL                  string        `yaml:"url"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
		FlushInterval        time.Duration `yaml:"flush_interval"`
		BatchSize            int           `yaml:"batch_size"`            // envelopes per flush under normal load
		QueueSoftCap         int           `yaml:"queue_soft_cap"`        // above this the flusher switches to larger batches
		InitialBackoff       time.Duration `yaml:"initial_backoff"`
		MaxBackoff           time.Duration `yaml:"max_backoff"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	}

	// PresenceConfig selects and tunes the presence store.
	PresenceConfig struct {
		Type  string              `yaml:"type"` // "memory" or "redis"
		TTL   time.Duration       `yaml:"ttl"`  // staleness window for ListActive / sweep
		Redis PresenceRedisConfig `yaml:"redis"`
	}

	// PresenceRedisConfig is the Redis mirror configuration for presence.
	PresenceRedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	}

	// DocumentConfig tunes the document synchronizer.
	DocumentConfig struct {
		IdleTimeout time.Duration `yaml:"idle_timeout"` // idle documents past this are sweep-evictable
	}

	// SessionConfig tunes the session coordinator.
	SessionConfig struct {
		ChatCap     int           `yaml:"chat_cap"`     // bounded chat transcript length
		IdleTimeout time.Duration `yaml:"idle_timeout"` // idle/ended sessions past this are sweep-evictable
		HostGrace   time.Duration `yaml:"host_grace"`   // host re-join window before the session ends
	}

	// NotificationConfig tunes the notification center.
	NotificationConfig struct {
		Cap      int                  `yaml:"cap"`
		Settings NotificationSettings `yaml:"settings"`
	}

	// NotificationSettings toggles notification categories at dispatch.
	NotificationSettings struct {
		UploadStarted   bool `yaml:"upload_started"`
		UploadCompleted bool `yaml:"upload_completed"`
		UploadFailed    bool `yaml:"upload_failed"`
		UploadShared    bool `yaml:"upload_shared"`
		Mentions        bool `yaml:"mentions"`
	}

	// ReaperConfig tunes the periodic resource sweep.
	ReaperConfig struct {
		Interval time.Duration `yaml:"interval"`
	}

	// FeatureConfig toggles whole event categories at dispatch.
	FeatureConfig struct {
		EnablePresence         bool `yaml:"enable_presence"`
		EnableRealTimeProgress bool `yaml:"enable_real_time_progress"`
		EnableNotifications    bool `yaml:"enable_notifications"`
		EnableActivityFeed     bool `yaml:"enable_activity_feed"`
		EnableAutoSharing      bool `yaml:"enable_auto_sharing"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Addr      string    `yaml:"addr"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

type Type interface {
	EngineConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	if engineCfg, ok := any(&cfg).(*EngineConfig); ok {
		SetEngineDefaults(engineCfg)
	}

	return &cfg, cfgPath, nil
}

// DefaultEngineConfig returns a config with every feature and notification
// category enabled and all tunables at their defaults. Library consumers that
// do not load a YAML file start from this.
func DefaultEngineConfig() *EngineConfig {
	cfg := &EngineConfig{
		Features: FeatureConfig{
			EnablePresence:         true,
			EnableRealTimeProgress: true,
			EnableNotifications:    true,
			EnableActivityFeed:     true,
			EnableAutoSharing:      true,
		},
		Notifications: NotificationConfig{
			Settings: NotificationSettings{
				UploadStarted:   true,
				UploadCompleted: true,
				UploadFailed:    true,
				UploadShared:    true,
				Mentions:        true,
			},
		},
	}
	SetEngineDefaults(cfg)
	return cfg
}

// SetEngineDefaults fills zero-valued tunables with their defaults.
func SetEngineDefaults(cfg *EngineConfig) {
	if cfg.Connection.HeartbeatInterval <= 0 {
		cfg.Connection.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Connection.HeartbeatTimeout <= 0 {
		cfg.Connection.HeartbeatTimeout = 3 * cfg.Connection.HeartbeatInterval
	}
	if cfg.Connection.FlushInterval <= 0 {
		cfg.Connection.FlushInterval = 50 * time.Millisecond
	}
	if cfg.Connection.BatchSize <= 0 {
		cfg.Connection.BatchSize = 16
	}
	if cfg.Connection.QueueSoftCap <= 0 {
		cfg.Connection.QueueSoftCap = 256
	}
	if cfg.Connection.InitialBackoff <= 0 {
		cfg.Connection.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Connection.MaxBackoff <= 0 {
		cfg.Connection.MaxBackoff = 30 * time.Second
	}
	if cfg.Connection.MaxReconnectAttempts <= 0 {
		cfg.Connection.MaxReconnectAttempts = 10
	}
	if cfg.Presence.Type == "" {
		cfg.Presence.Type = "memory"
	}
	if cfg.Presence.TTL <= 0 {
		cfg.Presence.TTL = 5 * time.Minute
	}
	if cfg.Presence.Redis.TTL <= 0 {
		cfg.Presence.Redis.TTL = cfg.Presence.TTL
	}
	if cfg.Documents.IdleTimeout <= 0 {
		cfg.Documents.IdleTimeout = 30 * time.Minute
	}
	if cfg.Sessions.ChatCap <= 0 {
		cfg.Sessions.ChatCap = 200
	}
	if cfg.Sessions.IdleTimeout <= 0 {
		cfg.Sessions.IdleTimeout = 30 * time.Minute
	}
	if cfg.Sessions.HostGrace <= 0 {
		cfg.Sessions.HostGrace = 2 * time.Minute
	}
	if cfg.Notifications.Cap <= 0 {
		cfg.Notifications.Cap = 100
	}
	if cfg.Reaper.Interval <= 0 {
		cfg.Reaper.Interval = time.Minute
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
