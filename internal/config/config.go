// Package config loads the yaml configuration shared by the relay server and the call daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/VoiceCall/internal/adapters/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`

	BackpressurePolicy string        `mapstructure:"backpressure_policy"`
	OfferRateLimit     int           `mapstructure:"offer_rate_limit"`
	OfferRateWindow    time.Duration `mapstructure:"offer_rate_window"`

	LogLevel string    `mapstructure:"log_level"`
	LogFile  LogConfig `mapstructure:"log_file"`

	Call    CallConfig    `mapstructure:"call"`
	Gather  GatherConfig  `mapstructure:"gather"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Signal  SignalConfig  `mapstructure:"signal"`
	Store   StoreConfig   `mapstructure:"store"`
	Media   MediaConfig   `mapstructure:"media"`
	Control ControlConfig `mapstructure:"control"`
}

// LogConfig enables a rotated log file next to console output.
type LogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type CallConfig struct {
	AnswerTimeout       time.Duration `mapstructure:"answer_timeout"`
	RingTimeout         time.Duration `mapstructure:"ring_timeout"`
	ConnectingTimeout   time.Duration `mapstructure:"connecting_timeout"`
	ReconnectTimeout    time.Duration `mapstructure:"reconnect_timeout"`
	EndGrace            time.Duration `mapstructure:"end_grace"`
	CandidateAckTimeout time.Duration `mapstructure:"candidate_ack_timeout"`
	CandidateRetries    int           `mapstructure:"candidate_retries"`
	RestoreWindow       time.Duration `mapstructure:"restore_window"`
	DurationTick        time.Duration `mapstructure:"duration_tick"`
}

type GatherConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Floor    time.Duration `mapstructure:"floor"`
	Ceiling  time.Duration `mapstructure:"ceiling"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxFailures int           `mapstructure:"max_failures"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type SignalConfig struct {
	URL        string        `mapstructure:"url"`
	UserID     string        `mapstructure:"user_id"`
	Username   string        `mapstructure:"username"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	ICEServers []string      `mapstructure:"ice_servers"`
}

type StoreConfig struct {
	// Backend is one of memory, file, redis.
	Backend string            `mapstructure:"backend"`
	Path    string            `mapstructure:"path"`
	Redis   store.RedisConfig `mapstructure:"redis"`
}

// MediaConfig names the UDP endpoints local RTP is read from and remote RTP is written to.
type MediaConfig struct {
	AudioIngest string `mapstructure:"audio_ingest"`
	VideoIngest string `mapstructure:"video_ingest"`
	AudioRender string `mapstructure:"audio_render"`
	VideoRender string `mapstructure:"video_render"`
}

type ControlConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("backpressure_policy", "kick")
	v.SetDefault("offer_rate_limit", 5)
	v.SetDefault("offer_rate_window", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file.path", "")
	v.SetDefault("log_file.max_size_mb", 50)
	v.SetDefault("log_file.max_backups", 3)
	v.SetDefault("log_file.max_age_days", 14)
	v.SetDefault("log_file.compress", false)

	v.SetDefault("call.answer_timeout", "30s")
	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.connecting_timeout", "30s")
	v.SetDefault("call.reconnect_timeout", "9s")
	v.SetDefault("call.end_grace", "1s")
	v.SetDefault("call.candidate_ack_timeout", "2s")
	v.SetDefault("call.candidate_retries", 3)
	v.SetDefault("call.restore_window", "1m")
	v.SetDefault("call.duration_tick", "1s")

	v.SetDefault("gather.interval", "100ms")
	v.SetDefault("gather.floor", "2s")
	v.SetDefault("gather.ceiling", "8s")

	v.SetDefault("sync.interval", "5s")
	v.SetDefault("sync.max_failures", 3)
	v.SetDefault("sync.backoff", "500ms")

	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signal.user_id", "")
	v.SetDefault("signal.username", "")
	v.SetDefault("signal.min_backoff", "500ms")
	v.SetDefault("signal.max_backoff", "10s")
	v.SetDefault("signal.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "./data/session.json")
	v.SetDefault("store.redis.addr", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "voicecall:session:")
	v.SetDefault("store.redis.ttl", "10m")

	v.SetDefault("media.audio_ingest", "127.0.0.1:5004")
	v.SetDefault("media.video_ingest", "")
	v.SetDefault("media.audio_render", "")
	v.SetDefault("media.video_render", "")

	v.SetDefault("control.addr", "127.0.0.1:8090")
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults when it is missing.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads one yaml file. Every key can be overridden through a VOICE_ env var,
// e.g. VOICE_CALL_RING_TIMEOUT.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Backend).Msg("config ready")
	return &cfg, nil
}
