package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Secret   string `mapstructure:"secret"`

	// BaseURL is the ws:// or wss:// origin of the support server.
	BaseURL string `mapstructure:"base_url"`
	// Token and TicketID preselect a ticket at startup when both are set.
	Token     string `mapstructure:"token"`
	TicketID  string `mapstructure:"ticket_id"`
	Reconnect bool   `mapstructure:"reconnect"`

	Signal     SignalConfig `mapstructure:"signal"`
	ICEServers []string     `mapstructure:"ice_servers"`
	Media      MediaConfig  `mapstructure:"media"`
}

type SignalConfig struct {
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	MissedPongLimit int           `mapstructure:"missed_pong_limit"`
	SendQueue       int           `mapstructure:"send_queue"`
	// RecycleOnBackpressure drops a socket whose send queue is full instead
	// of dropping the frame.
	RecycleOnBackpressure bool `mapstructure:"recycle_on_backpressure"`
}

type MediaConfig struct {
	Width        int `mapstructure:"width"`
	Height       int `mapstructure:"height"`
	VideoBitrate int `mapstructure:"video_bitrate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "ticketcall-dev-secret")
	v.SetDefault("base_url", "ws://localhost:8000")
	v.SetDefault("token", "")
	v.SetDefault("ticket_id", "")
	v.SetDefault("reconnect", true)

	v.SetDefault("signal.heartbeat_period", "30s")
	v.SetDefault("signal.reconnect_delay", "3s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.read_limit", 1<<20)
	v.SetDefault("signal.missed_pong_limit", 0)
	v.SetDefault("signal.send_queue", 32)
	v.SetDefault("signal.recycle_on_backpressure", false)

	v.SetDefault("ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	v.SetDefault("media.width", 640)
	v.SetDefault("media.height", 480)
	v.SetDefault("media.video_bitrate", 1_500_000)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev when unset). A missing
// file falls back to defaults. TICKETCALL_* variables override both, with
// nested keys joined by "_" (TICKETCALL_SIGNAL_HEARTBEAT_PERIOD).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("TICKETCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("base_url", cfg.BaseURL).Msg("config ready")
	return &cfg, nil
}
