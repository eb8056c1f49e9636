package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

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
	LogLevel   string        `mapstructure:"log_level"`

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer       int           `mapstructure:"send_buffer"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	ActivityDebounce time.Duration `mapstructure:"activity_debounce"`

	Client ClientConfig `mapstructure:"client"`
}

// ClientConfig drives cmd/meshclient.
type ClientConfig struct {
	RelayURL              string        `mapstructure:"relay_url"`
	Room                  string        `mapstructure:"room"`
	ID                    int64         `mapstructure:"id"`
	DisplayName           string        `mapstructure:"display_name"`
	AvatarRef             string        `mapstructure:"avatar_ref"`
	ICEServers            []string      `mapstructure:"ice_servers"`
	SampleInterval        time.Duration `mapstructure:"sample_interval"`
	SpeakingThresholdDB   float64       `mapstructure:"speaking_threshold_db"`
	MaxBufferedCandidates int           `mapstructure:"max_buffered_candidates"`
	NegotiationWorkers    int           `mapstructure:"negotiation_workers"`
	PCMPath               string        `mapstructure:"pcm_path"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an
// error; VOICE_* environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
	v.SetDefault("activity_debounce", "50ms")

	v.SetDefault("client.relay_url", "ws://localhost:8080/ws/voice")
	v.SetDefault("client.room", "main")
	v.SetDefault("client.id", 0)
	v.SetDefault("client.display_name", "")
	v.SetDefault("client.avatar_ref", "")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.sample_interval", "100ms")
	v.SetDefault("client.speaking_threshold_db", -45.0)
	v.SetDefault("client.max_buffered_candidates", 64)
	v.SetDefault("client.negotiation_workers", 4)
	v.SetDefault("client.pcm_path", "")
}
