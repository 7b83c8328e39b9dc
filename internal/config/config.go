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
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	NodeName   string        `mapstructure:"node_name"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	CookieName string        `mapstructure:"cookie_name"`

	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Calls      CallsConfig      `mapstructure:"calls"`
	VideoGroup VideoGroupConfig `mapstructure:"video_group"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	ICEServers []ICEServer      `mapstructure:"ice_servers"`
}

type StoreConfig struct {
	// Driver is "redis" or "memory". Memory only works for a single process.
	Driver       string        `mapstructure:"driver"`
	OpTimeout    time.Duration `mapstructure:"op_timeout"`
	FanoutPrefix string        `mapstructure:"fanout_prefix"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	IOTimeout   time.Duration `mapstructure:"io_timeout"`
}

type DirectoryConfig struct {
	// Driver is "mongo" or "memory".
	Driver string `mapstructure:"driver"`
	// StaticTokens maps credential tokens to identities for the memory driver.
	StaticTokens map[string]string `mapstructure:"static_tokens"`
	// StaticRooms seeds the memory driver's room directory.
	StaticRooms []StaticRoom `mapstructure:"static_rooms"`
}

type StaticRoom struct {
	ID       string `mapstructure:"id"`
	Kind     string `mapstructure:"kind"`
	Owner    string `mapstructure:"owner"`
	MaxUsers int    `mapstructure:"max_users"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type PresenceConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type CallsConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	RingGrace   time.Duration `mapstructure:"ring_grace"`
	ActiveTTL   time.Duration `mapstructure:"active_ttl"`
	EndedTTL    time.Duration `mapstructure:"ended_ttl"`
}

type VideoGroupConfig struct {
	MinMembers     int           `mapstructure:"min_members"`
	MaxMembers     int           `mapstructure:"max_members"`
	DefaultMembers int           `mapstructure:"default_members"`
	ActiveTTL      time.Duration `mapstructure:"active_ttl"`
	EndedTTL       time.Duration `mapstructure:"ended_ttl"`
}

type RateLimitConfig struct {
	Intents  int           `mapstructure:"intents"`
	Interval time.Duration `mapstructure:"interval"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("node_name", "")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("cookie_name", "bc_session")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.op_timeout", "3s")
	v.SetDefault("store.fanout_prefix", "huddle:fanout:")

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.dial_timeout", "10s")
	v.SetDefault("redis.io_timeout", "3s")

	v.SetDefault("directory.driver", "mongo")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "huddle")

	v.SetDefault("presence.default_limit", 50)
	v.SetDefault("presence.max_limit", 500)

	v.SetDefault("calls.ring_timeout", "90s")
	v.SetDefault("calls.ring_grace", "10s")
	v.SetDefault("calls.active_ttl", "30m")
	v.SetDefault("calls.ended_ttl", "60s")

	v.SetDefault("video_group.min_members", 2)
	v.SetDefault("video_group.max_members", 50)
	v.SetDefault("video_group.default_members", 12)
	v.SetDefault("video_group.active_ttl", "1h")
	v.SetDefault("video_group.ended_ttl", "120s")

	v.SetDefault("rate_limit.intents", 40)
	v.SetDefault("rate_limit.interval", "1s")

	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) on top of the
// defaults. HUDDLE_* environment variables override both, e.g.
// HUDDLE_REDIS_URL or HUDDLE_CALLS_RING_TIMEOUT.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeName == "" {
		host, _ := os.Hostname()
		cfg.NodeName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Directory.Driver {
	case "mongo", "memory":
	default:
		return fmt.Errorf("config: unknown directory.driver %q", c.Directory.Driver)
	}
	if c.Calls.RingTimeout <= 0 {
		return fmt.Errorf("config: calls.ring_timeout must be positive")
	}
	vg := c.VideoGroup
	if vg.MinMembers < 1 || vg.MaxMembers < vg.MinMembers {
		return fmt.Errorf("config: video_group members range [%d, %d] is invalid", vg.MinMembers, vg.MaxMembers)
	}
	if c.Presence.MaxLimit < 1 {
		return fmt.Errorf("config: presence.max_limit must be positive")
	}
	return nil
}
