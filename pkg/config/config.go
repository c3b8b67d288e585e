package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/tether/pkg/devserver"
	"github.com/go-go-golems/tether/pkg/eventbus"
	"github.com/go-go-golems/tether/pkg/outbox"
	"github.com/go-go-golems/tether/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TETHER"

type Settings struct {
	LogLevel string            `mapstructure:"log-level" yaml:"log-level"`
	Session  SessionSettings   `mapstructure:"session" yaml:"session"`
	Outbox   OutboxSettings    `mapstructure:"outbox" yaml:"outbox"`
	EventBus eventbus.Settings `mapstructure:"eventbus" yaml:"eventbus"`
	Server   devserver.Config  `mapstructure:"server" yaml:"server"`
}

type SessionSettings struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	Token             string        `mapstructure:"token" yaml:"token"`
	TokenParam        string        `mapstructure:"token-param" yaml:"token-param"`
	BaseDelay         time.Duration `mapstructure:"base-delay" yaml:"base-delay"`
	MaxAttempts       int           `mapstructure:"max-attempts" yaml:"max-attempts"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval" yaml:"heartbeat-interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat-timeout" yaml:"heartbeat-timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect-timeout" yaml:"connect-timeout"`
	WriteTimeout      time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`
}

// OutboxSettings selects the outbound queue. An empty Path keeps the queue
// in memory.
type OutboxSettings struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxEntries int    `mapstructure:"max-entries" yaml:"max-entries"`
}

func setDefaults(v *viper.Viper) {
	srv := devserver.DefaultConfig()
	bus := eventbus.DefaultSettings()

	v.SetDefault("log-level", "info")
	v.SetDefault("session.url", "ws://localhost:8765/ws")
	v.SetDefault("session.token", "")
	v.SetDefault("session.token-param", "")
	v.SetDefault("session.base-delay", "1s")
	v.SetDefault("session.max-attempts", 5)
	v.SetDefault("session.heartbeat-interval", "30s")
	v.SetDefault("session.heartbeat-timeout", "10s")
	v.SetDefault("session.connect-timeout", "10s")
	v.SetDefault("session.write-timeout", "10s")
	v.SetDefault("outbox.path", "")
	v.SetDefault("outbox.max-entries", 0)
	v.SetDefault("eventbus.redis-enabled", false)
	v.SetDefault("eventbus.redis-addr", bus.RedisAddr)
	v.SetDefault("eventbus.redis-group", bus.Group)
	v.SetDefault("eventbus.redis-consumer", bus.Consumer)
	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.path", srv.Path)
	v.SetDefault("server.tokens", []string{})
	v.SetDefault("server.auth-timeout", srv.AuthTimeout.String())
	v.SetDefault("server.status-interval", srv.StatusInterval.String())
	v.SetDefault("server.chunk-delay", srv.ChunkDelay.String())
}

// Load reads settings from path, or from $TETHER_CONFIG, or from
// ~/.config/tether/config.yaml when present. TETHER_* environment variables
// override the file, e.g. TETHER_SESSION_URL or TETHER_EVENTBUS_REDIS_ENABLED.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tether"))
		}
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Settings{}, errors.Wrap(err, "read config")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "unmarshal config")
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return errors.Wrapf(err, "log-level %q", s.LogLevel)
	}
	if s.Session.MaxAttempts < 0 {
		return errors.New("session.max-attempts must not be negative")
	}
	if s.Outbox.MaxEntries < 0 {
		return errors.New("outbox.max-entries must not be negative")
	}
	return nil
}

// SessionOptions converts the session section into session options. The
// endpoint is taken from Session.URL.
func (s Settings) SessionOptions(logger zerolog.Logger) []session.Option {
	opts := []session.Option{
		session.WithEndpoint(s.Session.URL),
		session.WithBackoff(s.Session.BaseDelay, s.Session.MaxAttempts),
		session.WithHeartbeat(s.Session.HeartbeatInterval, s.Session.HeartbeatTimeout),
		session.WithConnectTimeout(s.Session.ConnectTimeout),
		session.WithWriteTimeout(s.Session.WriteTimeout),
		session.WithLogger(logger),
	}
	if s.Session.TokenParam != "" {
		opts = append(opts, session.WithTokenParam(s.Session.TokenParam))
	}
	return opts
}

// OpenQueue builds the configured outbound queue.
func (s Settings) OpenQueue() (outbox.Queue, error) {
	opts := []outbox.Option{outbox.WithMaxEntries(s.Outbox.MaxEntries)}
	if s.Outbox.Path == "" {
		return outbox.NewMemoryQueue(opts...), nil
	}
	dir := filepath.Dir(s.Outbox.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create outbox dir %s", dir)
	}
	return outbox.NewSQLiteQueue(s.Outbox.Path, opts...)
}

// Dump renders s as YAML with the credential masked.
func Dump(s Settings) ([]byte, error) {
	if s.Session.Token != "" {
		s.Session.Token = "***"
	}
	if len(s.Server.Tokens) > 0 {
		masked := make([]string, len(s.Server.Tokens))
		for i := range masked {
			masked[i] = "***"
		}
		s.Server.Tokens = masked
	}
	b, err := yaml.Marshal(s)
	return b, errors.Wrap(err, "marshal config")
}
