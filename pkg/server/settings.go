package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backend selects the log/broker pair at startup.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Settings controls the relay server. Values come from the YAML config file
// and are overridden by flags; the zero value plus ApplyDefaults is a
// runnable in-memory configuration.
type Settings struct {
	Addr          string        `yaml:"addr"`
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	SQLiteDSN     string        `yaml:"sqlite_dsn"`
	StreamTTL     time.Duration `yaml:"stream_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	AppendRetries int           `yaml:"append_retries"`
}

func (s *Settings) ApplyDefaults() {
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	if s.RedisAddr == "" {
		s.RedisAddr = "localhost:6379"
	}
	if s.SQLiteDSN == "" {
		s.SQLiteDSN = "chat-relay.db"
	}
	if s.StreamTTL <= 0 {
		s.StreamTTL = time.Hour
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 30 * time.Second
	}
	if s.AppendRetries <= 0 {
		s.AppendRetries = 3
	}
}

func (s *Settings) Validate() error {
	switch s.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
		return nil
	default:
		return errors.Errorf("unknown backend %q (want %s, %s or %s)",
			s.Backend, BackendMemory, BackendRedis, BackendSQLite)
	}
}

// UnmarshalYAML accepts human-friendly duration strings ("1h", "30s") for
// the TTL fields, which yaml.v3 does not decode into time.Duration natively.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	type rawSettings struct {
		Addr          string `yaml:"addr"`
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redis_addr"`
		SQLiteDSN     string `yaml:"sqlite_dsn"`
		StreamTTL     string `yaml:"stream_ttl"`
		SweepInterval string `yaml:"sweep_interval"`
		AppendRetries int    `yaml:"append_retries"`
	}
	var raw rawSettings
	if err := value.Decode(&raw); err != nil {
		return errors.Wrap(err, "decode settings")
	}
	s.Addr = raw.Addr
	s.Backend = raw.Backend
	s.RedisAddr = raw.RedisAddr
	s.SQLiteDSN = raw.SQLiteDSN
	s.AppendRetries = raw.AppendRetries
	if raw.StreamTTL != "" {
		d, err := time.ParseDuration(raw.StreamTTL)
		if err != nil {
			return errors.Wrap(err, "parse stream_ttl")
		}
		s.StreamTTL = d
	}
	if raw.SweepInterval != "" {
		d, err := time.ParseDuration(raw.SweepInterval)
		if err != nil {
			return errors.Wrap(err, "parse sweep_interval")
		}
		s.SweepInterval = d
	}
	return nil
}

// LoadSettings reads a YAML settings file. A missing path yields defaults.
func LoadSettings(path string) (Settings, error) {
	s := Settings{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, errors.Wrap(err, "parse config")
		}
	}
	s.ApplyDefaults()
	return s, s.Validate()
}
