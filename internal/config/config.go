// Package config loads the syncd configuration from YAML with SYNCD_*
// environment overrides, validates it, and resolves encrypted student
// credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/domain/student"
	"github.com/bakaboard/sync_layer/internal/secrets"
)

// SecretKeyEnv names the environment variable holding the passphrase for
// enc:v1: credentials in the students section.
const SecretKeyEnv = "SYNCD_SECRET_KEY"

const maskedValue = "********"

// Config is the full syncd configuration tree.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	School      SchoolConfig      `yaml:"school"`
	Cache       CacheConfig       `yaml:"cache"`
	Journal     JournalConfig     `yaml:"journal"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Intervals   IntervalsConfig   `yaml:"intervals"`
	Students    []StudentConfig   `yaml:"students"`

	path     string
	loadedAt time.Time
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level" env:"SYNCD_LOG_LEVEL"`
	Format     string `yaml:"format" env:"SYNCD_LOG_FORMAT"`
	Output     string `yaml:"output" env:"SYNCD_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"SYNCD_LOG_FILE_PREFIX"`
}

// APIConfig controls the admin HTTP server.
type APIConfig struct {
	Listen         string   `yaml:"listen" env:"SYNCD_API_LISTEN"`
	JWTSecret      string   `yaml:"jwt_secret" env:"SYNCD_API_JWT_SECRET"`
	RateLimit      float64  `yaml:"rate_limit" env:"SYNCD_API_RATE_LIMIT"`
	RateBurst      int      `yaml:"rate_burst" env:"SYNCD_API_RATE_BURST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SYNCD_API_ALLOWED_ORIGINS"`
}

// SchoolConfig points syncd at the school API instance shared by all
// configured students.
type SchoolConfig struct {
	BaseURL    string        `yaml:"base_url" env:"SYNCD_SCHOOL_BASE_URL"`
	ClientID   string        `yaml:"client_id" env:"SYNCD_SCHOOL_CLIENT_ID"`
	Timeout    time.Duration `yaml:"timeout" env:"SYNCD_SCHOOL_TIMEOUT"`
	ExpirySkew time.Duration `yaml:"expiry_skew" env:"SYNCD_SCHOOL_EXPIRY_SKEW"`
	RateLimit  float64       `yaml:"rate_limit" env:"SYNCD_SCHOOL_RATE_LIMIT"`
	RateBurst  int           `yaml:"rate_burst" env:"SYNCD_SCHOOL_RATE_BURST"`
}

// CacheConfig selects the snapshot cache backend.
type CacheConfig struct {
	Backend string      `yaml:"backend" env:"SYNCD_CACHE_BACKEND"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend when cache.backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"SYNCD_REDIS_ADDR"`
	Password string `yaml:"password" env:"SYNCD_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"SYNCD_REDIS_DB"`
	Prefix   string `yaml:"prefix" env:"SYNCD_REDIS_PREFIX"`
}

// JournalConfig sizes the in-memory event journal.
type JournalConfig struct {
	Capacity int `yaml:"capacity" env:"SYNCD_JOURNAL_CAPACITY"`
}

// MaintenanceConfig controls the background cache sweeper.
type MaintenanceConfig struct {
	Schedule string `yaml:"schedule" env:"SYNCD_MAINTENANCE_SCHEDULE"`
}

// IntervalsConfig holds per-domain refresh intervals in seconds. The same
// interval applies to every student.
type IntervalsConfig struct {
	Timetable   int `yaml:"timetable" env:"SYNCD_INTERVAL_TIMETABLE"`
	Marks       int `yaml:"marks" env:"SYNCD_INTERVAL_MARKS"`
	Messages    int `yaml:"messages" env:"SYNCD_INTERVAL_MESSAGES"`
	Summary     int `yaml:"summary" env:"SYNCD_INTERVAL_SUMMARY"`
	Preparation int `yaml:"preparation" env:"SYNCD_INTERVAL_PREPARATION"`
	ExternalDoc int `yaml:"external_doc" env:"SYNCD_INTERVAL_EXTERNAL_DOC"`
}

// For returns the refresh interval for a domain.
func (i IntervalsConfig) For(domain feed.Domain) time.Duration {
	seconds := 0
	switch domain {
	case feed.DomainTimetable:
		seconds = i.Timetable
	case feed.DomainMarks:
		seconds = i.Marks
	case feed.DomainMessages:
		seconds = i.Messages
	case feed.DomainSummary:
		seconds = i.Summary
	case feed.DomainPreparation:
		seconds = i.Preparation
	case feed.DomainExternalDoc:
		seconds = i.ExternalDoc
	}
	return time.Duration(seconds) * time.Second
}

// StudentConfig is one student entry. Password may be plain text or an
// enc:v1: value sealed with the SYNCD_SECRET_KEY passphrase.
type StudentConfig struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Username    string             `yaml:"username"`
	Password    string             `yaml:"password"`
	ExternalDoc *ExternalDocConfig `yaml:"external_doc"`
}

// ExternalDocConfig points one student at an already-converted document
// feed outside the school API.
type ExternalDocConfig struct {
	URL         string `yaml:"url"`
	BearerToken string `yaml:"bearer_token"`
}

// Load reads, overrides, decrypts and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parse(data, os.Getenv(SecretKeyEnv))
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// parse is the environment-free core of Load so tests can drive it with an
// explicit master key.
func parse(data []byte, masterKey string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.decryptPasswords(masterKey); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.loadedAt = time.Now().UTC()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = 10
	}
	if c.API.RateBurst <= 0 {
		c.API.RateBurst = 20
	}
	if c.School.ClientID == "" {
		c.School.ClientID = "ANDR"
	}
	if c.School.Timeout <= 0 {
		c.School.Timeout = 30 * time.Second
	}
	if c.School.ExpirySkew <= 0 {
		c.School.ExpirySkew = 5 * time.Minute
	}
	if c.School.RateLimit <= 0 {
		c.School.RateLimit = 5
	}
	if c.School.RateBurst <= 0 {
		c.School.RateBurst = 5
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "syncd"
	}
	if c.Journal.Capacity <= 0 {
		c.Journal.Capacity = 2000
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 5m"
	}
	if c.Intervals.Timetable <= 0 {
		c.Intervals.Timetable = 3600
	}
	if c.Intervals.Marks <= 0 {
		c.Intervals.Marks = 1800
	}
	if c.Intervals.Messages <= 0 {
		c.Intervals.Messages = 900
	}
	if c.Intervals.Summary <= 0 {
		c.Intervals.Summary = 86400
	}
	if c.Intervals.Preparation <= 0 {
		c.Intervals.Preparation = 3600
	}
	if c.Intervals.ExternalDoc <= 0 {
		c.Intervals.ExternalDoc = 3600
	}
}

func (c *Config) decryptPasswords(masterKey string) error {
	for i, s := range c.Students {
		if !secrets.IsEncrypted(s.Password) {
			continue
		}
		if masterKey == "" {
			return fmt.Errorf("student %s: password is encrypted but %s is not set", s.ID, SecretKeyEnv)
		}
		plain, err := secrets.Decrypt(s.Password, masterKey)
		if err != nil {
			return fmt.Errorf("student %s: %w", s.ID, err)
		}
		c.Students[i].Password = plain
	}
	return nil
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Students) > 0 && strings.TrimSpace(c.School.BaseURL) == "" {
		errs = append(errs, errors.New("school.base_url is required when students are configured"))
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not supported (memory, redis)", c.Cache.Backend))
	}

	seen := make(map[string]bool, len(c.Students))
	for _, s := range c.Students {
		if err := s.toStudent().Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("student %s: duplicate id", s.ID))
		}
		seen[s.ID] = true
	}

	return errors.Join(errs...)
}

// StudentList maps the students section onto domain profiles.
func (c *Config) StudentList() []student.Student {
	out := make([]student.Student, 0, len(c.Students))
	for _, s := range c.Students {
		out = append(out, s.toStudent())
	}
	return out
}

func (s StudentConfig) toStudent() student.Student {
	st := student.Student{
		ID:       s.ID,
		Name:     s.Name,
		Username: s.Username,
		Password: s.Password,
	}
	if s.ExternalDoc != nil {
		st.ExternalDoc = &student.ExternalDocSource{
			URL:         s.ExternalDoc.URL,
			BearerToken: s.ExternalDoc.BearerToken,
		}
	}
	return st
}

// Masked returns a deep copy with every secret replaced, safe to expose on
// the admin API.
func (c *Config) Masked() *Config {
	out := *c
	if out.API.JWTSecret != "" {
		out.API.JWTSecret = maskedValue
	}
	if out.Cache.Redis.Password != "" {
		out.Cache.Redis.Password = maskedValue
	}
	out.Students = make([]StudentConfig, len(c.Students))
	for i, s := range c.Students {
		masked := s
		if masked.Password != "" {
			masked.Password = maskedValue
		}
		if s.ExternalDoc != nil {
			doc := *s.ExternalDoc
			if doc.BearerToken != "" {
				doc.BearerToken = maskedValue
			}
			masked.ExternalDoc = &doc
		}
		out.Students[i] = masked
	}
	return &out
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// LoadedAt returns when the configuration was parsed.
func (c *Config) LoadedAt() time.Time { return c.loadedAt }
