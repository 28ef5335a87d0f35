// Package config loads server configuration with viper.
//
// Every key has a default. An optional file (yaml, json, toml or .env) given
// with -config overrides the defaults, and environment variables prefixed
// TUTOR_ override both: http.port is TUTOR_HTTP_PORT.
//
// The lesson catalog lives in its own file (catalog.file) and is read by
// LoadCatalog.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/tutorly/credit-engine/engine"
)

type Config struct {
	HTTP struct {
		Port        int
		CORSOrigins []string
	}
	DB struct {
		Path string
	}
	Redis struct {
		// Addr empty means notifications go to the log.
		Addr     string
		Password string
		DB       int
		List     string
	}
	Digest struct {
		Enabled  bool
		Interval time.Duration
	}
	Packages struct {
		ValidityDays int
	}
	Gate struct {
		CancelWindow     time.Duration
		RescheduleWindow time.Duration
	}
	Ledger struct {
		MaxRetries int
	}
	Catalog struct {
		// File empty means bookings must carry an end time.
		File string
	}
}

// New returns a viper instance with defaults and env binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("db.path", "tutoring.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.list", "tutoring:notifications")
	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.interval", 24*time.Hour)
	v.SetDefault("packages.validity_days", 180)
	v.SetDefault("gate.cancel_window", 24*time.Hour)
	v.SetDefault("gate.reschedule_window", 12*time.Hour)
	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("catalog.file", "")

	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) on top of the defaults and decodes the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates a configured viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	c.HTTP.Port = v.GetInt("http.port")
	c.HTTP.CORSOrigins = v.GetStringSlice("http.cors_origins")
	c.DB.Path = v.GetString("db.path")
	c.Redis.Addr = v.GetString("redis.addr")
	c.Redis.Password = v.GetString("redis.password")
	c.Redis.DB = v.GetInt("redis.db")
	c.Redis.List = v.GetString("redis.list")
	c.Digest.Enabled = v.GetBool("digest.enabled")
	c.Digest.Interval = v.GetDuration("digest.interval")
	c.Packages.ValidityDays = v.GetInt("packages.validity_days")
	c.Gate.CancelWindow = v.GetDuration("gate.cancel_window")
	c.Gate.RescheduleWindow = v.GetDuration("gate.reschedule_window")
	c.Ledger.MaxRetries = v.GetInt("ledger.max_retries")
	c.Catalog.File = v.GetString("catalog.file")

	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return nil, fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	case c.DB.Path == "":
		return nil, fmt.Errorf("db.path is required")
	case c.Digest.Enabled && c.Digest.Interval <= 0:
		return nil, fmt.Errorf("digest.interval must be positive")
	case c.Packages.ValidityDays <= 0:
		return nil, fmt.Errorf("packages.validity_days must be positive")
	case c.Gate.CancelWindow < 0 || c.Gate.RescheduleWindow < 0:
		return nil, fmt.Errorf("gate windows must not be negative")
	}
	return &c, nil
}

// =============================================================================
// CATALOG
// =============================================================================

type catalogFile struct {
	Sessions []catalogSession `mapstructure:"sessions"`
}

type catalogSession struct {
	CourseID       string  `mapstructure:"course_id"`
	UnitID         string  `mapstructure:"unit_id"`
	SessionID      string  `mapstructure:"session_id"`
	Title          string  `mapstructure:"title"`
	EstimatedHours float64 `mapstructure:"estimated_hours"`
}

// LoadCatalog reads the lesson catalog (yaml, json or toml) from path.
func LoadCatalog(path string) (engine.StaticCatalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}

	cat := make(engine.StaticCatalog, len(file.Sessions))
	for i, s := range file.Sessions {
		if s.CourseID == "" || s.EstimatedHours <= 0 {
			return nil, fmt.Errorf("catalog %s: session %d needs course_id and positive estimated_hours", path, i)
		}
		ref := engine.CatalogRef{CourseID: engine.CourseID(s.CourseID), UnitID: s.UnitID, SessionID: s.SessionID}
		if _, dup := cat[ref]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate session %s/%s/%s", path, s.CourseID, s.UnitID, s.SessionID)
		}
		cat[ref] = engine.CatalogEntry{Title: s.Title, EstimatedHours: decimal.NewFromFloat(s.EstimatedHours)}
	}
	return cat, nil
}
