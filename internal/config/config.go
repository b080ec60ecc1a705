// Package config loads the duocall configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. DUOCALL_RELAY_URL.
const EnvPrefix = "DUOCALL"

// Config stores every parameter of a relay server or phone endpoint.
// Precedence is flags, then environment, then defaults.
type Config struct {
	SelfID string `mapstructure:"id" validate:"omitempty,max=64,excludesall=?&#/"`
	Name   string `mapstructure:"name" validate:"max=64"`
	Avatar string `mapstructure:"avatar" validate:"omitempty,url"`

	RelayURL   string `mapstructure:"relay_url" validate:"required,url,startswith=ws"`
	ListenAddr string `mapstructure:"listen" validate:"required,hostname_port"`

	STUNServers []string `mapstructure:"stun" validate:"dive,startswith=stun:"`

	RingTimeout time.Duration `mapstructure:"ring_timeout" validate:"gt=0"`
	GraceWindow time.Duration `mapstructure:"grace_window" validate:"gte=0"`
	PLIInterval time.Duration `mapstructure:"pli_interval" validate:"gt=0"`

	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gte=0"`
}

func setDefault(v *viper.Viper) {
	v.SetDefault("id", "")
	v.SetDefault("name", "")
	v.SetDefault("avatar", "")
	v.SetDefault("relay_url", "ws://localhost:8080/ws")
	v.SetDefault("listen", "0.0.0.0:8080")
	v.SetDefault("stun", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})
	v.SetDefault("ring_timeout", 60*time.Second)
	v.SetDefault("grace_window", 2*time.Second)
	v.SetDefault("pli_interval", 3*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("stats_interval", 10*time.Second)
}

// Load builds a Config from flags, the environment and defaults. flags may
// be nil; flag names map to keys with dashes replaced by underscores.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefault(v)

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !knownKeys[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownKeys = map[string]bool{
	"id": true, "name": true, "avatar": true,
	"relay_url": true, "listen": true, "stun": true,
	"ring_timeout": true, "grace_window": true, "pli_interval": true,
	"log_level": true, "stats_interval": true,
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireIdentity checks the fields a phone endpoint needs beyond a relay
// server.
func (c *Config) RequireIdentity() error {
	if c.SelfID == "" {
		return fmt.Errorf("invalid config: an endpoint id is required (--id or %s_ID)", EnvPrefix)
	}
	if c.Name == "" {
		c.Name = c.SelfID
	}
	return nil
}
