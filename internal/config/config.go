// Package config loads the application configuration from, in order of
// increasing precedence: built-in defaults, an optional YAML file,
// STUDYLOOP_* environment variables, and command-line flags.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/studyloop/internal/memory"
)

const envPrefix = "STUDYLOOP_"

// Config is the full application configuration.
type Config struct {
	Server   Server        `koanf:"server"`
	Database Database      `koanf:"database"`
	Banks    Banks         `koanf:"banks"`
	Session  Session       `koanf:"session"`
	Memory   memory.Params `koanf:"memory"`
	Log      Log           `koanf:"log"`
}

type Server struct {
	Addr string `koanf:"addr" validate:"required"`
}

type Database struct {
	Path string `koanf:"path" validate:"required"`
}

// Banks locates the question bank directories. Remotes are git URLs
// mirrored under Dir on startup.
type Banks struct {
	Dir     string   `koanf:"dir" validate:"required"`
	Remotes []string `koanf:"remotes" validate:"dive,required"`
}

type Session struct {
	QuestionsPerTopic int `koanf:"questions_per_topic" validate:"min=1"`
}

type Log struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration, used as the base layer that
// file, environment and flag values merge over.
func Default() Config {
	return Config{
		Server:   Server{Addr: ":8080"},
		Database: Database{Path: "studyloop.db"},
		Banks:    Banks{Dir: "banks"},
		Session:  Session{QuestionsPerTopic: 5},
		Memory:   memory.DefaultParams(),
		Log:      Log{Level: "info"},
	}
}

// Flags returns the flag set the binary parses. Flag names mirror koanf
// keys, so posflag can merge them without a mapping table; flag defaults
// double as the built-in defaults for their keys, and file or environment
// values take precedence over them because posflag only merges an
// unchanged flag's default when the key is still missing.
func Flags() *pflag.FlagSet {
	def := Default()
	f := pflag.NewFlagSet("studyloop", pflag.ContinueOnError)
	f.String("config", "", "path to a YAML config file")
	f.String("server.addr", def.Server.Addr, "HTTP listen address")
	f.String("database.path", def.Database.Path, "path to the SQLite database file")
	f.String("banks.dir", def.Banks.Dir, "directory holding question banks")
	f.StringSlice("banks.remotes", nil, "git URLs of bank repositories to mirror")
	f.Int("session.questions_per_topic", def.Session.QuestionsPerTopic, "questions asked per topic in a session")
	f.String("log.level", def.Log.Level, "log level (debug, info, warn, error)")
	return f
}

// Load merges the configuration layers over the defaults and validates the
// result. Flags must already be parsed.
func Load(flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path, _ := flags.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// STUDYLOOP_SERVER__ADDR=:9090 maps to server.addr; a double
	// underscore separates nesting levels so keys may contain single
	// underscores themselves.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment config: %w", err)
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load flag config: %w", err)
	}
	k.Delete("config")

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Memory.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
