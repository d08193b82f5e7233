package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/cristalhq/aconfig"
	"github.com/joho/godotenv"
)

// Env is the process environment of the CLI
type Env struct {
	ConfigFile  string `env:"MMATE_CONFIG" default:"mmate.toml" usage:"path of the TOML configuration"`
	LogLevel    string `env:"LOG_LEVEL" default:"info" usage:"debug, info, warn or error"`
	LogFormat   string `env:"LOG_FORMAT" default:"text" usage:"text or json"`
	MetricsAddr string `env:"MMATE_METRICS_ADDR" default:"" usage:"address serving /metrics, empty disables it"`
	Debug       bool   `env:"MMATE_DEBUG" default:"false" usage:"enables round robin unless configured"`
}

// LoadEnv loads the given .env files (".env" when none are given), skipping
// missing ones, then reads the environment. Variables already set win over
// .env entries.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var env Env
	loader := aconfig.LoaderFor(&env, aconfig.Config{
		SkipFiles: true,
		SkipFlags: true,
	})
	if err := loader.Load(); err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return env, nil
}

// Logger builds the process logger from LogLevel and LogFormat
func (e Env) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return nil, invalid("LOG_LEVEL", fmt.Sprintf("unknown level %q", e.LogLevel), err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(e.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, invalid("LOG_FORMAT", fmt.Sprintf("unknown format %q", e.LogFormat), nil)
}
