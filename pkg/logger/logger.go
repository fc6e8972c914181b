package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	charmLog "github.com/charmbracelet/log"

	"msgrelay/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	envFormat    = "RELAY_LOG_FORMAT"
	envLevel     = "RELAY_LOG_LEVEL"
	envAddSource = "RELAY_LOG_ADD_SOURCE"
)

// settings is a LoggingConfig after env overrides and defaults.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds the process logger: charm-rendered text for terminals, one JSON
// entry per line for collectors.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == formatJSON {
		return slog.New(newEntryHandler(writer, s.level, s.addSource)), nil
	}

	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLog.Level(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(pretty), nil
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	s := settings{addSource: cfg.AddSource}

	s.format = strings.ToLower(override(envFormat, cfg.Format))
	switch s.format {
	case "":
		s.format = formatText
	case formatText, formatJSON:
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", s.format)
	}

	level, err := parseLevel(override(envLevel, cfg.Level))
	if err != nil {
		return settings{}, err
	}
	s.level = level

	if value := strings.TrimSpace(os.Getenv(envAddSource)); value != "" {
		s.addSource = parseBool(value)
	}
	return s, nil
}

// override prefers a non-empty environment value over the configured one.
func override(env, configured string) string {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		return value
	}
	return strings.TrimSpace(configured)
}

func parseLevel(input string) (slog.Level, error) {
	switch strings.ToLower(input) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(input)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
	return level, nil
}

func parseBool(input string) bool {
	switch strings.ToLower(input) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

const previewLimit = 240

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= previewLimit {
		return trimmed
	}

	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}
