package log

import (
	stdlog "log"
)

// Config carries the operator-facing logging knobs.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
}

// ApplyConfig builds a Logger from a Config, defaulting to info/text.
func ApplyConfig(cfg *Config) (Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch cfg.Format {
	case "json":
		formatter = &JSONFormatter{}
	default:
		formatter = &TextFormatter{}
	}
	return NewLogger(WithLevel(lvl), WithFormatter(formatter)), nil
}

// RedirectStdLog routes standard-library log output (used by Pebble) through
// the given logger at info level.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogAdapter{logger: logger.With(Component("stdlog"))})
}

type stdLogAdapter struct {
	logger Logger
}

func (a stdLogAdapter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	a.logger.Info(msg)
	return len(p), nil
}
