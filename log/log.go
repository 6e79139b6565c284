package log

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/config"
	"github.com/veymar/trackgate/constant"
)

func FromConfig(conf config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.Level)
	if nil != err {
		panic("invalid logging level: " + conf.Level)
	}

	switch strings.ToLower(conf.Format) {
	case "json":
		return zerolog.
			New(os.Stderr).
			Hook(&stackHook{}).
			With().
			Timestamp().
			Str("version", constant.Version).
			Str("compile_time", constant.CompileTime).
			Logger().
			Level(level)
	case "pretty":
		return zerolog.
			New(zerolog.ConsoleWriter{ //nolint:exhaustruct
				Out:          os.Stderr,
				TimeFormat:   time.RFC3339,
				TimeLocation: time.UTC,
			}).
			Hook(&stackHook{}).
			With().
			Timestamp().
			Str("version", constant.Version).
			Str("compile_time", constant.CompileTime).
			Logger().
			Level(level)
	default:
		panic("invalid logging format: " + conf.Format)
	}
}

// NewDefault is the pre-config logger. It writes pretty output on a
// terminal and plain JSON otherwise.
func NewDefault() zerolog.Logger {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return zerolog.
			New(os.Stderr).
			Hook(&stackHook{}).
			With().
			Timestamp().
			Str("version", constant.Version).
			Str("compile_time", constant.CompileTime).
			Logger().
			Level(zerolog.InfoLevel)
	}

	return zerolog.
		New(zerolog.ConsoleWriter{ //nolint:exhaustruct
			Out:          os.Stderr,
			TimeFormat:   time.RFC3339,
			TimeLocation: time.UTC,
		}).
		Hook(&stackHook{}).
		With().
		Timestamp().
		Str("version", constant.Version).
		Str("compile_time", constant.CompileTime).
		Logger().
		Level(zerolog.InfoLevel)
}
