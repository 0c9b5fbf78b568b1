// Package logger holds the process-wide logger. Console encoding on a tty,
// plain capital levels otherwise, JSON when LOG_FORMAT=json.
package logger

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	zp "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/log/zap"
)

var Log log.Logger

func LoggerWithLevel(lvl zapcore.Level) log.Logger {
	return zap.Must(DefaultLoggerConfig(lvl))
}

func AdditionalComponentCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	path := caller.String()
	lastIndex := len(path) - 1
	for i := 0; i < 3; i++ {
		lastIndex = strings.LastIndex(path[0:lastIndex], "/")
		if lastIndex == -1 {
			break
		}
	}
	if lastIndex > 0 {
		path = path[lastIndex+1:]
	}
	enc.AppendString(path)
}

func getEnvLogLevel() zapcore.Level {
	lvl := zapcore.InfoLevel
	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(strings.ToLower(level))); err == nil {
			lvl = l
		}
	}
	return lvl
}

func DefaultLoggerConfig(level zapcore.Level) zp.Config {
	encoder := zapcore.CapitalColorLevelEncoder
	if !isatty.IsTerminal(os.Stdout.Fd()) || !isatty.IsTerminal(os.Stderr.Fd()) {
		encoder = zapcore.CapitalLevelEncoder
	}

	return zp.Config{
		Level:            zp.NewAtomicLevelAt(level),
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "msg",
			LevelKey:       "level",
			TimeKey:        "ts",
			CallerKey:      "caller",
			EncodeLevel:    encoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   AdditionalComponentCallerEncoder,
		},
	}
}

func init() {
	cfg := DefaultLoggerConfig(getEnvLogLevel())

	if os.Getenv("LOG_FORMAT") == "json" {
		cfg = zap.JSONConfig(getEnvLogLevels())
	}

	host, _ := os.Hostname()
	Log = log.With(zap.Must(cfg), log.Any("host", host))
}

func getEnvLogLevels() log.Level {
	lvl := log.InfoLevel
	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		var l log.Level
		if err := l.UnmarshalText([]byte(strings.ToLower(level))); err == nil {
			lvl = l
		}
	}
	return lvl
}
