package main

import (
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/optrc/optrcconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	definitions string
	logLevel    string
	output      string

	logger *zap.Logger
}

func (cfg *rootConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'd',
		LongName:    "definitions",
		Value:       ffval.NewValue(&cfg.definitions),
		Usage:       "YAML file with tracer definitions",
		Placeholder: "FILE",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "warn", "w", "none", "n"),
		Usage:       "log level: i/info, d/debug, w/warn, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "table", "ndjson", "prettyjson"),
		Usage:       "output format: table, ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

func (cfg *rootConfig) loadDefinitions() (*optrcconfig.File, error) {
	f, err := optrcconfig.Load(cfg.definitions)
	if err != nil {
		return nil, err
	}
	cfg.logger.Debug("loaded definitions", zap.String("file", cfg.definitions), zap.Int("tracers", len(f.Tracers)))
	return f, nil
}

func newLogger(level string, dst io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "n", "none":
		return zap.NewNop(), nil
	case "i", "info":
		lvl = zapcore.InfoLevel
	case "d", "debug":
		lvl = zapcore.DebugLevel
	case "w", "warn":
		lvl = zapcore.WarnLevel
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(dst), lvl)
	return zap.New(core), nil
}
