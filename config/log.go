package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File is written in addition to stderr.
	File string `yaml:"file"`
	// FileOnly drops stderr when File is set, for terminal UIs.
	FileOnly bool `yaml:"file_only"`
}

func (l Log) level() (zapcore.Level, error) {
	if l.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return lvl, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Build creates the process logger: console output in development mode,
// JSON otherwise.
func (l Log) Build(opts ...zap.Option) (*zap.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	switch {
	case l.File != "" && l.FileOnly:
		zc.OutputPaths = []string{l.File}
	case l.File != "":
		zc.OutputPaths = append(zc.OutputPaths, l.File)
	}
	return zc.Build(opts...)
}
