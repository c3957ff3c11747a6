package logging

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// newRotatingWriter wraps lumberjack's size/age/backup-count rotation with
// the Config fields the vault engine cares about (compact container tools
// run unattended for long stretches; logs must not grow unbounded).
func newRotatingWriter(cfg Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}
