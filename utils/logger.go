package utils

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// NewLogger 构建进程级 logger，level 非法时回落到 info
func NewLogger(level, format string) *log.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(out io.Writer, level, format string) *log.Logger {
	l := log.New()
	l.SetOutput(out)
	if format == "json" {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// DiscardLogger 测试用
func DiscardLogger() *log.Logger {
	return newLogger(io.Discard, "panic", "text")
}
