package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes one JSON object per event: timestamp, level, message and
// the caller's fields flattened at the top level.
type Logger struct {
	base zerolog.Logger
	file *lumberjack.Logger
}

type LogOptions struct {
	Level string
	// File, when set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, "info")
}

func NewLoggerTo(w io.Writer, level string) *Logger {
	return &Logger{base: newBase(w, level)}
}

func NewLoggerWithOptions(options LogOptions) *Logger {
	if strings.TrimSpace(options.File) == "" {
		return NewLoggerTo(os.Stdout, options.Level)
	}

	file := &lumberjack.Logger{
		Filename:   options.File,
		MaxSize:    options.MaxSizeMB,
		MaxBackups: options.MaxBackups,
		MaxAge:     options.MaxAgeDays,
		Compress:   true,
	}
	return &Logger{
		base: newBase(zerolog.MultiLevelWriter(os.Stdout, file), options.Level),
		file: file,
	}
}

func newBase(w io.Writer, level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(parsed).With().Timestamp().Logger()
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(l.base.Info(), message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(l.base.Warn(), message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(l.base.Error(), message, fields)
}

func (l *Logger) write(event *zerolog.Event, message string, fields map[string]any) {
	if event == nil {
		return
	}
	event.Fields(fields).Msg(message)
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
