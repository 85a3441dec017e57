// Package logging builds the operational logger. Every line has the shape
//
//	2006-01-02 15:04:05,000 - <logger> - <LEVEL> - <message>
//
// and is written both to stdout and to a rotating file in the log directory.
// The log viewer parses this shape, so it must not change.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RootName is the logger name at the start of every line.
const RootName = "PodLogWatcher"

const timeLayout = "2006-01-02 15:04:05,000"

// Options configures the operational logger. It is scoped to one watcher
// run; nothing here touches process-wide logging state.
type Options struct {
	// Dir is the directory holding the log file.
	Dir string

	// FileName is the log file name inside Dir.
	FileName string

	// Verbose enables DEBUG lines.
	Verbose bool

	// Suppress drops lines whose message contains any of these substrings,
	// compared case-insensitively.
	Suppress []string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console receives the stdout copy. Defaults to os.Stdout.
	Console io.Writer
}

// New returns a logger named RootName and a close func that flushes and
// releases the log file.
func New(opts Options) (*zap.SugaredLogger, func() error, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, opts.FileName),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(newLineEncoder(), zapcore.Lock(zapcore.AddSync(console)), level),
		zapcore.NewCore(newLineEncoder(), zapcore.AddSync(file), level),
	)
	if len(opts.Suppress) > 0 {
		core = newSuppressCore(core, opts.Suppress)
	}

	logger := zap.New(core).Named(RootName)
	closeFn := func() error {
		_ = logger.Sync()
		return file.Close()
	}
	return logger.Sugar(), closeFn, nil
}

// LevelName maps zap levels onto the names the log viewer expects.
func LevelName(l zapcore.Level) string {
	switch l {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.InfoLevel:
		return "INFO"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.ErrorLevel:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}

var bufferPool = buffer.NewPool()

// lineEncoder renders the fixed line shape. Accumulated fields are kept in
// the embedded map encoder and appended after the message.
type lineEncoder struct {
	*zapcore.MapObjectEncoder
}

func newLineEncoder() *lineEncoder {
	return &lineEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (e *lineEncoder) Clone() zapcore.Encoder {
	c := newLineEncoder()
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return c
}

func (e *lineEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := e.Clone().(*lineEncoder)
	for _, f := range fields {
		f.AddTo(final)
	}

	buf := bufferPool.Get()
	buf.AppendString(ent.Time.Format(timeLayout))
	buf.AppendString(" - ")
	buf.AppendString(ent.LoggerName)
	buf.AppendString(" - ")
	buf.AppendString(LevelName(ent.Level))
	buf.AppendString(" - ")
	buf.AppendString(ent.Message)

	if len(final.Fields) > 0 {
		keys := make([]string, 0, len(final.Fields))
		for k := range final.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.AppendString(" (")
		for i, k := range keys {
			if i > 0 {
				buf.AppendByte(' ')
			}
			buf.AppendString(k)
			buf.AppendByte('=')
			buf.AppendString(fmt.Sprint(final.Fields[k]))
		}
		buf.AppendByte(')')
	}
	buf.AppendByte('\n')
	if ent.Stack != "" {
		buf.AppendString(ent.Stack)
		buf.AppendByte('\n')
	}
	return buf, nil
}

// suppressCore drops entries whose message matches a configured pattern.
type suppressCore struct {
	zapcore.Core
	patterns []string
}

func newSuppressCore(core zapcore.Core, patterns []string) zapcore.Core {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &suppressCore{Core: core, patterns: lowered}
}

func (c *suppressCore) With(fields []zapcore.Field) zapcore.Core {
	return &suppressCore{Core: c.Core.With(fields), patterns: c.patterns}
}

func (c *suppressCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	msg := strings.ToLower(ent.Message)
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return ce
		}
	}
	return c.Core.Check(ent, ce)
}
