package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	base    = zerolog.New(os.Stderr).With().Timestamp().Logger()
	logFile *lumberjack.Logger
)

// Options tune Init. The zero value logs at info level to the file only.
type Options struct {
	Level   string
	Console bool
}

// Init routes all package-level logging to a size-rotated file at logFilePath.
func Init(logFilePath string, opts ...Options) error {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	level := zerolog.InfoLevel
	if o.Level != "" {
		parsed, err := zerolog.ParseLevel(o.Level)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		level = parsed
	}

	file := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28,
	}
	var out io.Writer = file
	if o.Console {
		out = zerolog.MultiLevelWriter(file, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

// RotateLog starts a new log file, keeping the old one as a backup.
func RotateLog(logFilePath string) error {
	mu.RLock()
	file := logFile
	mu.RUnlock()
	if file == nil {
		return Init(logFilePath)
	}
	return file.Rotate()
}

// Cleanup closes the log file when the application is done using it
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Get returns the current root logger.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// With returns a logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Get().With().Str("component", component).Logger()
}

func Debug(msg string, kv ...interface{}) { emit(zerolog.DebugLevel, msg, kv) }

func Info(msg string, kv ...interface{}) { emit(zerolog.InfoLevel, msg, kv) }

func Warn(msg string, kv ...interface{}) { emit(zerolog.WarnLevel, msg, kv) }

func Error(msg string, kv ...interface{}) { emit(zerolog.ErrorLevel, msg, kv) }

// emit turns alternating key/value pairs into fields. An error value under
// any key is logged with zerolog's error field.
func emit(level zerolog.Level, msg string, kv []interface{}) {
	l := Get()
	e := l.WithLevel(level)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if err, ok := kv[i+1].(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	if len(kv)%2 == 1 {
		e = e.Interface("extra", kv[len(kv)-1])
	}
	e.Msg(msg)
}
