package litecask

import (
	"fmt"
	"log"
	"os"
)

// LogLevel gates which severities a Logger emits, matching the LogLevel
// enum the original header drives its own log macros from.
type LogLevel int

const (
	LevelNone LogLevel = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

// Logger is a small level-filtered wrapper around the standard library's
// log.Logger, grounded on ValentinKolb-dKV's dKVLogger: same level-gated
// Debugf/Infof/Warnf/Errorf shape, same "%-5s | %-15s | %s" line format.
type Logger struct {
	name   string
	level  LogLevel
	logger *log.Logger
}

// NewLogger creates a logger writing to stdout with the given name tag and
// minimum emitted severity.
func NewLogger(name string, level LogLevel) *Logger {
	return &Logger{
		name:   name,
		level:  level,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime),
	}
}

// SetLevel changes the minimum severity emitted.
func (l *Logger) SetLevel(level LogLevel) { l.level = level }

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level >= LevelDebug {
		l.log("DEBUG", format, args...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level >= LevelInfo {
		l.log("INFO", format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.level >= LevelWarning {
		l.log("WARN", format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.level >= LevelError {
		l.log("ERROR", format, args...)
	}
}

func (l *Logger) log(levelStr, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}
