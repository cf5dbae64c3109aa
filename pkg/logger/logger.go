package logger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level represents log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (lv Level) String() string {
	if lv < DebugLevel || lv > ErrorLevel {
		return fmt.Sprintf("LEVEL(%d)", int(lv))
	}
	return levelNames[lv]
}

// ParseLevel maps a configured level name to a Level. The empty string is
// InfoLevel.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// Logger is a leveled logger with key=value fields. Child loggers created
// by WithComponent share the parent's writer.
type Logger struct {
	level     Level
	json      bool
	component string
	out       *log.Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// New creates a new logger. An unknown level falls back to info.
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	level, _ := ParseLevel(cfg.Level)
	isJSON := cfg.Format == "json"
	return &Logger{
		level: level,
		json:  isJSON,
		out:   log.New(output, "", logFlags(isJSON)),
	}
}

// Discard returns a logger that drops everything, for tests and tools
func Discard() *Logger {
	return New(Config{Level: "error", Output: io.Discard})
}

// WithComponent creates a child logger. Components nest with a dot, so a
// "scheduler" child of "central" logs as "central.scheduler".
func (l *Logger) WithComponent(component string) *Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	prefix := "[" + component + "] "
	if l.json {
		prefix = ""
	}
	return &Logger{
		level:     l.level,
		json:      l.json,
		component: component,
		out:       log.New(l.out.Writer(), prefix, logFlags(l.json)),
	}
}

// Component returns the dotted component path, empty for a root logger.
func (l *Logger) Component() string {
	return l.component
}

// JSON lines carry no timestamp prefix so each line stays parseable
func logFlags(isJSON bool) int {
	if isJSON {
		return 0
	}
	return log.LstdFlags
}

// Enabled reports whether messages at lv are written. Callers use it to
// skip building expensive fields.
func (l *Logger) Enabled(lv Level) bool {
	return l.level <= lv
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) { l.log(InfoLevel, msg, fields) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) { l.log(WarnLevel, msg, fields) }

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *Logger) log(lv Level, msg string, fields []Field) {
	if !l.Enabled(lv) {
		return
	}
	if l.json {
		l.logJSON(lv, msg, fields)
		return
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(lv.String())
	b.WriteString("] ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	l.out.Print(b.String())
}

func (l *Logger) logJSON(lv Level, msg string, fields []Field) {
	entry := make(map[string]interface{}, len(fields)+3)
	for _, f := range fields {
		entry[f.Key] = f.Value
	}
	entry["level"] = strings.ToLower(lv.String())
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf(`{"level":"error","msg":"failed to encode log entry: %s"}`, err)
		return
	}
	l.out.Print(string(data))
}

// String creates a string field
func String(key, val string) Field { return Field{Key: key, Value: val} }

// Int creates an int field
func Int(key string, val int) Field { return Field{Key: key, Value: val} }

// Int64 creates an int64 field
func Int64(key string, val int64) Field { return Field{Key: key, Value: val} }

// Uint creates a uint field
func Uint(key string, val uint) Field { return Field{Key: key, Value: val} }

// Uint8 creates a uint8 field
func Uint8(key string, val uint8) Field { return Field{Key: key, Value: val} }

// Uint16 creates a uint16 field
func Uint16(key string, val uint16) Field { return Field{Key: key, Value: val} }

// Uint32 creates a uint32 field
func Uint32(key string, val uint32) Field { return Field{Key: key, Value: val} }

// Uint64 creates a uint64 field
func Uint64(key string, val uint64) Field { return Field{Key: key, Value: val} }

// Float64 creates a float64 field
func Float64(key string, val float64) Field { return Field{Key: key, Value: val} }

// Bool creates a bool field
func Bool(key string, val bool) Field { return Field{Key: key, Value: val} }

// Hex renders bytes as lowercase hex
func Hex(key string, val []byte) Field { return Field{Key: key, Value: hex.EncodeToString(val)} }

// Error creates an "error" field; a nil error renders as "nil"
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "nil"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any creates a field with any value
func Any(key string, val interface{}) Field { return Field{Key: key, Value: val} }
