package obs

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger emits one JSON object per line to stdout. Every service component
// accepts a nil *Logger and stays silent.
type Logger struct {
	l   *log.Logger
	min Level
}

func NewLogger() *Logger {
	return NewLoggerAt(LevelInfo)
}

func NewLoggerAt(min Level) *Logger {
	return &Logger{
		l:   log.New(os.Stdout, "", 0),
		min: min,
	}
}

func (lg *Logger) emit(level Level, name string, fields map[string]interface{}) {
	if lg == nil || level < lg.min {
		return
	}
	fields["level"] = name
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, _ := json.Marshal(fields)
	lg.l.Println(string(b))
}

func (lg *Logger) Debug(fields map[string]interface{}) { lg.emit(LevelDebug, "debug", fields) }
func (lg *Logger) Info(fields map[string]interface{})  { lg.emit(LevelInfo, "info", fields) }
func (lg *Logger) Warn(fields map[string]interface{})  { lg.emit(LevelWarn, "warn", fields) }
func (lg *Logger) Error(fields map[string]interface{}) { lg.emit(LevelError, "error", fields) }
