package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Field поле структурированного лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value.String()} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// logEntry запись лога в JSON форме
type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// StructuredLogger интерфейс структурированного логирования ядра.
//
// Контекст вызова (CallID, токен провайдера) добавляется контекстными
// логгерами, чтобы каждая запись о вызове несла оба идентификатора.
type StructuredLogger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithComponent возвращает логгер с именем компонента
	WithComponent(component string) StructuredLogger

	// WithCall возвращает логгер с контекстом вызова
	WithCall(callID string, token string) StructuredLogger

	SetLevel(level LogLevel)
}

// DefaultLogger пишет JSON записи в output.
type DefaultLogger struct {
	mu        sync.Mutex
	level     LogLevel
	output    io.Writer
	component string
	callID    string
	token     string
}

// NewDefaultLogger создает логгер с выводом в stdout и уровнем Info.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		level:  LogLevelInfo,
		output: os.Stdout,
	}
}

// NewLoggerWithOutput создает логгер с указанным приемником.
func NewLoggerWithOutput(w io.Writer, level LogLevel) *DefaultLogger {
	return &DefaultLogger{level: level, output: w}
}

// SetLevel устанавливает минимальный уровень логирования.
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// WithComponent возвращает копию логгера с именем компонента.
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	return &DefaultLogger{
		level:     l.level,
		output:    l.output,
		component: component,
		callID:    l.callID,
		token:     l.token,
	}
}

// WithCall возвращает копию логгера с контекстом вызова.
func (l *DefaultLogger) WithCall(callID string, token string) StructuredLogger {
	return &DefaultLogger{
		level:     l.level,
		output:    l.output,
		component: l.component,
		callID:    callID,
		token:     token,
	}
}

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.log(LogLevelDebug, msg, fields) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.log(LogLevelInfo, msg, fields) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.log(LogLevelWarn, msg, fields) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.log(LogLevelError, msg, fields) }

func (l *DefaultLogger) log(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := logEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		CallID:    l.callID,
		Token:     l.token,
	}

	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			entry.Error = err.Error()
			continue
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{}, len(fields))
		}
		entry.Fields[f.Key] = f.Value
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"ERROR","message":"log marshal failed: %v"}`+"\n", err)
		return
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}

// NoOpLogger логгер-заглушка для тестов и выключенного логирования.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...Field)                     {}
func (NoOpLogger) Info(string, ...Field)                      {}
func (NoOpLogger) Warn(string, ...Field)                      {}
func (NoOpLogger) Error(string, ...Field)                     {}
func (n NoOpLogger) WithComponent(string) StructuredLogger    { return n }
func (n NoOpLogger) WithCall(string, string) StructuredLogger { return n }
func (NoOpLogger) SetLevel(LogLevel)                          {}
