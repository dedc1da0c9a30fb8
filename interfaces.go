package meshbind

import (
	"encoding/json"
	"log"
	"os"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// StdLogger writes structured log lines through the standard library logger.
// It is the default for processes that want output without wiring a logger.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger creates a logger writing to stderr
func NewStdLogger(debug bool) *StdLogger {
	return &StdLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags|log.LUTC),
		debug:  debug,
	}
}

func (s *StdLogger) log(level, msg string, fields map[string]interface{}) {
	if len(fields) == 0 {
		s.logger.Printf("[%s] %s", level, msg)
		return
	}
	data, err := json.Marshal(fields)
	if err != nil {
		s.logger.Printf("[%s] %s fields=%v", level, msg, fields)
		return
	}
	s.logger.Printf("[%s] %s %s", level, msg, data)
}

func (s *StdLogger) Info(msg string, fields map[string]interface{}) {
	s.log("INFO", msg, fields)
}

func (s *StdLogger) Error(msg string, fields map[string]interface{}) {
	s.log("ERROR", msg, fields)
}

func (s *StdLogger) Warn(msg string, fields map[string]interface{}) {
	s.log("WARN", msg, fields)
}

func (s *StdLogger) Debug(msg string, fields map[string]interface{}) {
	if !s.debug {
		return
	}
	s.log("DEBUG", msg, fields)
}
