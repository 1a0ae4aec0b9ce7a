package logger

import (
	"fmt"
	"os"
)

// Logger defines the interface for logging throughout the application.
// The core packages log progress through it and never print directly.
type Logger interface {
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// ConsoleLogger writes human-readable logs to stderr so they never mix with
// command output on stdout. Debug lines are emitted only in verbose mode.
type ConsoleLogger struct {
	verbose bool
}

func NewConsoleLogger(verbose bool) *ConsoleLogger {
	return &ConsoleLogger{verbose: verbose}
}

func (c *ConsoleLogger) Info(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
}

func (c *ConsoleLogger) Error(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
}

func (c *ConsoleLogger) Debug(msg string, args ...interface{}) {
	if !c.verbose {
		return
	}
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
}

// SilentLogger discards all log messages. Used when machine-readable output
// is requested so nothing pollutes the stream.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {}
func (s *SilentLogger) Debug(msg string, args ...interface{}) {}
