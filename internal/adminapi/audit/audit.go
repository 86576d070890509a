// Copyright 2025 James Ross
// Package audit provides a rotating, append-only log of admin activate/
// deactivate calls.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one audit log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Cluster   string    `json:"cluster"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	RemoteIP  string    `json:"remote_ip"`
	RequestID string    `json:"request_id,omitempty"`
}

// Logger writes Entry records as newline-delimited JSON to a
// size/age-rotated file.
type Logger struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewLogger opens (or creates) path as a rotating audit log. A zero-value
// path disables the logger: Log becomes a no-op so admin calls still
// succeed in deployments that don't configure auditing.
func NewLogger(path string, maxSizeMB, maxBackups int, compress bool) *Logger {
	if path == "" {
		return &Logger{}
	}
	return &Logger{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   compress,
		},
	}
}

// Log appends entry to the audit log. Failures are returned so callers can
// decide whether an unauditable action should still be allowed to proceed.
func (l *Logger) Log(entry Entry) error {
	if l.writer == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(line)
	return err
}
