package stagedflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StepLogEntry records one handler invocation
type StepLogEntry struct {
	InstanceID   string         `json:"instance_id"`
	TemplateName string         `json:"template_name"`
	StepID       string         `json:"step_id"`
	StepIndex    int            `json:"step_index"`
	Handler      string         `json:"handler"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	Duration     float64        `json:"duration"`
}

// StepLogger records handler invocations for audit and debugging
type StepLogger interface {
	// LogStep records a completed handler invocation
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// StepHistory returns the log of an instance in invocation order
	StepHistory(ctx context.Context, instanceID string) ([]*StepLogEntry, error)
}

// NullStepLogger discards all entries.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) StepHistory(ctx context.Context, instanceID string) ([]*StepLogEntry, error) {
	return nil, nil
}

// FileStepLogger writes one newline-delimited JSON file per instance.
type FileStepLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) instanceLogPath(instanceID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", instanceID))
}

func (l *FileStepLogger) StepHistory(ctx context.Context, instanceID string) ([]*StepLogEntry, error) {
	data, err := os.ReadFile(l.instanceLogPath(instanceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []*StepLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := os.MkdirAll(l.directory, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.instanceLogPath(entry.InstanceID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
