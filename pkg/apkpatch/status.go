package apkpatch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aluedeke/go-apkpatch/internal/fileutil"
)

// StatusFile is the name of the last-error slot inside the workspace.
const StatusFile = "status.yaml"

// Status is the outcome of the most recent operation. A successful call
// leaves Kind at KindNone with an empty message.
type Status struct {
	RunID     string    `yaml:"runId"`
	Operation string    `yaml:"operation"`
	Kind      Kind      `yaml:"kind,omitempty"`
	Message   string    `yaml:"message,omitempty"`
	Action    Action    `yaml:"action,omitempty"`
	Hint      string    `yaml:"hint,omitempty"`
	Output    string    `yaml:"output,omitempty"`
	Time      time.Time `yaml:"time"`
}

// Failed reports whether the recorded operation failed.
func (s *Status) Failed() bool {
	return s.Kind != KindNone
}

// statusFor builds the status record of one call.
func statusFor(runID, op, output string, err error, now time.Time) *Status {
	s := &Status{RunID: runID, Operation: op, Time: now.UTC()}
	if err == nil {
		s.Output = output
		return s
	}
	var pe *Error
	if errors.As(err, &pe) {
		s.Kind = pe.Kind
		s.Message = pe.Message
		s.Action = pe.Action
		s.Hint = pe.Hint()
	} else {
		s.Kind = IOFailure
		s.Message = err.Error()
	}
	return s
}

// StatusStore persists the single last-error slot. Every Save replaces
// the previous record.
type StatusStore struct {
	Path string
}

// NewStatusStore returns the store for the given workspace.
func NewStatusStore(workspace string) *StatusStore {
	return &StatusStore{Path: filepath.Join(workspace, StatusFile)}
}

// Save overwrites the slot with s.
func (st *StatusStore) Save(s *Status) error {
	if err := os.MkdirAll(filepath.Dir(st.Path), 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return fileutil.WriteAtomic(st.Path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	})
}

// Load returns the recorded status, or nil when nothing was recorded yet.
func (st *StatusStore) Load() (*Status, error) {
	data, err := os.ReadFile(st.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	var s Status
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &s, nil
}
