// Package status tracks the observable state of the managed deployment.
// Every convergence attempt and every pause/resume action publishes a status;
// the agent itself keeps no other state between invocations.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State is the coarse condition of the deployment
type State string

const (
	// StateBlocked means required configuration is missing and no
	// convergence runs until it is supplied.
	StateBlocked State = "blocked"
	// StateActive means the last convergence run completed.
	StateActive State = "active"
	// StateMaintenance means the periodic trigger has been paused by an operator.
	StateMaintenance State = "maintenance"
)

// Status is one published observation
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// Blocked builds a blocked status carrying the reason
func Blocked(message string) Status {
	return Status{State: StateBlocked, Message: message}
}

// Active builds an active status
func Active() Status {
	return Status{State: StateActive}
}

// Maintenance builds a maintenance status
func Maintenance() Status {
	return Status{State: StateMaintenance}
}

// Publisher surfaces a status to whatever is watching the agent
type Publisher interface {
	Publish(s Status) error
}

// FilePublisher persists the status as JSON in the state directory.
// Writes go through a temp file and rename so readers never see a torn document.
type FilePublisher struct {
	path string
}

// NewFilePublisher creates a publisher writing to the given path
func NewFilePublisher(path string) *FilePublisher {
	return &FilePublisher{path: path}
}

// Publish writes the status document
func (p *FilePublisher) Publish(s Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ddebsyncd-status-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, p.path)
}

// Load reads a previously published status. The error satisfies
// os.IsNotExist when nothing has been published yet.
func Load(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}

	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, err
	}
	return s, nil
}
