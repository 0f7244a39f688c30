package sync

import (
	"time"

	"github.com/schaermu/cloudinv/internal/delta"
)

// Action selects whether sync only reports or also materializes entries
type Action string

const (
	ActionView Action = "view"
	ActionRun  Action = "run"
)

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionView, ActionRun:
		return Action(s), nil
	default:
		return "", &InvalidActionError{Value: s}
	}
}

// InvalidActionError reports an unknown sync action
type InvalidActionError struct {
	Value string
}

func (e *InvalidActionError) Error() string {
	return "invalid action: " + e.Value + " (must be view or run)"
}

// Failure is one entry sync could not materialize
type Failure struct {
	Key string
	Err error
}

// ApplyResult lists what one executor pass did, each list sorted by key
type ApplyResult struct {
	Applied  []string
	Failures []Failure
}

// RunResult is what a workflow hands back to its caller
type RunResult struct {
	RunID      string
	Workflow   string
	Snapshot   string // snapshot id the run read or wrote
	Delta      *delta.Delta
	Applied    []string
	Failures   []Failure
	ReportPath string
}

// State tracks the last run of every workflow
type State struct {
	Runs map[string]RunRecord `json:"runs"`
}

// RunRecord is the persisted outcome of one workflow run
type RunRecord struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Snapshot string    `json:"snapshot,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Applied  int       `json:"applied,omitempty"`
	Failed   int       `json:"failed,omitempty"`
	Error    string    `json:"error,omitempty"`
}
