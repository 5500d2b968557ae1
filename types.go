package blockplan

import (
	"encoding/json"
	"time"
)

// ActionRecord describes one pending or completed action in caller-facing
// reports. It is a flattened snapshot: the record stays meaningful even after
// the underlying device has been removed from the tree.
type ActionRecord struct {
	// Index is the registration index of the action within its commit run.
	Index int `json:"index"`

	// Summary is a human-readable description, e.g. "create device partition vda1".
	Summary string `json:"summary"`

	// DeviceName is the name of the device the action is bound to.
	DeviceName string `json:"device_name"`

	// Status is one of "pending", "executed", "failed".
	Status string `json:"status"`

	// Error holds the failure message for a failed action.
	Error string `json:"error,omitempty"`

	// StartedAt/FinishedAt bracket the real execution. Zero for pending actions.
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// CommitReport is the result of one commit run. A commit either executes
// every action (OK=true) or stops at the first fatal failure; in the latter
// case Executed lists what really happened and Pending lists what never ran.
// Already-executed actions are never rolled back.
type CommitReport struct {
	// RunID is the ULID assigned to this commit run.
	RunID string `json:"run_id"`

	// OK is true when every scheduled action executed successfully.
	OK bool `json:"ok"`

	// Error holds the fatal failure message when OK is false.
	Error string `json:"error,omitempty"`

	// Executed lists actions that ran, in execution order, including the
	// failed one (Status "failed") if any.
	Executed []ActionRecord `json:"executed"`

	// Pending lists actions that remained queued after a fatal failure.
	Pending []ActionRecord `json:"pending,omitempty"`

	// Retries counts teardown-and-retry recoveries performed during the run.
	Retries int `json:"retries"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Marshal implements the journal codec for CommitReport.
func (r *CommitReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the journal codec for CommitReport.
func (r *CommitReport) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}
