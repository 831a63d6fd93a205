// Package runs defines the orchestrator's domain model: runs, steps, events,
// gates, artifacts and the inbox/outbox tables, together with the Store port
// that both persistence backends implement.
package runs

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle states.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunBlocked   RunStatus = "blocked"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

// Step lifecycle states.
const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepTimedOut  StepStatus = "timed_out"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled, StepTimedOut:
		return true
	}
	return false
}

// Remaining reports whether the step still counts against run completion.
// Succeeded and cancelled steps are done; everything else is outstanding.
func (s StepStatus) Remaining() bool {
	return s != StepSucceeded && s != StepCancelled
}

// GateStatus is the state of a manual approval gate.
type GateStatus string

// Gate states.
const (
	GatePending   GateStatus = "pending"
	GateApproved  GateStatus = "approved"
	GateRejected  GateStatus = "rejected"
	GateFailed    GateStatus = "failed"
	GateSucceeded GateStatus = "succeeded"
	GateCancelled GateStatus = "cancelled"
	GateSkipped   GateStatus = "skipped"
)

// Passed reports whether the gate resolved in the step's favour.
func (s GateStatus) Passed() bool {
	return s == GateApproved || s == GateSkipped
}

// Denied reports whether the gate resolved against the step.
func (s GateStatus) Denied() bool {
	return s == GateRejected || s == GateFailed
}

// JSON is an arbitrary tree of strings, numbers, booleans, null, arrays and maps.
type JSON = map[string]any

// Run is a single execution of a plan.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Plan      JSON       `json:"plan,omitempty"`
	ProjectID string     `json:"project_id"`
	UserID    string     `json:"user_id,omitempty"`
	Metadata  JSON       `json:"metadata,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Title derives the display title from plan.goal when it is a string.
func (r *Run) Title() string {
	if r.Plan == nil {
		return ""
	}
	if goal, ok := r.Plan["goal"].(string); ok {
		return goal
	}
	return ""
}

// RunSummary is the row shape returned by ListRuns.
type RunSummary struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
}

// Step is one unit of work within a run, dispatched to a handler by tool.
type Step struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Name           string     `json:"name"`
	Tool           string     `json:"tool"`
	Inputs         JSON       `json:"inputs,omitempty"`
	Outputs        JSON       `json:"outputs,omitempty"`
	Status         StepStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// Event is an append-only journal entry scoped to a run and optionally a step.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Payload   JSON      `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Gate is a durable approval record blocking a step until externally resolved.
type Gate struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	GateType   string     `json:"gate_type"`
	Status     GateStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// Artifact references a byte blob produced by a step.
type Artifact struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Metadata  JSON      `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactWithStep is an artifact joined with the owning step's name.
type ArtifactWithStep struct {
	Artifact
	StepName string `json:"step_name"`
}

// OutboxEntry is a pending outbound notification written by a handler and
// consumed by a dispatcher.
type OutboxEntry struct {
	ID        string     `json:"id"`
	Topic     string     `json:"topic"`
	Payload   JSON       `json:"payload,omitempty"`
	Sent      bool       `json:"sent"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// AppliedMigration is a recorded schema migration.
type AppliedMigration struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UpSQL      string    `json:"up_sql"`
	DownSQL    string    `json:"down_sql"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RunPatch is the set of mutable run fields for UpdateRun. Nil fields are
// left untouched.
type RunPatch struct {
	Status    *RunStatus
	Metadata  JSON
	StartedAt *time.Time
	EndedAt   *time.Time
}

// StepPatch is the set of mutable step fields for UpdateStep.
type StepPatch struct {
	Status    *StepStatus
	Outputs   JSON
	StartedAt *time.Time
	EndedAt   *time.Time
}

// GatePatch is the set of mutable gate fields for UpdateGate.
type GatePatch struct {
	Status     *GateStatus
	ApprovedBy *string
}
