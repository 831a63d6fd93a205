package runs

import "context"

// Store is the persistence port shared by the relational and filesystem
// backends. All operations normalise backend errors to the taxonomy in
// errors.go before returning.
//
// Lookup conventions: GetRun and GetStep return a NotFoundError when the row
// is missing; GetStepByIdempotencyKey and GetLatestGate return (nil, nil),
// since absence is an expected outcome on those paths.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, plan JSON, projectID string) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, patch RunPatch) error
	ResetRun(ctx context.Context, id string) error
	ListRuns(ctx context.Context, limit int, projectID string) ([]RunSummary, error)

	// Steps.
	CreateStep(ctx context.Context, runID, name, tool string, inputs JSON, idempotencyKey string) (*Step, error)
	GetStep(ctx context.Context, id string) (*Step, error)
	GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*Step, error)
	UpdateStep(ctx context.Context, id string, patch StepPatch) error
	ResetStep(ctx context.Context, id string) error
	ListStepsByRun(ctx context.Context, runID string) ([]Step, error)
	CountRemainingSteps(ctx context.Context, runID string) (int, error)

	// Events (append-only).
	RecordEvent(ctx context.Context, runID, eventType string, payload JSON, stepID string) error
	ListEvents(ctx context.Context, runID string) ([]Event, error)

	// Gates.
	CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*Gate, error)
	GetLatestGate(ctx context.Context, runID, stepID string) (*Gate, error)
	UpdateGate(ctx context.Context, gateID string, patch GatePatch) error

	// Artifacts.
	AddArtifact(ctx context.Context, stepID, artifactType, path string, metadata JSON) (*Artifact, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]ArtifactWithStep, error)

	// Inbox / outbox.
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)
	InboxDelete(ctx context.Context, key string) error
	OutboxAdd(ctx context.Context, topic string, payload JSON) error
	OutboxListUnsent(ctx context.Context, limit int) ([]OutboxEntry, error)
	OutboxMarkSent(ctx context.Context, id string) error
}

// Transactor is implemented by stores that support atomic multi-call scopes.
// The relational backend threads the open transaction through the context so
// nested Store calls made from fn route over the same connection; the
// filesystem backend runs fn directly.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
