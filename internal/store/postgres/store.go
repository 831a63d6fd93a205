package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/benfinklea/nofx/internal/runs"
)

// Store is the PostgreSQL-backed implementation of runs.Store.
type Store struct {
	db  *DB
	log *slog.Logger

	// endedCol is "ended_at" normally, "completed_at" on schemas that
	// predate the rename. Resolved lazily on the first 42703 and cached.
	endedCol atomic.Value
}

// New creates a Store on top of db.
func New(db *DB, log *slog.Logger) *Store {
	s := &Store{db: db, log: log}
	s.endedCol.Store("ended_at")
	return s
}

// WithTransaction implements runs.Transactor.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithTransaction(ctx, fn)
}

// col returns the resolved name of the run/step completion timestamp column.
func (s *Store) col() string {
	return s.endedCol.Load().(string)
}

// withEndedCol runs fn with the cached column name and retries once with the
// legacy name when the schema reports the modern one as undefined.
func (s *Store) withEndedCol(fn func(col string) error) error {
	col := s.col()
	err := fn(col)
	if err != nil && col == "ended_at" && isUndefinedColumn(err) {
		s.endedCol.Store("completed_at")
		s.log.Warn("ended_at column not present, using completed_at")
		return fn("completed_at")
	}
	return err
}

// ── runs ─────────────────────────────────────────────────────────────────────

// CreateRun implements runs.Store.
func (s *Store) CreateRun(ctx context.Context, plan runs.JSON, projectID string) (*runs.Run, error) {
	if projectID == "" {
		projectID = "default"
	}
	run := &runs.Run{
		Status:    runs.RunQueued,
		Plan:      plan,
		ProjectID: projectID,
		Metadata:  runs.JSON{},
	}
	err := s.db.queryRow(ctx, "create run",
		`INSERT INTO runs (status, plan, project_id, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		run.Status, plan, projectID, run.Metadata,
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return nil, normalize("create run", err)
	}
	return run, nil
}

// GetRun implements runs.Store.
func (s *Store) GetRun(ctx context.Context, id string) (*runs.Run, error) {
	var run runs.Run
	err := s.withEndedCol(func(col string) error {
		return s.db.queryRow(ctx, "get run", fmt.Sprintf(
			`SELECT id, status, plan, project_id, COALESCE(user_id, ''), metadata, created_at, started_at, %s
			 FROM runs WHERE id = $1`, col), id,
		).Scan(&run.ID, &run.Status, &run.Plan, &run.ProjectID, &run.UserID,
			&run.Metadata, &run.CreatedAt, &run.StartedAt, &run.EndedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runs.NotFoundError{Entity: "run", ID: id}
	}
	if err != nil {
		return nil, normalize("get run", err)
	}
	return &run, nil
}

// UpdateRun implements runs.Store.
func (s *Store) UpdateRun(ctx context.Context, id string, patch runs.RunPatch) error {
	return s.withEndedCol(func(col string) error {
		var sets []string
		var args []any
		n := 1

		if patch.Status != nil {
			sets = append(sets, fmt.Sprintf("status = $%d", n))
			args = append(args, *patch.Status)
			n++
			if patch.Status.Terminal() && patch.EndedAt == nil {
				sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, now())", col, col))
			}
		}
		if patch.Metadata != nil {
			sets = append(sets, fmt.Sprintf("metadata = $%d", n))
			args = append(args, patch.Metadata)
			n++
		}
		if patch.StartedAt != nil {
			sets = append(sets, fmt.Sprintf("started_at = $%d", n))
			args = append(args, *patch.StartedAt)
			n++
		}
		if patch.EndedAt != nil {
			sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
			args = append(args, *patch.EndedAt)
			n++
		}
		if len(sets) == 0 {
			return nil
		}

		args = append(args, id)
		tag, err := s.db.exec(ctx, "update run",
			fmt.Sprintf("UPDATE runs SET %s WHERE id = $%d", strings.Join(sets, ", "), n), args...)
		if err != nil {
			if isUndefinedColumn(err) {
				return err
			}
			return normalize("update run", err)
		}
		if tag.RowsAffected() == 0 {
			return runs.NotFoundError{Entity: "run", ID: id}
		}
		return nil
	})
}

// ResetRun implements runs.Store.
func (s *Store) ResetRun(ctx context.Context, id string) error {
	return s.withEndedCol(func(col string) error {
		tag, err := s.db.exec(ctx, "reset run",
			fmt.Sprintf("UPDATE runs SET status = $1, %s = NULL WHERE id = $2", col),
			runs.RunQueued, id)
		if err != nil {
			if isUndefinedColumn(err) {
				return err
			}
			return normalize("reset run", err)
		}
		if tag.RowsAffected() == 0 {
			return runs.NotFoundError{Entity: "run", ID: id}
		}
		return nil
	})
}

// ListRuns implements runs.Store. Newest first.
func (s *Store) ListRuns(ctx context.Context, limit int, projectID string) ([]runs.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	// Title comes from plan.goal only when it is a JSON string; numeric or
	// object goals render as an empty title.
	query := `SELECT id, status, created_at,
	          CASE WHEN jsonb_typeof(plan->'goal') = 'string'
	               THEN plan->>'goal' ELSE '' END
	          FROM runs`
	var args []any
	if projectID != "" {
		query += " WHERE project_id = $1"
		args = append(args, projectID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.db.query(ctx, "list runs", query, args...)
	if err != nil {
		return nil, normalize("list runs", err)
	}
	defer rows.Close()

	var out []runs.RunSummary
	for rows.Next() {
		var r runs.RunSummary
		if err := rows.Scan(&r.ID, &r.Status, &r.CreatedAt, &r.Title); err != nil {
			return nil, normalize("scan run summary", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── steps ────────────────────────────────────────────────────────────────────

const stepColumns = `id, run_id, name, tool, inputs, outputs, status, created_at, started_at, %s, COALESCE(idempotency_key, '')`

func (s *Store) scanStep(row pgx.Row) (*runs.Step, error) {
	var step runs.Step
	err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool,
		&step.Inputs, &step.Outputs, &step.Status,
		&step.CreatedAt, &step.StartedAt, &step.EndedAt, &step.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// CreateStep implements runs.Store. Creation is idempotent per
// (runID, idempotencyKey): a second insert with the same key returns the
// existing step.
func (s *Store) CreateStep(ctx context.Context, runID, name, tool string, inputs runs.JSON, idempotencyKey string) (*runs.Step, error) {
	if inputs == nil {
		inputs = runs.JSON{}
	}
	step := &runs.Step{
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         runs.StepQueued,
		IdempotencyKey: idempotencyKey,
	}

	err := s.db.queryRow(ctx, "create step",
		`INSERT INTO steps (run_id, name, tool, inputs, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		 RETURNING id, created_at`,
		runID, name, tool, inputs, step.Status, nilIfEmpty(idempotencyKey),
	).Scan(&step.ID, &step.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race or replayed: the keyed step already exists.
		existing, err := s.GetStepByIdempotencyKey(ctx, runID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, runs.ConflictError{Entity: "step", Detail: "insert conflicted but no keyed step found"}
		}
		return existing, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, runs.NotFoundError{Entity: "run", ID: runID}
		}
		return nil, normalize("create step", err)
	}
	return step, nil
}

// GetStep implements runs.Store.
func (s *Store) GetStep(ctx context.Context, id string) (*runs.Step, error) {
	var step *runs.Step
	err := s.withEndedCol(func(col string) error {
		var err error
		step, err = s.scanStep(s.db.queryRow(ctx, "get step",
			fmt.Sprintf("SELECT "+stepColumns+" FROM steps WHERE id = $1", col), id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runs.NotFoundError{Entity: "step", ID: id}
	}
	if err != nil {
		return nil, normalize("get step", err)
	}
	return step, nil
}

// GetStepByIdempotencyKey implements runs.Store. Absence is (nil, nil).
func (s *Store) GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*runs.Step, error) {
	if key == "" {
		return nil, nil
	}
	var step *runs.Step
	err := s.withEndedCol(func(col string) error {
		var err error
		step, err = s.scanStep(s.db.queryRow(ctx, "get step by key",
			fmt.Sprintf("SELECT "+stepColumns+" FROM steps WHERE run_id = $1 AND idempotency_key = $2", col),
			runID, key))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, normalize("get step by key", err)
	}
	return step, nil
}

// UpdateStep implements runs.Store.
func (s *Store) UpdateStep(ctx context.Context, id string, patch runs.StepPatch) error {
	return s.withEndedCol(func(col string) error {
		var sets []string
		var args []any
		n := 1

		if patch.Status != nil {
			sets = append(sets, fmt.Sprintf("status = $%d", n))
			args = append(args, *patch.Status)
			n++
			if patch.Status.Terminal() && patch.EndedAt == nil {
				sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, now())", col, col))
			}
		}
		if patch.Outputs != nil {
			sets = append(sets, fmt.Sprintf("outputs = $%d", n))
			args = append(args, patch.Outputs)
			n++
		}
		if patch.StartedAt != nil {
			sets = append(sets, fmt.Sprintf("started_at = $%d", n))
			args = append(args, *patch.StartedAt)
			n++
		}
		if patch.EndedAt != nil {
			sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
			args = append(args, *patch.EndedAt)
			n++
		}
		if len(sets) == 0 {
			return nil
		}

		args = append(args, id)
		tag, err := s.db.exec(ctx, "update step",
			fmt.Sprintf("UPDATE steps SET %s WHERE id = $%d", strings.Join(sets, ", "), n), args...)
		if err != nil {
			if isUndefinedColumn(err) {
				return err
			}
			return normalize("update step", err)
		}
		if tag.RowsAffected() == 0 {
			return runs.NotFoundError{Entity: "step", ID: id}
		}
		return nil
	})
}

// ResetStep implements runs.Store.
func (s *Store) ResetStep(ctx context.Context, id string) error {
	return s.withEndedCol(func(col string) error {
		tag, err := s.db.exec(ctx, "reset step", fmt.Sprintf(
			"UPDATE steps SET status = $1, started_at = NULL, %s = NULL, outputs = '{}' WHERE id = $2", col),
			runs.StepQueued, id)
		if err != nil {
			if isUndefinedColumn(err) {
				return err
			}
			return normalize("reset step", err)
		}
		if tag.RowsAffected() == 0 {
			return runs.NotFoundError{Entity: "step", ID: id}
		}
		return nil
	})
}

// ListStepsByRun implements runs.Store. Creation order.
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]runs.Step, error) {
	var out []runs.Step
	err := s.withEndedCol(func(col string) error {
		rows, err := s.db.query(ctx, "list steps", fmt.Sprintf(
			"SELECT "+stepColumns+" FROM steps WHERE run_id = $1 ORDER BY created_at, id", col), runID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			step, err := s.scanStep(rows)
			if err != nil {
				return err
			}
			out = append(out, *step)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, normalize("list steps", err)
	}
	return out, nil
}

// CountRemainingSteps implements runs.Store.
func (s *Store) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.queryRow(ctx, "count remaining steps",
		`SELECT COUNT(*) FROM steps WHERE run_id = $1 AND status NOT IN ('succeeded', 'cancelled')`,
		runID).Scan(&n)
	if err != nil {
		return 0, normalize("count remaining steps", err)
	}
	return n, nil
}

// ── events ───────────────────────────────────────────────────────────────────

// RecordEvent implements runs.Store. Append-only.
func (s *Store) RecordEvent(ctx context.Context, runID, eventType string, payload runs.JSON, stepID string) error {
	_, err := s.db.exec(ctx, "record event",
		`INSERT INTO events (run_id, step_id, type, payload) VALUES ($1, $2, $3, $4)`,
		runID, nilIfEmpty(stepID), eventType, payload)
	if err != nil {
		return normalize("record event", err)
	}
	return nil
}

// ListEvents implements runs.Store. Insertion order: the seq column keeps
// rows written inside one transaction (sharing a frozen now()) ordered.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]runs.Event, error) {
	rows, err := s.db.query(ctx, "list events",
		`SELECT id, run_id, COALESCE(step_id::text, ''), type, payload, created_at
		 FROM events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, normalize("list events", err)
	}
	defer rows.Close()

	var out []runs.Event
	for rows.Next() {
		var e runs.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, normalize("scan event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── gates ────────────────────────────────────────────────────────────────────

// CreateOrGetGate implements runs.Store. A partial unique index allows at
// most one pending gate per (run, step, type); racing creators converge on
// the same row.
func (s *Store) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*runs.Gate, error) {
	gate := &runs.Gate{
		RunID:    runID,
		StepID:   stepID,
		GateType: gateType,
		Status:   runs.GatePending,
	}
	err := s.db.queryRow(ctx, "create gate",
		`INSERT INTO gates (run_id, step_id, gate_type, status)
		 VALUES ($1, $2, $3, 'pending')
		 ON CONFLICT (run_id, step_id, gate_type) WHERE status = 'pending' DO NOTHING
		 RETURNING id, created_at`,
		runID, stepID, gateType,
	).Scan(&gate.ID, &gate.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.pendingGate(ctx, runID, stepID, gateType)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, runs.ConflictError{Entity: "gate", Detail: "insert conflicted but no pending gate found"}
		}
		return existing, nil
	}
	if err != nil {
		return nil, normalize("create gate", err)
	}
	return gate, nil
}

func (s *Store) pendingGate(ctx context.Context, runID, stepID, gateType string) (*runs.Gate, error) {
	gate, err := s.scanGate(s.db.queryRow(ctx, "get pending gate",
		`SELECT id, run_id, step_id, gate_type, status, created_at, COALESCE(approved_by, ''), approved_at
		 FROM gates
		 WHERE run_id = $1 AND step_id = $2 AND gate_type = $3 AND status = 'pending'`,
		runID, stepID, gateType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, normalize("get pending gate", err)
	}
	return gate, nil
}

func (s *Store) scanGate(row pgx.Row) (*runs.Gate, error) {
	var g runs.Gate
	err := row.Scan(&g.ID, &g.RunID, &g.StepID, &g.GateType, &g.Status,
		&g.CreatedAt, &g.ApprovedBy, &g.ApprovedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetLatestGate implements runs.Store. Latest wins; absence is (nil, nil).
func (s *Store) GetLatestGate(ctx context.Context, runID, stepID string) (*runs.Gate, error) {
	gate, err := s.scanGate(s.db.queryRow(ctx, "get latest gate",
		`SELECT id, run_id, step_id, gate_type, status, created_at, COALESCE(approved_by, ''), approved_at
		 FROM gates
		 WHERE run_id = $1 AND step_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, runID, stepID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, normalize("get latest gate", err)
	}
	return gate, nil
}

// UpdateGate implements runs.Store.
func (s *Store) UpdateGate(ctx context.Context, gateID string, patch runs.GatePatch) error {
	var sets []string
	var args []any
	n := 1

	if patch.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", n))
		args = append(args, *patch.Status)
		n++
	}
	if patch.ApprovedBy != nil && *patch.ApprovedBy != "" {
		sets = append(sets, fmt.Sprintf("approved_by = $%d", n))
		args = append(args, *patch.ApprovedBy)
		n++
		sets = append(sets, "approved_at = COALESCE(approved_at, now())")
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, gateID)
	tag, err := s.db.exec(ctx, "update gate",
		fmt.Sprintf("UPDATE gates SET %s WHERE id = $%d", strings.Join(sets, ", "), n), args...)
	if err != nil {
		return normalize("update gate", err)
	}
	if tag.RowsAffected() == 0 {
		return runs.NotFoundError{Entity: "gate", ID: gateID}
	}
	return nil
}

// ── artifacts ────────────────────────────────────────────────────────────────

// AddArtifact implements runs.Store.
func (s *Store) AddArtifact(ctx context.Context, stepID, artifactType, path string, metadata runs.JSON) (*runs.Artifact, error) {
	if err := validateRelPath(path); err != nil {
		return nil, err
	}
	artifact := &runs.Artifact{
		StepID:   stepID,
		Type:     artifactType,
		Path:     path,
		Metadata: metadata,
	}
	err := s.db.queryRow(ctx, "add artifact",
		`INSERT INTO artifacts (step_id, type, path, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		stepID, artifactType, path, metadata,
	).Scan(&artifact.ID, &artifact.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, runs.NotFoundError{Entity: "step", ID: stepID}
		}
		return nil, normalize("add artifact", err)
	}
	return artifact, nil
}

// ListArtifactsByRun implements runs.Store.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]runs.ArtifactWithStep, error) {
	rows, err := s.db.query(ctx, "list artifacts",
		`SELECT a.id, a.step_id, a.type, a.path, a.metadata, a.created_at, s.name
		 FROM artifacts a
		 JOIN steps s ON s.id = a.step_id
		 WHERE s.run_id = $1
		 ORDER BY a.created_at, a.id`, runID)
	if err != nil {
		return nil, normalize("list artifacts", err)
	}
	defer rows.Close()

	var out []runs.ArtifactWithStep
	for rows.Next() {
		var a runs.ArtifactWithStep
		if err := rows.Scan(&a.ID, &a.StepID, &a.Type, &a.Path, &a.Metadata, &a.CreatedAt, &a.StepName); err != nil {
			return nil, normalize("scan artifact", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── inbox / outbox ───────────────────────────────────────────────────────────

// InboxMarkIfNew implements runs.Store. First insert wins.
func (s *Store) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.exec(ctx, "inbox mark",
		`INSERT INTO inbox (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, normalize("inbox mark", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InboxDelete implements runs.Store. Deleting an absent key is a no-op.
func (s *Store) InboxDelete(ctx context.Context, key string) error {
	if _, err := s.db.exec(ctx, "inbox delete", `DELETE FROM inbox WHERE key = $1`, key); err != nil {
		return normalize("inbox delete", err)
	}
	return nil
}

// OutboxAdd implements runs.Store.
func (s *Store) OutboxAdd(ctx context.Context, topic string, payload runs.JSON) error {
	if _, err := s.db.exec(ctx, "outbox add",
		`INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payload); err != nil {
		return normalize("outbox add", err)
	}
	return nil
}

// OutboxListUnsent implements runs.Store. Oldest first.
func (s *Store) OutboxListUnsent(ctx context.Context, limit int) ([]runs.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.query(ctx, "outbox list unsent",
		`SELECT id, topic, payload, sent, created_at, sent_at
		 FROM outbox WHERE NOT sent
		 ORDER BY created_at, id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, normalize("outbox list unsent", err)
	}
	defer rows.Close()

	var out []runs.OutboxEntry
	for rows.Next() {
		var e runs.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &e.Sent, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, normalize("scan outbox entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OutboxMarkSent implements runs.Store. Idempotent.
func (s *Store) OutboxMarkSent(ctx context.Context, id string) error {
	tag, err := s.db.exec(ctx, "outbox mark sent",
		`UPDATE outbox SET sent = true, sent_at = COALESCE(sent_at, now()) WHERE id = $1`, id)
	if err != nil {
		return normalize("outbox mark sent", err)
	}
	if tag.RowsAffected() == 0 {
		return runs.NotFoundError{Entity: "outbox entry", ID: id}
	}
	return nil
}

// validateRelPath rejects absolute artifact paths and anything that resolves
// above its root.
func validateRelPath(path string) error {
	if path == "" {
		return runs.ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return runs.PathTraversalError{Path: path}
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return runs.PathTraversalError{Path: path}
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Compile-time checks.
var (
	_ runs.Store      = (*Store)(nil)
	_ runs.Transactor = (*Store)(nil)
)
