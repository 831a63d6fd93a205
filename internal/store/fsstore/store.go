// Package fsstore implements the Store port on the local filesystem. It is
// the zero-dependency backend for local development: every entity is a JSON
// file under the configured root, writes serialize the whole file, and reads
// tolerate missing or malformed files.
//
// Known limitation: the inbox is a process-local set and does not survive
// restarts.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benfinklea/nofx/internal/runs"
)

// indexCap bounds the best-effort runs/index.json summary.
const indexCap = 100

// Store is the filesystem-backed implementation of runs.Store.
type Store struct {
	root string
	log  *slog.Logger

	// One writer at a time. Coarse, but this backend is for local
	// development and tolerates it.
	mu sync.Mutex

	inboxMu sync.Mutex
	inbox   map[string]struct{}
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, log *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, runs.StorageUnavailableError{Op: "create root", Err: err}
	}
	return &Store{
		root:  abs,
		log:   log,
		inbox: make(map[string]struct{}),
	}, nil
}

// ── runs ─────────────────────────────────────────────────────────────────────

// CreateRun implements runs.Store.
func (s *Store) CreateRun(_ context.Context, plan runs.JSON, projectID string) (*runs.Run, error) {
	if projectID == "" {
		projectID = "default"
	}
	run := &runs.Run{
		ID:        uuid.New().String(),
		Status:    runs.RunQueued,
		Plan:      plan,
		ProjectID: projectID,
		Metadata:  runs.JSON{},
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(s.runFile(run.ID), run); err != nil {
		return nil, err
	}
	s.refreshIndexLocked()
	return run, nil
}

// GetRun implements runs.Store.
func (s *Store) GetRun(_ context.Context, id string) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRunLocked(id)
}

func (s *Store) getRunLocked(id string) (*runs.Run, error) {
	var run runs.Run
	ok, err := s.readJSON(s.runFile(id), &run)
	if err != nil {
		return nil, err
	}
	if !ok || run.ID == "" {
		return nil, runs.NotFoundError{Entity: "run", ID: id}
	}
	return &run, nil
}

// UpdateRun implements runs.Store.
func (s *Store) UpdateRun(_ context.Context, id string, patch runs.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRunLocked(id)
	if err != nil {
		return err
	}
	if patch.Status != nil {
		run.Status = *patch.Status
		if run.Status.Terminal() && run.EndedAt == nil && patch.EndedAt == nil {
			now := time.Now().UTC()
			run.EndedAt = &now
		}
	}
	if patch.Metadata != nil {
		run.Metadata = patch.Metadata
	}
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		run.EndedAt = patch.EndedAt
	}
	if err := s.writeJSON(s.runFile(id), run); err != nil {
		return err
	}
	s.refreshIndexLocked()
	return nil
}

// ResetRun implements runs.Store.
func (s *Store) ResetRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRunLocked(id)
	if err != nil {
		return err
	}
	run.Status = runs.RunQueued
	run.EndedAt = nil
	if err := s.writeJSON(s.runFile(id), run); err != nil {
		return err
	}
	s.refreshIndexLocked()
	return nil
}

// ListRuns implements runs.Store.
func (s *Store) ListRuns(_ context.Context, limit int, projectID string) ([]runs.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadRunsLocked()
	if err != nil {
		return nil, err
	}

	summaries := make([]runs.RunSummary, 0, len(all))
	for _, run := range all {
		if projectID != "" && run.ProjectID != projectID {
			continue
		}
		summaries = append(summaries, runs.RunSummary{
			ID:        run.ID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
			Title:     run.Title(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (s *Store) loadRunsLocked() ([]*runs.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, runs.StorageUnavailableError{Op: "list runs", Err: err}
	}
	var out []*runs.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var run runs.Run
		ok, err := s.readJSON(s.runFile(e.Name()), &run)
		if err != nil || !ok || run.ID == "" {
			continue
		}
		out = append(out, &run)
	}
	return out, nil
}

// ── steps ────────────────────────────────────────────────────────────────────

// CreateStep implements runs.Store. Creation is idempotent per
// (runID, idempotencyKey).
func (s *Store) CreateStep(ctx context.Context, runID, name, tool string, inputs runs.JSON, idempotencyKey string) (*runs.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getRunLocked(runID); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := s.findStepByKeyLocked(runID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if inputs == nil {
		inputs = runs.JSON{}
	}
	step := &runs.Step{
		ID:             uuid.New().String(),
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         runs.StepQueued,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	if err := s.writeJSON(s.stepFile(runID, step.ID), step); err != nil {
		return nil, err
	}
	return step, nil
}

// GetStep implements runs.Store. Steps are keyed globally by ID, so the
// lookup scans run directories.
func (s *Store) GetStep(_ context.Context, id string) (*runs.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadRunsLocked()
	if err != nil {
		return nil, err
	}
	for _, run := range all {
		var step runs.Step
		ok, err := s.readJSON(s.stepFile(run.ID, id), &step)
		if err != nil {
			return nil, err
		}
		if ok && step.ID == id {
			return &step, nil
		}
	}
	return nil, runs.NotFoundError{Entity: "step", ID: id}
}

// GetStepByIdempotencyKey implements runs.Store.
func (s *Store) GetStepByIdempotencyKey(_ context.Context, runID, key string) (*runs.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findStepByKeyLocked(runID, key)
}

func (s *Store) findStepByKeyLocked(runID, key string) (*runs.Step, error) {
	steps, err := s.loadStepsLocked(runID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].IdempotencyKey == key {
			return &steps[i], nil
		}
	}
	return nil, nil
}

// UpdateStep implements runs.Store.
func (s *Store) UpdateStep(ctx context.Context, id string, patch runs.StepPatch) error {
	step, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.Status != nil {
		step.Status = *patch.Status
		if step.Status.Terminal() && step.EndedAt == nil && patch.EndedAt == nil {
			now := time.Now().UTC()
			step.EndedAt = &now
		}
	}
	if patch.Outputs != nil {
		step.Outputs = patch.Outputs
	}
	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		step.EndedAt = patch.EndedAt
	}
	return s.writeJSON(s.stepFile(step.RunID, step.ID), step)
}

// ResetStep implements runs.Store.
func (s *Store) ResetStep(ctx context.Context, id string) error {
	step, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	step.Status = runs.StepQueued
	step.StartedAt = nil
	step.EndedAt = nil
	step.Outputs = runs.JSON{}
	return s.writeJSON(s.stepFile(step.RunID, step.ID), step)
}

// ListStepsByRun implements runs.Store.
func (s *Store) ListStepsByRun(_ context.Context, runID string) ([]runs.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadStepsLocked(runID)
}

func (s *Store) loadStepsLocked(runID string) ([]runs.Step, error) {
	dir := filepath.Join(s.runDir(runID), "steps")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, runs.StorageUnavailableError{Op: "list steps", Err: err}
	}
	var steps []runs.Step
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var step runs.Step
		ok, err := s.readJSON(filepath.Join(dir, e.Name()), &step)
		if err != nil {
			return nil, err
		}
		if ok && step.ID != "" {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

// CountRemainingSteps implements runs.Store.
func (s *Store) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	steps, err := s.ListStepsByRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, step := range steps {
		if step.Status.Remaining() {
			n++
		}
	}
	return n, nil
}

// ── events ───────────────────────────────────────────────────────────────────

// RecordEvent implements runs.Store. Append-only.
func (s *Store) RecordEvent(_ context.Context, runID, eventType string, payload runs.JSON, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.runDir(runID), "events.json")
	var events []runs.Event
	if _, err := s.readJSON(path, &events); err != nil {
		return err
	}
	events = append(events, runs.Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return s.writeJSON(path, events)
}

// ListEvents implements runs.Store. File order is append order, which is
// chronological.
func (s *Store) ListEvents(_ context.Context, runID string) ([]runs.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []runs.Event
	if _, err := s.readJSON(filepath.Join(s.runDir(runID), "events.json"), &events); err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// ── gates ────────────────────────────────────────────────────────────────────

// CreateOrGetGate implements runs.Store. At most one pending gate exists per
// (run, step, gateType); a second create returns the existing one.
func (s *Store) CreateOrGetGate(_ context.Context, runID, stepID, gateType string) (*runs.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.runDir(runID), "gates.json")
	var gates []runs.Gate
	if _, err := s.readJSON(path, &gates); err != nil {
		return nil, err
	}
	for i := len(gates) - 1; i >= 0; i-- {
		g := gates[i]
		if g.StepID == stepID && g.GateType == gateType && g.Status == runs.GatePending {
			return &g, nil
		}
	}
	gate := runs.Gate{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    runs.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	gates = append(gates, gate)
	if err := s.writeJSON(path, gates); err != nil {
		return nil, err
	}
	return &gate, nil
}

// GetLatestGate implements runs.Store. Latest wins: the most recently
// appended gate for the step.
func (s *Store) GetLatestGate(_ context.Context, runID, stepID string) (*runs.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gates []runs.Gate
	if _, err := s.readJSON(filepath.Join(s.runDir(runID), "gates.json"), &gates); err != nil {
		return nil, err
	}
	for i := len(gates) - 1; i >= 0; i-- {
		if gates[i].StepID == stepID {
			g := gates[i]
			return &g, nil
		}
	}
	return nil, nil
}

// UpdateGate implements runs.Store. Gates are stored per run, so the update
// scans run directories for the owning file.
func (s *Store) UpdateGate(_ context.Context, gateID string, patch runs.GatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadRunsLocked()
	if err != nil {
		return err
	}
	for _, run := range all {
		path := filepath.Join(s.runDir(run.ID), "gates.json")
		var gates []runs.Gate
		if _, err := s.readJSON(path, &gates); err != nil {
			return err
		}
		for i := range gates {
			if gates[i].ID != gateID {
				continue
			}
			if patch.Status != nil {
				gates[i].Status = *patch.Status
			}
			if patch.ApprovedBy != nil && *patch.ApprovedBy != "" {
				if gates[i].ApprovedBy == "" && gates[i].ApprovedAt == nil {
					now := time.Now().UTC()
					gates[i].ApprovedAt = &now
				}
				gates[i].ApprovedBy = *patch.ApprovedBy
			}
			return s.writeJSON(path, gates)
		}
	}
	return runs.NotFoundError{Entity: "gate", ID: gateID}
}

// ── artifacts ────────────────────────────────────────────────────────────────

// AddArtifact implements runs.Store. Artifact metadata is stored with the
// owning run; the blob itself lives wherever path points.
func (s *Store) AddArtifact(ctx context.Context, stepID, artifactType, path string, metadata runs.JSON) (*runs.Artifact, error) {
	step, err := s.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := s.validateRelPath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file := filepath.Join(s.runDir(step.RunID), "artifacts.json")
	var artifacts []runs.Artifact
	if _, err := s.readJSON(file, &artifacts); err != nil {
		return nil, err
	}
	artifact := runs.Artifact{
		ID:        uuid.New().String(),
		StepID:    stepID,
		Type:      artifactType,
		Path:      path,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	artifacts = append(artifacts, artifact)
	if err := s.writeJSON(file, artifacts); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// ListArtifactsByRun implements runs.Store.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]runs.ArtifactWithStep, error) {
	steps, err := s.ListStepsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(steps))
	for _, step := range steps {
		names[step.ID] = step.Name
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var artifacts []runs.Artifact
	if _, err := s.readJSON(filepath.Join(s.runDir(runID), "artifacts.json"), &artifacts); err != nil {
		return nil, err
	}
	out := make([]runs.ArtifactWithStep, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, runs.ArtifactWithStep{Artifact: a, StepName: names[a.StepID]})
	}
	return out, nil
}

// ── inbox / outbox ───────────────────────────────────────────────────────────

// InboxMarkIfNew implements runs.Store. The set is process-local.
func (s *Store) InboxMarkIfNew(_ context.Context, key string) (bool, error) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if _, exists := s.inbox[key]; exists {
		return false, nil
	}
	s.inbox[key] = struct{}{}
	return true, nil
}

// InboxDelete implements runs.Store.
func (s *Store) InboxDelete(_ context.Context, key string) error {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	delete(s.inbox, key)
	return nil
}

// OutboxAdd implements runs.Store.
func (s *Store) OutboxAdd(_ context.Context, topic string, payload runs.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, "outbox.json")
	var entries []runs.OutboxEntry
	if _, err := s.readJSON(path, &entries); err != nil {
		return err
	}
	entries = append(entries, runs.OutboxEntry{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return s.writeJSON(path, entries)
}

// OutboxListUnsent implements runs.Store. Oldest first.
func (s *Store) OutboxListUnsent(_ context.Context, limit int) ([]runs.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []runs.OutboxEntry
	if _, err := s.readJSON(filepath.Join(s.root, "outbox.json"), &entries); err != nil {
		return nil, err
	}
	var unsent []runs.OutboxEntry
	for _, e := range entries {
		if !e.Sent {
			unsent = append(unsent, e)
		}
	}
	sort.SliceStable(unsent, func(i, j int) bool {
		return unsent[i].CreatedAt.Before(unsent[j].CreatedAt)
	})
	if limit > 0 && len(unsent) > limit {
		unsent = unsent[:limit]
	}
	return unsent, nil
}

// OutboxMarkSent implements runs.Store. Idempotent.
func (s *Store) OutboxMarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, "outbox.json")
	var entries []runs.OutboxEntry
	if _, err := s.readJSON(path, &entries); err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		if !entries[i].Sent {
			entries[i].Sent = true
			now := time.Now().UTC()
			entries[i].SentAt = &now
			return s.writeJSON(path, entries)
		}
		return nil
	}
	return runs.NotFoundError{Entity: "outbox entry", ID: id}
}

// ── file plumbing ────────────────────────────────────────────────────────────

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *Store) runFile(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) stepFile(runID, stepID string) string {
	return filepath.Join(s.runDir(runID), "steps", stepID+".json")
}

// validateRelPath rejects absolute paths and anything that escapes the root
// once resolved.
func (s *Store) validateRelPath(rel string) error {
	if rel == "" {
		return runs.ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return runs.PathTraversalError{Path: rel}
	}
	resolved := filepath.Join(s.root, filepath.Clean(rel))
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return runs.PathTraversalError{Path: rel}
	}
	return nil
}

// readJSON loads path into v. A missing file returns (false, nil); malformed
// JSON logs a warning and returns (false, nil) so a corrupt file degrades to
// empty instead of wedging the store.
func (s *Store) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, runs.StorageUnavailableError{Op: "read " + filepath.Base(path), Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("malformed JSON file, treating as empty", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

// writeJSON serializes v as two-space-indented, newline-terminated UTF-8.
func (s *Store) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return runs.StorageUnavailableError{Op: "mkdir " + filepath.Dir(path), Err: err}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return runs.StorageUnavailableError{Op: "write " + filepath.Base(path), Err: err}
	}
	return nil
}

// refreshIndexLocked rewrites runs/index.json with the newest runs. Best
// effort: failures are logged, never surfaced.
func (s *Store) refreshIndexLocked() {
	all, err := s.loadRunsLocked()
	if err != nil {
		s.log.Warn("run index refresh failed", "error", err)
		return
	}
	summaries := make([]runs.RunSummary, 0, len(all))
	for _, run := range all {
		summaries = append(summaries, runs.RunSummary{
			ID:        run.ID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
			Title:     run.Title(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if len(summaries) > indexCap {
		summaries = summaries[:indexCap]
	}
	if err := s.writeJSON(filepath.Join(s.root, "runs", "index.json"), summaries); err != nil {
		s.log.Warn("run index write failed", "error", err)
	}
}

// Compile-time check.
var _ runs.Store = (*Store)(nil)

// WithTransaction satisfies runs.Transactor. The filesystem backend has no
// transactions; fn runs directly against the store.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ runs.Transactor = (*Store)(nil)
