// Package orchestrator owns the sync job lifecycle: admission, bounded
// concurrency, retries, per-source execution, and progress reporting.
package orchestrator

import (
	"sync"
	"time"
)

// JobType selects what a job does.
type JobType string

const (
	// JobFull runs the fetch/reconcile/claims pass over the complete
	// upstream view, ignoring any sync-log watermark.
	JobFull JobType = "full"
	// JobIncremental resumes each source from its last completed sync
	// log, degrading to a full pass when none exists.
	JobIncremental JobType = "incremental"
	// JobDiscrepancyOnly only aggregates open discrepancies.
	JobDiscrepancyOnly JobType = "discrepancy_only"
)

// JobState is a job's lifecycle state. Transitions are pending to
// running to exactly one terminal state; terminal states never change.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SourceResult is one source's outcome within a job.
type SourceResult struct {
	Source        string `json:"source"`
	Status        string `json:"status"`
	Full          bool   `json:"full"`
	ItemsSynced   int    `json:"items_synced"`
	Created       int    `json:"created"`
	Updated       int    `json:"updated"`
	NoChange      int    `json:"no_change"`
	Deactivated   int    `json:"deactivated"`
	Discrepancies int    `json:"discrepancies"`
	ClaimsFound   int    `json:"claims_found"`
	Error         string `json:"error,omitempty"`
}

// Job is one tracked sync job.
type Job struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	UserID    string   `json:"user_id"`
	Type      JobType  `json:"type"`
	Sources   []string `json:"sources,omitempty"`

	mu         sync.RWMutex
	state      JobState
	attempt    int
	results    []SourceResult
	summary    interface{}
	errors     []string
	warnings   []string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancel     func()
}

// State returns the current state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Snapshot is the externally visible view of a job.
type Snapshot struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	Type       JobType        `json:"type"`
	State      JobState       `json:"state"`
	Attempt    int            `json:"attempt"`
	Sources    []string       `json:"sources,omitempty"`
	Results    []SourceResult `json:"results,omitempty"`
	Summary    interface{}    `json:"summary,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Snapshot copies the job's current state for callers.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Snapshot{
		ID:        j.ID,
		TenantID:  j.TenantID,
		UserID:    j.UserID,
		Type:      j.Type,
		State:     j.state,
		Attempt:   j.attempt,
		Sources:   append([]string(nil), j.Sources...),
		Results:   append([]SourceResult(nil), j.results...),
		Summary:   j.summary,
		Errors:    append([]string(nil), j.errors...),
		Warnings:  append([]string(nil), j.warnings...),
		CreatedAt: j.createdAt,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		snap.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}
