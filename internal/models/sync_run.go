package models

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a sync run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// RunTrigger records what started a sync run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// SyncError is one failure accumulated during a run. Errors never abort a
// run mid-flight; they are collected and reported in aggregate.
type SyncError struct {
	CardID    string `json:"card_id,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}

// SyncRun is one execution of the sync orchestrator. Runs are persisted for
// auditability; the in-progress run also carries the per-run accumulators so
// no state lives in package-level variables.
type SyncRun struct {
	ID              string      `json:"id" gorm:"primaryKey"`
	Trigger         RunTrigger  `json:"trigger" gorm:"not null;index"`
	State           RunState    `json:"state" gorm:"not null;index"`
	StartedAt       time.Time   `json:"started_at" gorm:"not null;index"`
	FinishedAt      *time.Time  `json:"finished_at"`
	CardsChecked    int         `json:"cards_checked"`
	CardsUpdated    int         `json:"cards_updated"`
	ContextsUpdated int         `json:"contexts_updated"`
	Errors          []SyncError `json:"errors" gorm:"serializer:json"`
}

// NewSyncRun creates a run in the running state.
func NewSyncRun(trigger RunTrigger) *SyncRun {
	return &SyncRun{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		State:     RunStateRunning,
		StartedAt: time.Now(),
	}
}

// AddError appends a failure to the run's error list.
func (r *SyncRun) AddError(cardID, contextID, stage string, err error) {
	r.Errors = append(r.Errors, SyncError{
		CardID:    cardID,
		ContextID: contextID,
		Stage:     stage,
		Message:   err.Error(),
	})
}

// Complete transitions the run to completed.
func (r *SyncRun) Complete() {
	now := time.Now()
	r.FinishedAt = &now
	r.State = RunStateCompleted
}

// Fail transitions the run to failed. Only unrecoverable setup errors
// (unable to load any contexts) should end up here.
func (r *SyncRun) Fail(err error) {
	now := time.Now()
	r.FinishedAt = &now
	r.State = RunStateFailed
	r.AddError("", "", "setup", err)
}

// Duration returns the elapsed run time, zero while still running.
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
