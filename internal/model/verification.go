package model

import (
	"encoding/json"
	"time"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// TaskKind classifies why a verification task was opened.
type TaskKind string

const (
	TaskSourceRetrieval TaskKind = "SOURCE_RETRIEVAL"
	TaskValueReview     TaskKind = "VALUE_REVIEW"
)

// TaskStatus is the workflow state of a verification task.
type TaskStatus string

const (
	TaskOpen     TaskStatus = "OPEN"
	TaskApproved TaskStatus = "APPROVED"
	TaskResolved TaskStatus = "RESOLVED"
)

// VerificationTask asks a human (or a later sweep) to find or confirm a
// value the resolver could not settle.
type VerificationTask struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"organization_id"`
	ProductID  string       `json:"product_id"`
	Key        nutrient.Key `json:"nutrient_key"`
	Kind       TaskKind     `json:"kind"`
	Status     TaskStatus   `json:"status"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// VerificationReview is the audit record of one automated or manual
// verification decision.
type VerificationReview struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id,omitempty"`
	ProductID  string       `json:"product_id"`
	Key        nutrient.Key `json:"nutrient_key"`
	Action     string       `json:"action"`
	Notes      string       `json:"notes,omitempty"`
	ReviewedBy string       `json:"reviewed_by"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RunKind names the batch that produced a run record.
type RunKind string

const (
	RunEnrich       RunKind = "enrich"
	RunLabels       RunKind = "labels"
	RunVerify       RunKind = "verify"
	RunCatalog      RunKind = "catalog"
	RunCorrectTimes RunKind = "correct-times"
)

// RunRecord persists one batch run and its machine-readable summary.
// Dry runs are reported to stdout but never stored.
type RunRecord struct {
	ID         string          `json:"id"`
	Kind       RunKind         `json:"kind"`
	OrgSlug    string          `json:"organization_slug"`
	DryRun     bool            `json:"dry_run"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Summary    json.RawMessage `json:"summary"`
}

// ItemError records a non-fatal per-item failure inside a batch.
type ItemError struct {
	ItemID string `json:"item_id"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}
