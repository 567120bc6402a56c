package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one repository review execution.
type Job struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	RepositoryReference string    `json:"repo_url"`
	Status              Status    `json:"status"`
	Progress            int       `json:"progress"`
	Result              Result    `json:"review_content"`
	Error               *string   `json:"error,omitempty"`
	WorkerID            *string   `json:"worker_id,omitempty"`
	IdempotencyKey      *string   `json:"idempotency_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Result is the accumulated review payload. It is only mutated by the worker that owns the job.
type Result struct {
	FileTree           []string         `json:"file_tree"`
	StructureReview    *StructureReview `json:"structure_review,omitempty"`
	FileReviews        FileReviews      `json:"file_reviews"`
	TotalFilesReviewed int              `json:"total_files_reviewed"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
