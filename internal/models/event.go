package models

import "time"

// Stage names a pipeline phase as seen by progress subscribers.
type Stage string

const (
	StageFetchingFiles      Stage = "fetching_files"
	StageAnalyzingStructure Stage = "analyzing_structure"
	StageStructureComplete  Stage = "structure_complete"
	StageReviewingFile      Stage = "reviewing_file"
	StageFileComplete       Stage = "file_complete"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// Terminal reports whether subscribers should expect no further events.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ProgressEvent is an ephemeral stage transition broadcast for one job.
type ProgressEvent struct {
	JobID              string           `json:"job_id"`
	Status             Stage            `json:"status"`
	Progress           int              `json:"progress"`
	FileTree           *string          `json:"file_tree,omitempty"`
	StructureReview    *StructureReview `json:"structure_review,omitempty"`
	CurrentFile        string           `json:"current_file,omitempty"`
	Completed          *int             `json:"completed,omitempty"`
	Total              *int             `json:"total,omitempty"`
	FileReview         *FileReview      `json:"file_review,omitempty"`
	TotalFilesReviewed *int             `json:"total_files_reviewed,omitempty"`
	Error              string           `json:"error,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}
