package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued generation cycle. The user message is persisted before
// the job is enqueued; the worker only produces the assistant side. The
// assistant message id is fixed at enqueue time so a redelivered job upserts
// the same row instead of duplicating it.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	ConversationID string `gorm:"size:64;index;not null"`

	// AnchorID is the parent for the assistant message: the user message
	// that triggered the cycle.
	AnchorID string `gorm:"size:64;not null"`

	AssistantMessageID string `gorm:"size:64;not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_idempo,unique"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"size:64;index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
