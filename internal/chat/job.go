package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued generation request: a mobile client can fire a send
// and come back for the result. Jobs are persisted so the worker can be
// restarted without losing requests.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	Username string `gorm:"size:64;index;not null"`
	ChatID   string `gorm:"size:26;index;not null"`

	// Tool set and search flag captured at submit time, so the worker
	// replays exactly what the client asked for.
	EnabledTools string `gorm:"type:text"` // comma-separated tool ids
	WebSearch    bool

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed.
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
