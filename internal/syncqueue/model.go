package syncqueue

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

// OutboxJob is the durable form of a sync job. Version increases whenever a
// later enqueue merges into the row, so a worker finishing an older version
// leaves the row pending.
type OutboxJob struct {
	ID          snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	Name        string         `gorm:"type:text;not null"`
	DedupKey    string         `gorm:"type:text;not null;uniqueIndex"`
	GroupKey    string         `gorm:"type:text;not null;index"`
	Region      string         `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	Status      JobStatus      `gorm:"type:text;not null;index:ix_sync_jobs_pending,priority:1"`
	Attempts    int            `gorm:"not null;default:0"`
	Version     int64          `gorm:"not null;default:1"`
	AvailableAt time.Time      `gorm:"not null;index:ix_sync_jobs_pending,priority:2"`
	LastError   *string        `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (OutboxJob) TableName() string { return "balance_sync_jobs" }
