package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job is a unit of requested work: its submitted definition (JobData) and the
// result document agents merge into (ResultData). State, Queue and
// AttachmentsStatus mirror fields of the documents as indexed columns so
// dequeue can be expressed as a single conditional update.
type Job struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"job_id"`
	Queue             string            `gorm:"type:text;index;not null" json:"job_queue"`
	State             string            `gorm:"type:text;index;not null" json:"job_state"`
	AttachmentsStatus string            `gorm:"type:text;index;not null;default:''" json:"attachments_status,omitempty"`
	ParentJobID       *uuid.UUID        `gorm:"type:uuid;index" json:"parent_job_id,omitempty"`
	ClaimedBy         string            `gorm:"type:text;index;not null;default:''" json:"claimed_by,omitempty"`
	JobData           datatypes.JSONMap `gorm:"type:json" json:"job_data"`
	ResultData        datatypes.JSONMap `gorm:"type:json" json:"result_data"`
	CreatedAt         time.Time         `gorm:"not null;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null;index" json:"updated_at"`
}

type Jobs []*Job
