package models

import (
	"time"

	"github.com/google/uuid"
)

// LogFragment is one ordered chunk of a phase's captured log output.
// FragmentNumber is assigned by the producer; Seq records insertion order
// and only breaks ties between duplicate fragment numbers.
type LogFragment struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID          uuid.UUID `gorm:"type:uuid;not null;index:idx_fragment_lookup,priority:1" json:"job_id"`
	LogType        string    `gorm:"type:text;not null;index:idx_fragment_lookup,priority:2" json:"log_type"`
	Phase          string    `gorm:"type:text;not null;index:idx_fragment_lookup,priority:3" json:"phase"`
	FragmentNumber int       `gorm:"not null;index:idx_fragment_lookup,priority:4" json:"fragment_number"`
	Timestamp      time.Time `gorm:"not null" json:"timestamp"`
	LogData        string    `gorm:"type:text" json:"log_data"`
	CreatedAt      time.Time `gorm:"not null" json:"-"`
}

type LogFragments []*LogFragment
