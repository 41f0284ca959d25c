package models

import "time"

// Secret is a value stored for a client under a path. Jobs reference
// secrets by path from test_data.secrets.
type Secret struct {
	ClientID  string    `gorm:"type:text;primaryKey" json:"client_id"`
	Path      string    `gorm:"type:text;primaryKey" json:"path"`
	Value     string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}
