package models

import (
	"time"
)

// Post is the canonical article. Post storage is owned elsewhere.
type Post struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Title           string    `gorm:"not null;size:500" json:"title"`
	ContentMarkdown string    `gorm:"type:text;not null" json:"content_markdown"`
	AuthorID        uint      `gorm:"not null;index" json:"author_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Post) TableName() string {
	return "posts"
}
