package models

import "time"

// Content is the submitted item being scored. Its Status mirrors the status
// of its Job for display.
type Content struct {
	ID        int64     `db:"id"         json:"id"`
	Title     string    `db:"title"      json:"title"`
	Body      string    `db:"body"       json:"-"`
	Status    JobStatus `db:"status"     json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
