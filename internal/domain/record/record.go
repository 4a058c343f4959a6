// Package record defines the tenant-owned business data stored inside a partition.
package record

import "time"

// Record is a row of tenant data. It has no tenant column: which tenant it
// belongs to is decided solely by the partition it was written through.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRequest is the input for a new record.
type CreateRequest struct {
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"max=10000"`
}
