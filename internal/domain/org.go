package domain

import "time"

// Org represents a logical organization owning connections.
type Org struct {
	ID        int64
	Name      string
	Slug      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
