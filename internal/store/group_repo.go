// Package store provides the GroupRepo interface for group membership state.
package store

import "time"

// GroupRecord is the locally known state of a group.
type GroupRecord struct {
	ID        string
	Name      string
	Members   []string
	Revision  int
	Active    bool
	UpdatedAt time.Time
}

// GroupRepo persists group state. Updates only apply when they carry a newer revision.
type GroupRepo interface {
	// MergeGroup inserts g or replaces the stored state if g.Revision is greater.
	// Returns false when the stored revision is equal or newer.
	MergeGroup(g GroupRecord) (bool, error)

	// GetGroup returns the stored group, or nil if absent.
	GetGroup(id string) (*GroupRecord, error)
}
