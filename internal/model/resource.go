package model

import "time"

// ResourceUnit is a capacity-bounded challenge slot.  Units are seeded by
// the catalog; this service only ever increments AssignedCount, and only
// while AssignedCount < Capacity.
type ResourceUnit struct {
	ID            uint64 `json:"id"`             // resource_units.id
	Domain        string `json:"domain"`         // resource_units.domain
	Title         string `json:"title"`          // resource_units.title
	Capacity      int    `json:"capacity"`       // resource_units.capacity
	AssignedCount int    `json:"assigned_count"` // resource_units.assigned_count
}

// Full reports whether every seat on the unit is taken.
func (r ResourceUnit) Full() bool { return r.AssignedCount >= r.Capacity }

// ResourceAssignment binds a team to the unit it was allocated.  A team
// holds at most one assignment (unique key on entity_id).
type ResourceAssignment struct {
	EntityID   uint64    `json:"entity_id"`   // resource_assignments.entity_id
	ResourceID uint64    `json:"resource_id"` // resource_assignments.resource_id
	AssignedAt time.Time `json:"assigned_at"` // resource_assignments.assigned_at
}
