// Package queue defines the domain events published after a check-in or a
// slot assignment commits, and the broker plumbing that carries them.
package queue

// Queue (RabbitMQ) and event-type (Kafka header) names.
const (
	CheckinRecordedQueue  = "checkin.recorded"
	ResourceAssignedQueue = "resource.assigned"
)

// CheckinRecordedEvent is published when a redemption writes a new
// attendance record.  Replayed scans do not publish.
type CheckinRecordedEvent struct {
	EntityID    uint64 `json:"entity_id"`
	EntityLabel string `json:"entity_label,omitempty"`
	Checkpoint  string `json:"checkpoint"`
	CheckedInAt string `json:"checked_in_at"`
	RecordedBy  string `json:"recorded_by"`
}

// ResourceAssignedEvent is published when a team is given a slot.
// Idempotent replays do not publish.
type ResourceAssignedEvent struct {
	EntityID      uint64 `json:"entity_id"`
	ResourceID    uint64 `json:"resource_id"`
	Domain        string `json:"domain"`
	Title         string `json:"title"`
	AssignedCount int    `json:"assigned_count"`
	Capacity      int    `json:"capacity"`
	AssignedAt    string `json:"assigned_at"`
}
