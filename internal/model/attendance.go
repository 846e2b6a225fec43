package model

import "time"

// AttendanceRecord is the arrival of a team at a checkpoint.  At most one
// record exists per (EntityID, Checkpoint); the table carries a unique key
// on that pair and rows are never updated or deleted.
type AttendanceRecord struct {
	EntityID    uint64    `json:"entity_id"`     // attendance_records.entity_id
	Checkpoint  string    `json:"checkpoint"`    // attendance_records.checkpoint
	CheckedInAt time.Time `json:"checked_in_at"` // attendance_records.checked_in_at
	RecordedBy  string    `json:"recorded_by"`   // attendance_records.recorded_by
}
