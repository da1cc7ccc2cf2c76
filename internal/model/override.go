package model

import "time"

// FieldStatus is the override field that patches Entity.Status.  Every
// other field name patches Entity.Fields.
const FieldStatus = "status"

// Override is a locally applied field value that takes display precedence
// over server data until the server catches up.
type Override struct {
	EntityID          string    `json:"entity_id"`
	Field             string    `json:"field"`
	Value             any       `json:"value"`
	RecordedAtVersion uint64    `json:"recorded_at_version"`
	RecordedAt        time.Time `json:"recorded_at"`
}
