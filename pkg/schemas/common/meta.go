package common

import "time"

type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name, e.g. entity-updated
	Type string `json:"type"`
	// Timestamp set by the emitter; not trusted for ordering
	Time time.Time `json:"time"`
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Emitting service and version
	Producer *string `json:"producer,omitempty"`
}
