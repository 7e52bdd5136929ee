package usage

import "time"

// Event is one billable call against a stake target, reported by the trace
// collaborator.
type Event struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Target    string    `json:"target"`
	Cost      uint64    `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}
