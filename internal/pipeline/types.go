package pipeline

import (
	"github.com/ajitpratap0/nebulastream/pkg/models"
)

// WorkerState is the position of a consumer worker in its state machine.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateClaiming
	StateAccumulating
	StateFlushing
	StateAcking
	StateDeadLettering
	StateStopped
)

// String implements fmt.Stringer
func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateAcking:
		return "acking"
	case StateDeadLettering:
		return "dead_lettering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Rejection is an entry the sink writer refused before writing, with the reason.
type Rejection struct {
	Entry  models.ClaimedEntry
	Reason string
}

// WriteStats reports the outcome of one Sink Writer call.
type WriteStats struct {
	// Written counts rows inserted by this call
	Written int64
	// Deduplicated counts rows already present in the sink or repeated within the batch
	Deduplicated int64
	// Rejected entries were not sent to the sink
	Rejected []Rejection
}
