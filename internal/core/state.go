package core

import "strings"

// JobState is the lifecycle state of a job. The numeric values follow
// the conventional print-job state enumeration, so ordering comparisons
// are meaningful: states only ever move forward once processing begins,
// and anything >= StateCanceled is terminal.
type JobState int

const (
	StatePending    JobState = 3
	StateHeld       JobState = 4
	StateProcessing JobState = 5
	StateStopped    JobState = 6
	StateCanceled   JobState = 7
	StateAborted    JobState = 8
	StateCompleted  JobState = 9
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHeld:
		return "pending-held"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "processing-stopped"
	case StateCanceled:
		return "canceled"
	case StateAborted:
		return "aborted"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a job in this state will never run again.
func (s JobState) Terminal() bool { return s >= StateCanceled }

// JobReason is a bitmask of state-reason flags attached to a job. The
// reason set is the only error channel clients get for job-level
// failures.
type JobReason uint32

const (
	ReasonIncoming JobReason = 1 << iota
	ReasonQueued
	ReasonHoldUntilSpecified
	ReasonJobHeldOnCreate
	ReasonPrinting
	ReasonProcessingToStopPoint
	ReasonCanceledByUser
	ReasonAbortedBySystem
	ReasonCompletedSuccessfully
	ReasonUnsupportedFormat
	ReasonSpoolAreaFull

	ReasonNone JobReason = 0
)

var reasonNames = []struct {
	bit  JobReason
	name string
}{
	{ReasonIncoming, "job-incoming"},
	{ReasonQueued, "job-queued"},
	{ReasonHoldUntilSpecified, "job-hold-until-specified"},
	{ReasonJobHeldOnCreate, "job-held-on-create"},
	{ReasonPrinting, "job-printing"},
	{ReasonProcessingToStopPoint, "processing-to-stop-point"},
	{ReasonCanceledByUser, "job-canceled-by-user"},
	{ReasonAbortedBySystem, "aborted-by-system"},
	{ReasonCompletedSuccessfully, "job-completed-successfully"},
	{ReasonUnsupportedFormat, "unsupported-document-format"},
	{ReasonSpoolAreaFull, "spool-area-full"},
}

func (r JobReason) String() string {
	if r == ReasonNone {
		return "none"
	}
	var parts []string
	for _, rn := range reasonNames {
		if r&rn.bit != 0 {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, ",")
}

// Has reports whether all bits in mask are set.
func (r JobReason) Has(mask JobReason) bool { return r&mask == mask }
