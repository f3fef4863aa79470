// Package backend defines the boundary between the scheduler and the
// rendering/driver side of a printer. A backend must implement the
// render sequence (StartJob, Write, EndJob); the remaining capabilities
// are optional and discovered by interface assertion.
package backend

import "context"

// JobInfo carries the identifying attributes a backend may need while
// rendering a job.
type JobInfo struct {
	Printer string
	JobID   int64
	User    string
	Title   string
	Format  string
}

// Backend drives the device for one job at a time. Write is called once
// per transfer unit; the scheduler checks for cancellation between
// calls, so a backend must keep units small enough that cancellation
// stays responsive.
type Backend interface {
	StartJob(ctx context.Context, info *JobInfo) error
	Write(ctx context.Context, data []byte) error
	EndJob(ctx context.Context, info *JobInfo) error
}

// StateReason is a bitmask of device conditions reported by a backend.
type StateReason uint32

const (
	ReasonNone         StateReason = 0
	ReasonMediaEmpty   StateReason = 1 << 0
	ReasonMediaJam     StateReason = 1 << 1
	ReasonMediaLow     StateReason = 1 << 2
	ReasonMarkerEmpty  StateReason = 1 << 3
	ReasonMarkerLow    StateReason = 1 << 4
	ReasonDoorOpen     StateReason = 1 << 5
	ReasonPaused       StateReason = 1 << 6
	ReasonOffline      StateReason = 1 << 7
	ReasonDeviceError  StateReason = 1 << 8
	ReasonConnectingTo StateReason = 1 << 9
)

var reasonNames = []struct {
	bit  StateReason
	name string
}{
	{ReasonMediaEmpty, "media-empty"},
	{ReasonMediaJam, "media-jam"},
	{ReasonMediaLow, "media-low"},
	{ReasonMarkerEmpty, "marker-supply-empty"},
	{ReasonMarkerLow, "marker-supply-low"},
	{ReasonDoorOpen, "door-open"},
	{ReasonPaused, "paused"},
	{ReasonOffline, "offline"},
	{ReasonDeviceError, "device-error"},
	{ReasonConnectingTo, "connecting-to-device"},
}

// Names expands the bitmask into its reason keywords.
func (r StateReason) Names() []string {
	var out []string
	for _, rn := range reasonNames {
		if r&rn.bit != 0 {
			out = append(out, rn.name)
		}
	}
	return out
}

// StatusReporter is the optional status-query capability.
type StatusReporter interface {
	Status() StateReason
}

// Identifier is the optional identify-printer capability (sound a beep,
// flash a display, show a message).
type Identifier interface {
	Identify(actions []string, message string) error
}

// TypeDetector is the optional document auto-typing capability. It
// receives the leading bytes of a document and returns a format, or
// false if the backend does not recognize it.
type TypeDetector interface {
	DetectType(prefix []byte) (string, bool)
}
