package core

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrn/printd/internal/backend"
	"github.com/orrn/printd/internal/notify"
	"github.com/orrn/printd/internal/spool"
)

// Document is one file attached to a job. Documents are immutable once
// attached; only the transient printing mark and the removed flag (set
// when retention deletes the file) change afterwards.
type Document struct {
	Index  int
	Title  string
	Format string
	Path   string
	Size   int64

	printing bool
	removed  bool
}

// Job is the mutable record of one print request. A job belongs to
// exactly one printer for its whole life and is guarded by its own
// read/write lock. Whenever an operation needs both the printer lock
// and the job lock, the printer lock is acquired first and released
// last.
//
// Methods with a Locked suffix assume the caller already holds the
// locks named in their comment; calling one without them is a
// correctness bug.
type Job struct {
	printer  *Printer
	id       int64
	username string
	title    string

	mu           sync.RWMutex
	state        JobState
	reasons      JobReason
	createdAt    time.Time
	processingAt time.Time
	completedAt  time.Time

	holdUntil time.Time // zero while held = indefinite

	retainKeyword  string
	retainInterval time.Duration
	retainTime     time.Time
	retainUntil    time.Time // computed when the job completes

	documents    []*Document
	lastReceived bool
	receiving    bool
	fetchable    bool

	canceled atomic.Bool
}

func (j *Job) ID() int64         { return j.id }
func (j *Job) Username() string  { return j.username }
func (j *Job) Title() string     { return j.title }
func (j *Job) Printer() *Printer { return j.printer }

func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

func (j *Job) Reasons() JobReason {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.reasons
}

func (j *Job) CreatedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.createdAt
}

func (j *Job) CompletedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.completedAt
}

func (j *Job) HoldUntil() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.holdUntil
}

func (j *Job) RetainUntil() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.retainUntil
}

func (j *Job) DocumentCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.documents)
}

// Documents returns a snapshot of the attached document metadata.
func (j *Job) Documents() []Document {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Document, len(j.documents))
	for i, d := range j.documents {
		out[i] = *d
	}
	return out
}

// Canceled reports the cooperative cancellation flag. The processor
// polls this between transfer units.
func (j *Job) Canceled() bool { return j.canceled.Load() }

// Hold defers the job. Legal only before processing begins. A keyword
// from the relative-time table or an explicit future time yields an
// absolute hold-until; neither means an indefinite hold.
func (j *Job) Hold(who, keyword string, until time.Time) error {
	j.mu.Lock()
	if j.state >= StateProcessing {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %d is %s", ErrBadState, j.id, j.state)
	}

	switch {
	case !until.IsZero():
		j.holdUntil = until
	case keyword != "":
		t, ok := HoldUntilTime(keyword, j.printer.now())
		if ok {
			j.holdUntil = t
		} else {
			j.holdUntil = time.Time{}
		}
	default:
		j.holdUntil = time.Time{}
	}

	j.state = StateHeld
	j.reasons |= ReasonHoldUntilSpecified
	j.reasons &^= ReasonQueued
	j.mu.Unlock()

	j.printer.logJob(j, who, "job held")
	j.printer.publishJob(notify.EventJobStateChanged, j, "job held")
	return nil
}

// Release moves a held job back to pending and triggers a queue scan.
func (j *Job) Release(who string) error {
	j.mu.Lock()
	if j.state != StateHeld {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %d is %s", ErrBadState, j.id, j.state)
	}

	j.holdUntil = time.Time{}
	j.reasons &^= ReasonHoldUntilSpecified | ReasonJobHeldOnCreate | ReasonIncoming
	j.state = StatePending
	j.reasons |= ReasonQueued
	j.mu.Unlock()

	j.printer.logJob(j, who, "job released")
	j.printer.publishJob(notify.EventJobStateChanged, j, "job released")
	j.printer.CheckJobs()
	return nil
}

// Retain stores the post-completion retention target. The absolute
// retain-until is not computed here; that happens when the job actually
// completes. Legal until the job reaches a terminal state.
func (j *Job) Retain(who, keyword string, interval time.Duration, until time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state >= StateCanceled {
		return fmt.Errorf("%w: job %d is %s", ErrBadState, j.id, j.state)
	}

	j.retainKeyword = keyword
	j.retainInterval = interval
	j.retainTime = until
	return nil
}

// computeRetainLocked resolves the retention target into an absolute
// time. Caller holds j.mu for writing; called exactly once, when the
// job completes.
func (j *Job) computeRetainLocked(completed time.Time) {
	switch {
	case j.retainKeyword != "":
		if t, ok := HoldUntilTime(j.retainKeyword, completed); ok {
			j.retainUntil = t
		}
	case j.retainInterval > 0:
		j.retainUntil = completed.Add(j.retainInterval)
	case !j.retainTime.IsZero():
		j.retainUntil = j.retainTime
	}
}

// Cancel cancels the job. A processing job (or a held job whose
// document data is still being received) is only flagged; the processor
// observes the flag between transfer units and finalizes the job at a
// well-defined point. Any other non-terminal job is finalized
// synchronously: state canceled, completion stamped, spool files
// removed, moved to the completed index.
func (j *Job) Cancel() error {
	p := j.printer

	p.mu.Lock()
	j.mu.Lock()

	switch {
	case j.state.Terminal():
		j.mu.Unlock()
		p.mu.Unlock()
		return fmt.Errorf("%w: job %d is already %s", ErrBadState, j.id, j.state)

	case j.state == StateProcessing, j.state == StateStopped,
		j.state == StateHeld && j.receiving:
		j.canceled.Store(true)
		j.reasons |= ReasonProcessingToStopPoint
		j.mu.Unlock()
		p.mu.Unlock()

		p.logJob(j, "", "cancellation requested")
		p.publishJob(notify.EventJobStateChanged, j, "job canceling")
		return nil

	default:
		paths := j.cancelNowLocked(p.now())
		j.mu.Unlock()
		p.mu.Unlock()

		p.removeSpoolFiles(paths)
		p.logJob(j, "", "job canceled")
		p.publishJob(notify.EventJobCompleted, j, "job canceled")
		p.jobFinished(j, StateCanceled)
		return nil
	}
}

// cancelNowLocked finalizes the job to canceled: state and reasons
// stamped, retention computed, documents marked removed, job moved to
// the completed index. Caller holds p.mu and j.mu for writing; the
// returned spool paths are deleted after the locks are released.
func (j *Job) cancelNowLocked(now time.Time) []string {
	j.state = StateCanceled
	j.reasons |= ReasonCanceledByUser
	j.reasons &^= ReasonProcessingToStopPoint
	j.completedAt = now
	j.computeRetainLocked(now)
	paths := j.removeDocumentsLocked()
	j.printer.moveToCompletedLocked(j)
	return paths
}

// observeCancel finalizes a parked job whose cancellation flag was set
// while document data was in flight. Jobs that reached the processor
// are left alone; the processor polls the flag itself.
func (j *Job) observeCancel() {
	if !j.canceled.Load() {
		return
	}
	p := j.printer

	p.mu.Lock()
	j.mu.Lock()
	if j.state.Terminal() || j.state == StateProcessing || j.state == StateStopped {
		j.mu.Unlock()
		p.mu.Unlock()
		return
	}
	paths := j.cancelNowLocked(p.now())
	j.mu.Unlock()
	p.mu.Unlock()

	p.removeSpoolFiles(paths)
	p.logJob(j, "", "job canceled")
	p.publishJob(notify.EventJobCompleted, j, "job canceled")
	p.jobFinished(j, StateCanceled)
}

// removeDocumentsLocked marks every document file as removed and
// returns the paths for deletion. Caller holds j.mu for writing; the
// actual file removal happens after the locks are released.
func (j *Job) removeDocumentsLocked() []string {
	var paths []string
	for _, d := range j.documents {
		if !d.removed {
			d.removed = true
			paths = append(paths, d.Path)
		}
	}
	return paths
}

// hasDocumentsLocked reports whether any document file is still on
// disk. Caller holds j.mu (read or write).
func (j *Job) hasDocumentsLocked() bool {
	for _, d := range j.documents {
		if !d.removed {
			return true
		}
	}
	return false
}

// StartReceiving marks that a document descriptor is open for this job,
// so Cancel defers to the flag instead of finalizing mid-transfer.
func (j *Job) StartReceiving() {
	j.mu.Lock()
	j.receiving = true
	j.mu.Unlock()
}

// FinishReceiving clears the open-descriptor mark and applies a
// cancellation that arrived mid-transfer.
func (j *Job) FinishReceiving() {
	j.mu.Lock()
	j.receiving = false
	j.mu.Unlock()

	j.observeCancel()
}

// SubmitDocument attaches the spooled file at path to the job. The
// document format is resolved in order: the declared format, the
// signature table, the backend's auto-type probe, filename-extension
// heuristics, and finally the printer's default format. An unresolvable
// format aborts the whole job. When the last document lands and no hold
// applies, the job becomes pending and the queue is re-scanned.
func (j *Job) SubmitDocument(path, title, declaredFormat string, last bool) error {
	p := j.printer

	j.mu.RLock()
	docCount := len(j.documents)
	state := j.state
	j.mu.RUnlock()

	if state.Terminal() {
		return fmt.Errorf("%w: job %d is %s", ErrBadState, j.id, state)
	}
	if p.maxDocuments > 0 && docCount >= p.maxDocuments {
		return fmt.Errorf("%w: limit is %d", ErrTooManyDocuments, p.maxDocuments)
	}

	format, err := j.resolveFormat(path, title, declaredFormat)
	if err != nil {
		j.abort(ReasonUnsupportedFormat, path, "unsupported document format")
		return err
	}

	fi, err := os.Stat(path)
	if err != nil {
		j.abort(ReasonSpoolAreaFull, path, "spool file unreadable")
		return fmt.Errorf("failed to stat spool file: %w", err)
	}

	holdingNew := p.HoldingNewJobs()

	j.mu.Lock()
	doc := &Document{
		Index:  len(j.documents) + 1,
		Title:  title,
		Format: format,
		Path:   path,
		Size:   fi.Size(),
	}
	j.documents = append(j.documents, doc)
	if last {
		j.lastReceived = true
		j.reasons &^= ReasonIncoming
	}

	release := last && j.state == StateHeld &&
		!j.reasons.Has(ReasonHoldUntilSpecified) && !j.reasons.Has(ReasonJobHeldOnCreate)
	switch {
	case release && !holdingNew:
		j.state = StatePending
		j.reasons |= ReasonQueued
	case release && holdingNew:
		// The hold-new-jobs flag went up after this job was admitted;
		// mark it so the release operation picks it up.
		j.reasons |= ReasonJobHeldOnCreate
	}
	j.mu.Unlock()

	p.logJob(j, "", fmt.Sprintf("document %d attached (%s, %d bytes)", doc.Index, format, doc.Size))
	if last {
		p.publishJob(notify.EventJobStateChanged, j, "job ready")
		p.CheckJobs()
	}
	return nil
}

// resolveFormat runs the detection chain for one document.
func (j *Job) resolveFormat(path, title, declared string) (string, error) {
	if declared != "" && declared != spool.FormatAuto {
		return declared, nil
	}

	prefix, err := j.printer.store.SniffFile(path)
	if err == nil {
		if format, ok := spool.Detect(prefix); ok {
			return format, nil
		}
		if td, ok := j.printer.backend.(backend.TypeDetector); ok {
			if format, ok := td.DetectType(prefix); ok {
				return format, nil
			}
		}
	}

	if format, ok := spool.DetectExtension(title); ok {
		return format, nil
	}
	if format, ok := spool.DetectExtension(path); ok {
		return format, nil
	}

	if j.printer.defaultFormat != "" {
		return j.printer.defaultFormat, nil
	}
	return "", ErrUnsupportedFormat
}

// abort forces the job to the aborted state: completion stamped, the
// offending file removed if it lives under the managed spool tree, and
// the job moved to the completed index. Aborted jobs are never retried.
func (j *Job) abort(reason JobReason, path, detail string) {
	p := j.printer

	p.mu.Lock()
	j.mu.Lock()

	if j.state.Terminal() {
		j.mu.Unlock()
		p.mu.Unlock()
		return
	}

	now := p.now()
	j.state = StateAborted
	j.reasons |= ReasonAbortedBySystem | reason
	j.completedAt = now
	j.computeRetainLocked(now)
	paths := j.removeDocumentsLocked()
	if path != "" {
		paths = append(paths, path)
	}
	p.moveToCompletedLocked(j)
	j.mu.Unlock()
	p.mu.Unlock()

	p.removeSpoolFiles(paths)
	p.logJob(j, "", "job aborted: "+detail)
	p.publishJob(notify.EventJobCompleted, j, "job aborted")
	p.jobFinished(j, StateAborted)
}

// JobView is an immutable snapshot of a job for status queries.
// Queries copy under the lock because the indices may be mutated
// between a caller's own lock acquisitions.
type JobView struct {
	ID           int64      `json:"id"`
	Printer      string     `json:"printer"`
	Username     string     `json:"username"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	Reasons      string     `json:"state_reasons"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	HoldUntil    *time.Time `json:"hold_until,omitempty"`
	RetainUntil  *time.Time `json:"retain_until,omitempty"`
	Documents    int        `json:"documents"`
}

// View snapshots the job under its read lock.
func (j *Job) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()

	v := JobView{
		ID:        j.id,
		Printer:   j.printer.name,
		Username:  j.username,
		Title:     j.title,
		State:     j.state.String(),
		Reasons:   j.reasons.String(),
		CreatedAt: j.createdAt,
		Documents: len(j.documents),
	}
	if !j.processingAt.IsZero() {
		t := j.processingAt
		v.ProcessingAt = &t
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		v.CompletedAt = &t
	}
	if !j.holdUntil.IsZero() {
		t := j.holdUntil
		v.HoldUntil = &t
	}
	if !j.retainUntil.IsZero() {
		t := j.retainUntil
		v.RetainUntil = &t
	}
	return v
}
