package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/backend"
	"github.com/orrn/printd/internal/metrics"
	"github.com/orrn/printd/internal/notify"
	"github.com/orrn/printd/internal/spool"
)

// completedJobGrace is how long a freshly completed job is immune to
// eviction no matter how full the completed index is.
const completedJobGrace = 60 * time.Second

// PrinterLimits carries the per-printer admission and retention knobs.
// Zero values mean unlimited.
type PrinterLimits struct {
	MaxActiveJobs    int
	MaxCompletedJobs int
	MaxPreservedJobs int
	MaxDocuments     int
	DefaultFormat    string
}

// Printer is a logical device queue. It owns three indices over the
// same job set: all (lookup by id), active (pending/held/processing),
// and completed (terminal). The indices are mutated only while holding
// the printer write lock, jobs are keyed by id in a map with a
// separately maintained insertion-ordered slice for scan order.
//
// At most one job per printer is processing at any instant; the scan
// loop enforces this by starting at most one job per pass.
type Printer struct {
	name    string
	system  *System
	store   *spool.Store
	backend backend.Backend

	maxActiveJobs    int
	maxCompletedJobs int
	maxPreservedJobs int
	maxDocuments     int
	defaultFormat    string

	mu          sync.RWMutex
	jobs        map[int64]*Job
	active      []*Job // job-id (insertion) order
	completed   []*Job // completion order
	nextJobID   int64
	processing  *Job
	holdNewJobs bool
	stopped     bool
	deleted     bool
	processors  map[int64]*processor
}

func newPrinter(name string, system *System, store *spool.Store, be backend.Backend, limits PrinterLimits) *Printer {
	return &Printer{
		name:             name,
		system:           system,
		store:            store,
		backend:          be,
		maxActiveJobs:    limits.MaxActiveJobs,
		maxCompletedJobs: limits.MaxCompletedJobs,
		maxPreservedJobs: limits.MaxPreservedJobs,
		maxDocuments:     limits.MaxDocuments,
		defaultFormat:    limits.DefaultFormat,
		jobs:             make(map[int64]*Job),
		processors:       make(map[int64]*processor),
	}
}

func (p *Printer) Name() string { return p.name }

func (p *Printer) now() time.Time { return p.system.now() }

// Store exposes the spool store so the dispatcher can write document
// data before submitting it.
func (p *Printer) Store() *spool.Store { return p.store }

// DefaultFormat returns the printer's declared default document format.
func (p *Printer) DefaultFormat() string { return p.defaultFormat }

// CreateJob admits a new job. Admission is all-or-nothing: when the
// active index is at the configured maximum no job object is produced
// and the id counter is not advanced.
func (p *Printer) CreateJob(username, title string, fetchable bool) (*Job, error) {
	p.mu.Lock()

	if p.deleted {
		p.mu.Unlock()
		return nil, ErrPrinterDeleted
	}
	if p.maxActiveJobs > 0 && len(p.active) >= p.maxActiveJobs {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active jobs", ErrQueueFull, p.maxActiveJobs)
	}

	p.nextJobID++
	j := &Job{
		printer:   p,
		id:        p.nextJobID,
		username:  username,
		title:     title,
		state:     StateHeld,
		reasons:   ReasonIncoming,
		createdAt: p.now(),
		fetchable: fetchable,
	}
	if p.holdNewJobs {
		j.reasons |= ReasonJobHeldOnCreate
	}

	p.jobs[j.id] = j
	p.active = append(p.active, j)
	p.mu.Unlock()

	metrics.JobsCreated.WithLabelValues(p.name).Inc()
	p.logJob(j, username, "job created")
	p.publishJob(notify.EventJobCreated, j, "job created")
	return j, nil
}

// FindJob looks a job up by id across both indices.
func (p *Printer) FindJob(id int64) (*Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	j, ok := p.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return j, nil
}

// JobFilter selects which index a job listing draws from.
type JobFilter string

const (
	FilterAll       JobFilter = "all"
	FilterActive    JobFilter = "not-completed"
	FilterCompleted JobFilter = "completed"
)

// Jobs snapshots job views in id order. Callers get copies because the
// indices may be mutated between their own lock acquisitions.
func (p *Printer) Jobs(filter JobFilter) []JobView {
	p.mu.RLock()
	var src []*Job
	switch filter {
	case FilterActive:
		src = append(src, p.active...)
	case FilterCompleted:
		src = append(src, p.completed...)
	default:
		src = append(src, p.active...)
		src = append(src, p.completed...)
	}
	p.mu.RUnlock()

	views := make([]JobView, 0, len(src))
	for _, j := range src {
		views = append(views, j.View())
	}
	return views
}

// CancelUserJobs cancels every active job owned by username and returns
// how many were affected.
func (p *Printer) CancelUserJobs(username string) int {
	p.mu.RLock()
	targets := make([]*Job, 0)
	for _, j := range p.active {
		if j.username == username {
			targets = append(targets, j)
		}
	}
	p.mu.RUnlock()

	n := 0
	for _, j := range targets {
		if err := j.Cancel(); err == nil {
			n++
		}
	}
	return n
}

// HoldNewJobs makes every subsequently created job start held until
// ReleaseHeldNewJobs is called.
func (p *Printer) HoldNewJobs() {
	p.mu.Lock()
	p.holdNewJobs = true
	p.mu.Unlock()

	p.system.log.WithField("printer", p.name).Info("holding new jobs")
	p.system.engine.Publish(notify.EventPrinterConfigChanged, p.name, 0, "holding new jobs")
}

// ReleaseHeldNewJobs clears the hold-new-jobs flag and releases every
// job that was held only because of it.
func (p *Printer) ReleaseHeldNewJobs() {
	p.mu.Lock()
	p.holdNewJobs = false
	var released []*Job
	for _, j := range p.active {
		j.mu.Lock()
		if j.state == StateHeld && j.reasons.Has(ReasonJobHeldOnCreate) &&
			!j.reasons.Has(ReasonHoldUntilSpecified) && !j.reasons.Has(ReasonIncoming) {
			j.reasons &^= ReasonJobHeldOnCreate
			j.state = StatePending
			j.reasons |= ReasonQueued
			released = append(released, j)
		} else {
			j.reasons &^= ReasonJobHeldOnCreate
		}
		j.mu.Unlock()
	}
	p.mu.Unlock()

	p.system.log.WithField("printer", p.name).Info("released held new jobs")
	p.system.engine.Publish(notify.EventPrinterConfigChanged, p.name, 0, "released held new jobs")
	for _, j := range released {
		p.publishJob(notify.EventJobStateChanged, j, "job released")
	}
	p.CheckJobs()
}

// HoldingNewJobs reports the hold-new-jobs flag.
func (p *Printer) HoldingNewJobs() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.holdNewJobs
}

// Stop pauses scheduling on this printer. Jobs already processing run
// to completion; the scan simply refuses to start new ones.
func (p *Printer) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.system.engine.Publish(notify.EventPrinterStopped, p.name, 0, "printer stopped")
}

// Resume restarts scheduling and triggers a scan.
func (p *Printer) Resume() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	p.system.engine.Publish(notify.EventPrinterStateChanged, p.name, 0, "printer resumed")
	p.CheckJobs()
}

// Identify forwards an identify action set to the backend's optional
// Identify capability.
func (p *Printer) Identify(actions []string, message string) error {
	ident, ok := p.backend.(backend.Identifier)
	if !ok {
		return ErrNotSupported
	}
	return ident.Identify(actions, message)
}

// Status queries the backend's optional status capability.
func (p *Printer) Status() backend.StateReason {
	if sr, ok := p.backend.(backend.StatusReporter); ok {
		return sr.Status()
	}
	return backend.ReasonNone
}

// Stats counts jobs by state across both indices.
type Stats struct {
	Pending    int `json:"pending"`
	Held       int `json:"held"`
	Processing int `json:"processing"`
	Stopped    int `json:"stopped"`
	Canceled   int `json:"canceled"`
	Aborted    int `json:"aborted"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}

func (p *Printer) Stats() Stats {
	p.mu.RLock()
	all := make([]*Job, 0, len(p.active)+len(p.completed))
	all = append(all, p.active...)
	all = append(all, p.completed...)
	p.mu.RUnlock()

	var s Stats
	for _, j := range all {
		switch j.State() {
		case StatePending:
			s.Pending++
		case StateHeld:
			s.Held++
		case StateProcessing:
			s.Processing++
		case StateStopped:
			s.Stopped++
		case StateCanceled:
			s.Canceled++
		case StateAborted:
			s.Aborted++
		case StateCompleted:
			s.Completed++
		}
		s.Total++
	}
	return s
}

// CheckJobs runs one scan over the active index in job-id order:
// held jobs whose hold-until has passed are released, and the first
// runnable pending job is started. At most one job is started per scan,
// which is what enforces the one-processing-at-a-time invariant. The
// scan exits immediately when a job is already processing or the
// printer is stopped or deleted.
func (p *Printer) CheckJobs() {
	var released []*Job
	var aborted []*Job
	var proc *processor

	p.mu.Lock()
	if p.processing == nil && !p.stopped && !p.deleted {
		now := p.now()
		for _, j := range p.active {
			j.mu.Lock()

			if j.state == StateHeld && !j.holdUntil.IsZero() && !now.Before(j.holdUntil) {
				j.holdUntil = time.Time{}
				j.reasons &^= ReasonHoldUntilSpecified
				j.state = StatePending
				j.reasons |= ReasonQueued
				released = append(released, j)
			}

			if j.state != StatePending || j.fetchable || !j.lastReceived || !j.hasDocumentsLocked() {
				j.mu.Unlock()
				continue
			}

			if p.backend == nil {
				// Scheduling failure: no processor can be started.
				// The job is aborted on the spot and the scan moves on.
				p.finalizeLocked(j, StateAborted, ReasonAbortedBySystem, now)
				aborted = append(aborted, j)
				j.mu.Unlock()
				continue
			}

			j.state = StateProcessing
			j.processingAt = now
			j.reasons &^= ReasonQueued
			j.reasons |= ReasonPrinting
			j.mu.Unlock()

			p.processing = j
			proc = newProcessor(p, j)
			p.processors[j.id] = proc
			break
		}
	}
	p.mu.Unlock()

	for _, j := range released {
		p.logJob(j, "", "hold expired, job released")
		p.publishJob(notify.EventJobStateChanged, j, "job released")
	}
	for _, j := range aborted {
		p.logJob(j, "", "job aborted: no backend available")
		p.publishJob(notify.EventJobCompleted, j, "job aborted")
		p.jobFinished(j, StateAborted)
	}
	if proc != nil {
		p.logJob(proc.job, "", "job started")
		p.publishJob(notify.EventJobStateChanged, proc.job, "job processing")
		go proc.run()
	}
}

// finalizeLocked stamps a terminal state onto a job and moves it to the
// completed index. Caller holds both p.mu and j.mu for writing.
func (p *Printer) finalizeLocked(j *Job, state JobState, reason JobReason, now time.Time) {
	j.state = state
	j.reasons &^= ReasonPrinting | ReasonProcessingToStopPoint | ReasonQueued
	j.reasons |= reason
	j.completedAt = now
	j.computeRetainLocked(now)
	p.moveToCompletedLocked(j)
}

// moveToCompletedLocked moves a job from the active index to the
// completed index. The move happens exactly once; a job already in
// completed stays where it is. Caller holds p.mu for writing.
func (p *Printer) moveToCompletedLocked(j *Job) {
	for i, a := range p.active {
		if a == j {
			p.active = append(p.active[:i], p.active[i+1:]...)
			p.completed = append(p.completed, j)
			return
		}
	}
}

// finishJob is the processor's hand-back: the job gets its terminal
// state and completion stamp, leaves the active index, the busy
// reference is cleared, and the queue is re-scanned.
func (p *Printer) finishJob(j *Job, state JobState, detail string) {
	var reason JobReason
	switch state {
	case StateCanceled:
		reason = ReasonCanceledByUser
	case StateAborted:
		reason = ReasonAbortedBySystem
	default:
		reason = ReasonCompletedSuccessfully
	}

	p.mu.Lock()
	j.mu.Lock()
	p.finalizeLocked(j, state, reason, p.now())
	if p.processing == j {
		p.processing = nil
	}
	delete(p.processors, j.id)
	j.mu.Unlock()
	p.mu.Unlock()

	p.logJob(j, "", "job finished: "+detail)
	p.publishJob(notify.EventJobCompleted, j, detail)
	p.jobFinished(j, state)
	p.CheckJobs()
}

// CleanJobs applies the retention policy: completed jobs beyond the
// configured maximum are evicted oldest-first once past the grace
// window, and documents of preserved jobs are deleted once the
// preserved count is exceeded or their retain-until has passed. It
// returns the final records of evicted jobs for archival.
func (p *Printer) CleanJobs(now time.Time) []JobRecord {
	var records []JobRecord
	var paths []string

	p.mu.Lock()

	// Evict completed jobs oldest-first. The slice is in completion
	// order, so the first job inside the grace window ends the pass.
	if p.maxCompletedJobs > 0 {
		for len(p.completed) > p.maxCompletedJobs {
			j := p.completed[0]
			j.mu.Lock()
			if now.Sub(j.completedAt) < completedJobGrace {
				j.mu.Unlock()
				break
			}
			paths = append(paths, j.removeDocumentsLocked()...)
			records = append(records, j.recordLocked(p.name))
			j.mu.Unlock()

			p.completed = p.completed[1:]
			delete(p.jobs, j.id)
		}
	}

	// Expired retain-until deletes documents even when the job record
	// itself is kept for history.
	preserved := make([]*Job, 0, len(p.completed))
	for _, j := range p.completed {
		j.mu.Lock()
		if j.hasDocumentsLocked() {
			if !j.retainUntil.IsZero() && !now.Before(j.retainUntil) {
				paths = append(paths, j.removeDocumentsLocked()...)
			} else {
				preserved = append(preserved, j)
			}
		}
		j.mu.Unlock()
	}

	// Preserved-count overflow deletes documents oldest-first.
	if p.maxPreservedJobs > 0 {
		for len(preserved) > p.maxPreservedJobs {
			j := preserved[0]
			preserved = preserved[1:]
			j.mu.Lock()
			paths = append(paths, j.removeDocumentsLocked()...)
			j.mu.Unlock()
		}
	}

	p.mu.Unlock()

	p.removeSpoolFiles(paths)
	if len(records) > 0 {
		p.system.log.WithFields(logrus.Fields{
			"printer": p.name,
			"evicted": len(records),
		}).Debug("completed jobs evicted")
	}
	return records
}

// JobRecord is the final, immutable record of an evicted job, handed to
// the history archive.
type JobRecord struct {
	Printer     string
	JobID       int64
	Username    string
	Title       string
	State       string
	Reasons     string
	CreatedAt   time.Time
	CompletedAt time.Time
	Documents   int
}

// recordLocked snapshots the archival record. Caller holds j.mu.
func (j *Job) recordLocked(printer string) JobRecord {
	return JobRecord{
		Printer:     printer,
		JobID:       j.id,
		Username:    j.username,
		Title:       j.title,
		State:       j.state.String(),
		Reasons:     j.reasons.String(),
		CreatedAt:   j.createdAt,
		CompletedAt: j.completedAt,
		Documents:   len(j.documents),
	}
}

// shutdown cancels in-flight processors and waits for them to finish or
// for the context to expire.
func (p *Printer) shutdown(ctx context.Context) {
	p.mu.Lock()
	procs := make([]*processor, 0, len(p.processors))
	for _, proc := range p.processors {
		procs = append(procs, proc)
	}
	p.stopped = true
	p.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
	}
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Printer) removeSpoolFiles(paths []string) {
	for _, path := range paths {
		if err := p.store.Remove(path); err != nil {
			p.system.log.WithError(err).WithField("printer", p.name).Warn("failed to remove spool file")
		}
	}
}

func (p *Printer) publishJob(t notify.EventType, j *Job, text string) {
	p.system.engine.Publish(t, p.name, j.id, text)
}

func (p *Printer) logJob(j *Job, who, msg string) {
	f := logrus.Fields{
		"printer": p.name,
		"job":     j.id,
		"state":   j.State().String(),
	}
	if who != "" {
		f["user"] = who
	}
	p.system.log.WithFields(f).Info(msg)
}

// jobFinished updates terminal-state metrics.
func (p *Printer) jobFinished(j *Job, state JobState) {
	metrics.JobsFinished.WithLabelValues(p.name, state.String()).Inc()
}
