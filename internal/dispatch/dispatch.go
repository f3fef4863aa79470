// Package dispatch validates inbound control operations and forwards
// them to the job, printer, and subscription layers. It owns attribute
// validation (including fidelity semantics) and the owner-or-admin
// authorization check, which always runs before any mutation.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/metrics"
	"github.com/orrn/printd/internal/notify"
	"github.com/orrn/printd/internal/spool"
)

var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrBadAttribute  = errors.New("unsupported attribute")
)

// Requester identifies who is making a request. Groups come from the
// authentication layer; membership in the admin group grants access to
// other users' jobs and to printer administration.
type Requester struct {
	User   string
	Groups []string
}

// JobAttributes are the job-relevant request attributes, already
// decoded from the wire. Extra holds attributes the decoder did not
// recognize; under strict fidelity any entry there fails the whole
// request, otherwise they are dropped and reported as ignored.
type JobAttributes struct {
	Format         string
	HoldUntil      string // keyword or RFC 3339 time
	RetainUntil    string // keyword
	RetainInterval time.Duration
	RetainTime     time.Time
	Fidelity       bool
	Extra          map[string]string
}

var supportedFormats = map[string]bool{
	spool.FormatPDF:         true,
	spool.FormatPostScript:  true,
	spool.FormatJPEG:        true,
	spool.FormatPNG:         true,
	spool.FormatRaster:      true,
	spool.FormatURF:         true,
	spool.FormatText:        true,
	spool.FormatOctetStream: true,
	spool.FormatAuto:        true,
}

// Dispatcher is the job-relevant subset of the request surface.
type Dispatcher struct {
	system     *core.System
	adminGroup string
	log        *logrus.Entry
}

func New(system *core.System, adminGroup string, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		system:     system,
		adminGroup: adminGroup,
		log:        logger.WithField("component", "dispatch"),
	}
}

// IsAdmin reports whether the requester belongs to the admin group.
func (d *Dispatcher) IsAdmin(req Requester) bool {
	for _, g := range req.Groups {
		if g == d.adminGroup {
			return true
		}
	}
	return false
}

// authorizeJob grants access when the requester owns the job or is an
// administrator.
func (d *Dispatcher) authorizeJob(req Requester, owner string) error {
	if req.User != "" && req.User == owner {
		return nil
	}
	if d.IsAdmin(req) {
		return nil
	}
	metrics.RequestsRejected.WithLabelValues("authorization").Inc()
	return fmt.Errorf("%w: user %q", ErrNotAuthorized, req.User)
}

// validate checks the job attributes against current capabilities.
// Invalid attributes fail the request under strict fidelity; otherwise
// they are cleared and their names returned as ignored.
func (d *Dispatcher) validate(attrs *JobAttributes) ([]string, error) {
	var ignored []string

	reject := func(name string) error {
		metrics.RequestsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: %s", ErrBadAttribute, name)
	}

	if attrs.Format != "" && !supportedFormats[attrs.Format] {
		if attrs.Fidelity {
			return nil, reject("document-format")
		}
		ignored = append(ignored, "document-format")
		attrs.Format = ""
	}

	if attrs.HoldUntil != "" && !core.IsHoldKeyword(attrs.HoldUntil) {
		if _, err := time.Parse(time.RFC3339, attrs.HoldUntil); err != nil {
			if attrs.Fidelity {
				return nil, reject("job-hold-until")
			}
			ignored = append(ignored, "job-hold-until")
			attrs.HoldUntil = ""
		}
	}

	if attrs.RetainUntil != "" && !core.IsHoldKeyword(attrs.RetainUntil) {
		if attrs.Fidelity {
			return nil, reject("job-retain-until")
		}
		ignored = append(ignored, "job-retain-until")
		attrs.RetainUntil = ""
	}

	for name := range attrs.Extra {
		if attrs.Fidelity {
			return nil, reject(name)
		}
		ignored = append(ignored, name)
	}

	return ignored, nil
}

// applyAttributes applies hold/retain targets to a freshly created job.
func applyAttributes(j *core.Job, who string, attrs *JobAttributes) error {
	if attrs.HoldUntil != "" && attrs.HoldUntil != core.HoldNoHold {
		var until time.Time
		keyword := attrs.HoldUntil
		if !core.IsHoldKeyword(keyword) {
			t, err := time.Parse(time.RFC3339, keyword)
			if err != nil {
				return fmt.Errorf("%w: job-hold-until", ErrBadAttribute)
			}
			until, keyword = t, ""
		}
		if err := j.Hold(who, keyword, until); err != nil {
			return err
		}
	}

	if attrs.RetainUntil != "" || attrs.RetainInterval > 0 || !attrs.RetainTime.IsZero() {
		if err := j.Retain(who, attrs.RetainUntil, attrs.RetainInterval, attrs.RetainTime); err != nil {
			return err
		}
	}
	return nil
}

// CreateJob validates and admits a job with no documents yet. The
// caller follows up with SendDocument.
func (d *Dispatcher) CreateJob(req Requester, printer, title string, attrs JobAttributes) (*core.Job, []string, error) {
	p, err := d.system.Printer(printer)
	if err != nil {
		return nil, nil, err
	}

	ignored, err := d.validate(&attrs)
	if err != nil {
		return nil, nil, err
	}

	j, err := p.CreateJob(req.User, title, false)
	if err != nil {
		if errors.Is(err, core.ErrQueueFull) {
			metrics.RequestsRejected.WithLabelValues("admission").Inc()
		}
		return nil, nil, err
	}

	if err := applyAttributes(j, req.User, &attrs); err != nil {
		return nil, ignored, err
	}
	return j, ignored, nil
}

// SubmitJob is create-job plus a single document in one operation.
func (d *Dispatcher) SubmitJob(req Requester, printer, title string, attrs JobAttributes, data io.Reader) (*core.Job, []string, error) {
	j, ignored, err := d.CreateJob(req, printer, title, attrs)
	if err != nil {
		return nil, ignored, err
	}

	if err := d.spoolDocument(j, title, attrs.Format, true, data); err != nil {
		return j, ignored, err
	}
	return j, ignored, nil
}

// SendDocument streams one document into an existing job.
func (d *Dispatcher) SendDocument(req Requester, printer string, jobID int64, title, format string, last bool, data io.Reader) error {
	j, err := d.findJob(printer, jobID)
	if err != nil {
		return err
	}
	if err := d.authorizeJob(req, j.Username()); err != nil {
		return err
	}

	if format != "" && format != spool.FormatAuto && !supportedFormats[format] {
		metrics.RequestsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: document-format", ErrBadAttribute)
	}

	return d.spoolDocument(j, title, format, last, data)
}

// spoolDocument writes the document data into the spool tree and
// attaches it to the job. The receiving mark is held while data is in
// flight so cancellation stays cooperative.
func (d *Dispatcher) spoolDocument(j *core.Job, title, format string, last bool, data io.Reader) error {
	store := j.Printer().Store()

	nameFormat := format
	if nameFormat == "" || nameFormat == spool.FormatAuto {
		nameFormat = j.Printer().DefaultFormat()
	}
	path := store.DocumentPath(j.Printer().Name(), j.ID(), j.DocumentCount()+1, title, nameFormat)

	j.StartReceiving()
	defer j.FinishReceiving()

	f, err := store.Create(path)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, data)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = store.Remove(path)
		if copyErr == nil {
			copyErr = closeErr
		}
		return fmt.Errorf("failed to spool document: %w", copyErr)
	}

	if err := j.SubmitDocument(path, title, format, last); err != nil {
		// Rejected documents never become part of the job; drop the
		// file. Abort paths have already removed theirs.
		_ = store.Remove(path)
		return err
	}
	return nil
}

// CancelJob cancels one job after the ownership check.
func (d *Dispatcher) CancelJob(req Requester, printer string, jobID int64) error {
	j, err := d.findJob(printer, jobID)
	if err != nil {
		return err
	}
	if err := d.authorizeJob(req, j.Username()); err != nil {
		return err
	}
	return j.Cancel()
}

// CancelUserJobs cancels every active job a user owns on a printer.
// Canceling someone else's jobs requires admin membership.
func (d *Dispatcher) CancelUserJobs(req Requester, printer, username string) (int, error) {
	if username == "" {
		username = req.User
	}
	if err := d.authorizeJob(req, username); err != nil {
		return 0, err
	}

	p, err := d.system.Printer(printer)
	if err != nil {
		return 0, err
	}
	return p.CancelUserJobs(username), nil
}

// HoldJob applies a hold to a job that has not started processing.
func (d *Dispatcher) HoldJob(req Requester, printer string, jobID int64, attrs JobAttributes) error {
	j, err := d.findJob(printer, jobID)
	if err != nil {
		return err
	}
	if err := d.authorizeJob(req, j.Username()); err != nil {
		return err
	}
	if _, err := d.validate(&attrs); err != nil {
		return err
	}
	if attrs.HoldUntil == "" {
		attrs.HoldUntil = core.HoldIndefinite
	}
	return applyAttributes(j, req.User, &attrs)
}

// ReleaseJob releases a held job.
func (d *Dispatcher) ReleaseJob(req Requester, printer string, jobID int64) error {
	j, err := d.findJob(printer, jobID)
	if err != nil {
		return err
	}
	if err := d.authorizeJob(req, j.Username()); err != nil {
		return err
	}
	return j.Release(req.User)
}

// ListJobs snapshots jobs on a printer.
func (d *Dispatcher) ListJobs(req Requester, printer string, filter core.JobFilter) ([]core.JobView, error) {
	p, err := d.system.Printer(printer)
	if err != nil {
		return nil, err
	}
	return p.Jobs(filter), nil
}

// HoldNewJobs is an administrative operation.
func (d *Dispatcher) HoldNewJobs(req Requester, printer string) error {
	if !d.IsAdmin(req) {
		metrics.RequestsRejected.WithLabelValues("authorization").Inc()
		return fmt.Errorf("%w: user %q", ErrNotAuthorized, req.User)
	}
	p, err := d.system.Printer(printer)
	if err != nil {
		return err
	}
	p.HoldNewJobs()
	return nil
}

// ReleaseHeldNewJobs is an administrative operation.
func (d *Dispatcher) ReleaseHeldNewJobs(req Requester, printer string) error {
	if !d.IsAdmin(req) {
		metrics.RequestsRejected.WithLabelValues("authorization").Inc()
		return fmt.Errorf("%w: user %q", ErrNotAuthorized, req.User)
	}
	p, err := d.system.Printer(printer)
	if err != nil {
		return err
	}
	p.ReleaseHeldNewJobs()
	return nil
}

// IdentifyPrinter forwards an identify request to the backend.
func (d *Dispatcher) IdentifyPrinter(req Requester, printer string, actions []string, message string) error {
	p, err := d.system.Printer(printer)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		actions = []string{"sound"}
	}
	return p.Identify(actions, message)
}

// CreateSubscription registers a pull subscription. Unknown event names
// are dropped; a request that names no valid event at all is rejected.
// Job-scoped subscriptions require access to that job.
func (d *Dispatcher) CreateSubscription(req Requester, printer string, jobID int64, events []string, lease time.Duration, deliveryURI string) (*notify.Subscription, []string, error) {
	if printer != "" {
		if _, err := d.system.Printer(printer); err != nil {
			return nil, nil, err
		}
	}
	if jobID != 0 {
		j, err := d.findJob(printer, jobID)
		if err != nil {
			return nil, nil, err
		}
		if err := d.authorizeJob(req, j.Username()); err != nil {
			return nil, nil, err
		}
	}

	var mask notify.EventType
	var ignored []string
	for _, name := range events {
		t, ok := notify.ParseEventType(name)
		if !ok {
			ignored = append(ignored, name)
			continue
		}
		mask |= t
	}

	sub, err := d.system.Engine().Create(req.User, printer, jobID, mask, lease, deliveryURI)
	if err != nil {
		return nil, ignored, err
	}
	return sub, ignored, nil
}

// GetNotifications pulls events for a subscription.
func (d *Dispatcher) GetNotifications(req Requester, subID, since int64, block bool) ([]*notify.Event, error) {
	sub, err := d.system.Engine().Get(subID)
	if err != nil {
		return nil, err
	}
	if err := d.authorizeJob(req, sub.Owner); err != nil {
		return nil, err
	}
	return d.system.Engine().GetNotifications(subID, since, block)
}

// RenewSubscription extends a lease.
func (d *Dispatcher) RenewSubscription(req Requester, subID int64, lease time.Duration) (time.Time, error) {
	sub, err := d.system.Engine().Get(subID)
	if err != nil {
		return time.Time{}, err
	}
	if err := d.authorizeJob(req, sub.Owner); err != nil {
		return time.Time{}, err
	}
	return d.system.Engine().Renew(subID, lease)
}

// CancelSubscription removes a subscription and its event log.
func (d *Dispatcher) CancelSubscription(req Requester, subID int64) error {
	sub, err := d.system.Engine().Get(subID)
	if err != nil {
		return err
	}
	if err := d.authorizeJob(req, sub.Owner); err != nil {
		return err
	}
	return d.system.Engine().Cancel(subID)
}

func (d *Dispatcher) findJob(printer string, jobID int64) (*core.Job, error) {
	p, err := d.system.Printer(printer)
	if err != nil {
		return nil, err
	}
	return p.FindJob(jobID)
}
