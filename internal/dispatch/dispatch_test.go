package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/backend"
	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/dispatch"
	"github.com/orrn/printd/internal/notify"
	"github.com/orrn/printd/internal/spool"
)

type nullBackend struct{}

func (nullBackend) StartJob(context.Context, *backend.JobInfo) error { return nil }
func (nullBackend) Write(context.Context, []byte) error              { return nil }
func (nullBackend) EndJob(context.Context, *backend.JobInfo) error   { return nil }

var (
	alice = dispatch.Requester{User: "alice"}
	bob   = dispatch.Requester{User: "bob"}
	root  = dispatch.Requester{User: "root", Groups: []string{"admin"}}
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *core.System) {
	t.Helper()
	return newTestDispatcherLimits(t, core.PrinterLimits{
		MaxDocuments:  10,
		DefaultFormat: spool.FormatText,
	})
}

func newTestDispatcherLimits(t *testing.T, limits core.PrinterLimits) (*dispatch.Dispatcher, *core.System) {
	t.Helper()

	store, err := spool.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sys := core.NewSystem(core.SystemConfig{
		Store:  store,
		Engine: notify.NewEngine(logger),
		Logger: logger,
	})
	if _, err := sys.AddPrinter("office", nullBackend{}, &limits); err != nil {
		t.Fatalf("AddPrinter: %v", err)
	}
	return dispatch.New(sys, "admin", logger), sys
}

func waitTerminal(t *testing.T, j *core.Job) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j.State().Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d never reached a terminal state", j.ID())
}

func TestSubmitJob(t *testing.T) {
	d, _ := newTestDispatcher(t)

	j, ignored, err := d.SubmitJob(alice, "office", "hello", dispatch.JobAttributes{}, bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if len(ignored) != 0 {
		t.Errorf("ignored = %v, want none", ignored)
	}
	if j.Username() != "alice" {
		t.Errorf("job owner = %q, want alice", j.Username())
	}
	waitTerminal(t, j)
	if got := j.State(); got != core.StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
}

func TestSubmitJobUnknownPrinter(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, _, err := d.SubmitJob(alice, "basement", "x", dispatch.JobAttributes{}, bytes.NewReader(nil))
	if !errors.Is(err, core.ErrPrinterNotFound) {
		t.Errorf("err = %v, want ErrPrinterNotFound", err)
	}
}

func TestFidelityStrict(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{
		Format:   "application/x-unknown",
		Fidelity: true,
	}
	_, _, err := d.CreateJob(alice, "office", "strict", attrs)
	if !errors.Is(err, dispatch.ErrBadAttribute) {
		t.Fatalf("err = %v, want ErrBadAttribute", err)
	}

	attrs = dispatch.JobAttributes{
		Extra:    map[string]string{"finishings": "staple"},
		Fidelity: true,
	}
	if _, _, err := d.CreateJob(alice, "office", "strict", attrs); !errors.Is(err, dispatch.ErrBadAttribute) {
		t.Fatalf("unknown attribute err = %v, want ErrBadAttribute", err)
	}
}

func TestFidelityLax(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{
		Format: "application/x-unknown",
		Extra:  map[string]string{"finishings": "staple"},
	}
	j, ignored, err := d.CreateJob(alice, "office", "lax", attrs)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if len(ignored) != 2 {
		t.Errorf("ignored = %v, want 2 entries", ignored)
	}
	if j == nil {
		t.Fatal("job should be admitted under lax fidelity")
	}
}

func TestHoldUntilAttribute(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{HoldUntil: core.HoldIndefinite}
	j, _, err := d.SubmitJob(alice, "office", "held", attrs, bytes.NewReader([]byte("data")))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := j.State(); got != core.StateHeld {
		t.Fatalf("state = %s, want held", got)
	}

	if err := d.ReleaseJob(alice, "office", j.ID()); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	waitTerminal(t, j)
	if got := j.State(); got != core.StateCompleted {
		t.Errorf("state after release = %s, want completed", got)
	}
}

func TestHoldUntilRejectsGarbage(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{HoldUntil: "whenever", Fidelity: true}
	if _, _, err := d.CreateJob(alice, "office", "x", attrs); !errors.Is(err, dispatch.ErrBadAttribute) {
		t.Errorf("err = %v, want ErrBadAttribute", err)
	}

	// An RFC 3339 timestamp is fine.
	attrs = dispatch.JobAttributes{HoldUntil: "2030-01-02T15:04:05Z", Fidelity: true}
	j, _, err := d.CreateJob(alice, "office", "x", attrs)
	if err != nil {
		t.Fatalf("CreateJob with timestamp: %v", err)
	}
	if j.HoldUntil().IsZero() {
		t.Error("explicit hold-until should be recorded")
	}
}

func TestCancelAuthorization(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{HoldUntil: core.HoldIndefinite}
	j, _, err := d.SubmitJob(alice, "office", "private", attrs, bytes.NewReader([]byte("data")))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	if err := d.CancelJob(bob, "office", j.ID()); !errors.Is(err, dispatch.ErrNotAuthorized) {
		t.Fatalf("other user cancel err = %v, want ErrNotAuthorized", err)
	}

	// Admins may cancel anyone's job.
	if err := d.CancelJob(root, "office", j.ID()); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if got := j.State(); got != core.StateCanceled {
		t.Errorf("state = %s, want canceled", got)
	}
}

func TestCancelDuringDocumentTransfer(t *testing.T) {
	d, sys := newTestDispatcher(t)

	j, _, err := d.CreateJob(alice, "office", "inflight", dispatch.JobAttributes{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Stream the document through a pipe so the cancel lands while the
	// transfer is in flight. The first write only returns once the
	// dispatcher has started copying.
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- d.SendDocument(alice, "office", j.ID(), "inflight", "", false, pr)
	}()

	if _, err := pw.Write([]byte("first half ")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	if err := d.CancelJob(alice, "office", j.ID()); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if _, err := pw.Write([]byte("second half")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	pw.Close()

	if err := <-done; err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	if got := j.State(); got != core.StateCanceled {
		t.Fatalf("state after transfer = %s, want canceled", got)
	}

	p, err := sys.Printer("office")
	if err != nil {
		t.Fatalf("Printer: %v", err)
	}
	entries, err := os.ReadDir(p.Store().Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("spool holds %d files after cancel, want none", len(entries))
	}
}

func TestRejectedDocumentLeavesNoSpoolFile(t *testing.T) {
	d, sys := newTestDispatcherLimits(t, core.PrinterLimits{
		MaxDocuments:  1,
		DefaultFormat: spool.FormatText,
	})
	p, err := sys.Printer("office")
	if err != nil {
		t.Fatalf("Printer: %v", err)
	}

	attrs := dispatch.JobAttributes{HoldUntil: core.HoldIndefinite}
	j, _, err := d.CreateJob(alice, "office", "limited", attrs)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := d.SendDocument(alice, "office", j.ID(), "one", "", false, bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}

	err = d.SendDocument(alice, "office", j.ID(), "two", "", false, bytes.NewReader([]byte("b")))
	if !errors.Is(err, core.ErrTooManyDocuments) {
		t.Fatalf("over-limit SendDocument err = %v, want ErrTooManyDocuments", err)
	}
	entries, err := os.ReadDir(p.Store().Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("spool holds %d files, want only the accepted document", len(entries))
	}

	// A terminal job rejects documents without leaving files either.
	if err := d.CancelJob(alice, "office", j.ID()); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	err = d.SendDocument(alice, "office", j.ID(), "three", "", true, bytes.NewReader([]byte("c")))
	if !errors.Is(err, core.ErrBadState) {
		t.Fatalf("terminal SendDocument err = %v, want ErrBadState", err)
	}
	entries, err = os.ReadDir(p.Store().Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("spool holds %d files after cancel, want none", len(entries))
	}
}

func TestCancelUserJobsAuthorization(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{HoldUntil: core.HoldIndefinite}
	if _, _, err := d.SubmitJob(alice, "office", "one", attrs, bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, _, err := d.SubmitJob(alice, "office", "two", attrs, bytes.NewReader([]byte("b"))); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	if _, err := d.CancelUserJobs(bob, "office", "alice"); !errors.Is(err, dispatch.ErrNotAuthorized) {
		t.Fatalf("cross-user cancel err = %v, want ErrNotAuthorized", err)
	}

	// Default target is the requester's own jobs.
	n, err := d.CancelUserJobs(alice, "office", "")
	if err != nil {
		t.Fatalf("CancelUserJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("canceled %d jobs, want 2", n)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.HoldNewJobs(alice, "office"); !errors.Is(err, dispatch.ErrNotAuthorized) {
		t.Errorf("HoldNewJobs as user err = %v, want ErrNotAuthorized", err)
	}
	if err := d.HoldNewJobs(root, "office"); err != nil {
		t.Fatalf("HoldNewJobs as admin: %v", err)
	}
	if err := d.ReleaseHeldNewJobs(root, "office"); err != nil {
		t.Fatalf("ReleaseHeldNewJobs as admin: %v", err)
	}
}

func TestSendDocumentToForeignJob(t *testing.T) {
	d, _ := newTestDispatcher(t)

	attrs := dispatch.JobAttributes{HoldUntil: core.HoldIndefinite}
	j, _, err := d.CreateJob(alice, "office", "mine", attrs)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err = d.SendDocument(bob, "office", j.ID(), "intruder", "", true, bytes.NewReader([]byte("x")))
	if !errors.Is(err, dispatch.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	d, sys := newTestDispatcher(t)

	sub, ignored, err := d.CreateSubscription(alice, "office", 0,
		[]string{"job-created", "job-completed", "job-teleported"}, time.Hour, "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if len(ignored) != 1 || ignored[0] != "job-teleported" {
		t.Errorf("ignored = %v, want the unknown name", ignored)
	}

	if _, _, err := d.SubmitJob(alice, "office", "watched", dispatch.JobAttributes{}, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var events []*notify.Event
	for time.Now().Before(deadline) {
		events, err = d.GetNotifications(alice, sub.ID, 0, false)
		if err != nil {
			t.Fatalf("GetNotifications: %v", err)
		}
		if len(events) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want created and completed", len(events))
	}
	if events[0].Name != "job-created" {
		t.Errorf("first event = %q, want job-created", events[0].Name)
	}

	// Other users cannot read or cancel someone else's subscription.
	if _, err := d.GetNotifications(bob, sub.ID, 0, false); !errors.Is(err, dispatch.ErrNotAuthorized) {
		t.Errorf("foreign GetNotifications err = %v, want ErrNotAuthorized", err)
	}
	if err := d.CancelSubscription(bob, sub.ID); !errors.Is(err, dispatch.ErrNotAuthorized) {
		t.Errorf("foreign CancelSubscription err = %v, want ErrNotAuthorized", err)
	}

	if err := d.CancelSubscription(alice, sub.ID); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if _, err := sys.Engine().Get(sub.ID); !errors.Is(err, notify.ErrNotFound) {
		t.Errorf("canceled subscription lookup err = %v, want ErrNotFound", err)
	}
}

func TestSubscriptionWithNoValidEvents(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, _, err := d.CreateSubscription(alice, "office", 0, []string{"nonsense"}, 0, "")
	if !errors.Is(err, notify.ErrNoEvents) {
		t.Errorf("err = %v, want ErrNoEvents", err)
	}
}
