// Package notify implements the subscription and event engine. Event
// producers append sequenced events to every matching subscription;
// consumers pull them with GetNotifications, optionally blocking until
// new events arrive. Subscriptions are lease-scoped and reaped by the
// periodic cleanup sweep once their lease lapses.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/metrics"
)

var (
	ErrNotFound         = errors.New("subscription not found")
	ErrNoEvents         = errors.New("at least one event type is required")
	ErrPushNotSupported = errors.New("push delivery is not supported")
)

// EventType is a bitmask of subscribable event classes.
type EventType uint32

const (
	EventPrinterStateChanged EventType = 1 << iota
	EventPrinterConfigChanged
	EventPrinterStopped
	EventJobCreated
	EventJobStateChanged
	EventJobCompleted
	EventJobProgress
	EventServerStarted
	EventServerStopped

	EventNone EventType = 0
	EventAll  EventType = 1<<9 - 1
)

var eventNames = map[EventType]string{
	EventPrinterStateChanged:  "printer-state-changed",
	EventPrinterConfigChanged: "printer-config-changed",
	EventPrinterStopped:       "printer-stopped",
	EventJobCreated:           "job-created",
	EventJobStateChanged:      "job-state-changed",
	EventJobCompleted:         "job-completed",
	EventJobProgress:          "job-progress",
	EventServerStarted:        "server-started",
	EventServerStopped:        "server-stopped",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType maps a single event name onto its bit.
func ParseEventType(name string) (EventType, bool) {
	if name == "all" {
		return EventAll, true
	}
	for t, n := range eventNames {
		if n == name {
			return t, true
		}
	}
	return EventNone, false
}

// Event is one entry in a subscription's log. Seq is assigned per
// subscription and strictly increasing.
type Event struct {
	Seq     int64     `json:"sequence_number"`
	Type    EventType `json:"-"`
	Name    string    `json:"event"`
	Printer string    `json:"printer,omitempty"`
	JobID   int64     `json:"job_id,omitempty"`
	Text    string    `json:"text,omitempty"`
	Time    time.Time `json:"time"`
}

// Subscription is a registered interest in a slice of the event stream.
// A subscription may be scoped to one printer, one job, or the whole
// system. Its log is append-only until the subscription is removed.
type Subscription struct {
	ID      int64
	UUID    string
	Owner   string
	Printer string // empty = any printer
	JobID   int64  // zero = any job
	Events  EventType

	engine *Engine

	lease     time.Duration
	expiresAt time.Time // zero = no expiry

	firstSeq int64
	nextSeq  int64
	log      []*Event
}

// Engine owns all subscriptions and the shared condition variable that
// blocking pulls wait on.
type Engine struct {
	mu    sync.Mutex
	cond  *sync.Cond
	subs  map[int64]*Subscription
	order []*Subscription

	nextID       int64
	defaultLease time.Duration
	maxLease     time.Duration
	maxEvents    int
	blockingWait time.Duration

	now func() time.Time
	log *logrus.Entry
}

type Option func(*Engine)

// WithLeases overrides the default and maximum subscription lease.
func WithLeases(def, max time.Duration) Option {
	return func(e *Engine) {
		e.defaultLease = def
		e.maxLease = max
	}
}

// WithBlockingWait caps how long GetNotifications blocks when no events
// are available.
func WithBlockingWait(d time.Duration) Option {
	return func(e *Engine) { e.blockingWait = d }
}

// WithMaxEvents caps the per-subscription log length. Older events are
// dropped and FirstSeq advances past them.
func WithMaxEvents(n int) Option {
	return func(e *Engine) { e.maxEvents = n }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		subs:         make(map[int64]*Subscription),
		defaultLease: time.Hour,
		maxLease:     24 * time.Hour,
		maxEvents:    100,
		blockingWait: 30 * time.Second,
		now:          time.Now,
		log:          logger.WithField("component", "notify"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Create registers a subscription. deliveryURI must be empty: only pull
// delivery is supported, push recipients are rejected outright.
func (e *Engine) Create(owner, printer string, jobID int64, events EventType, lease time.Duration, deliveryURI string) (*Subscription, error) {
	if events == EventNone {
		return nil, ErrNoEvents
	}
	if deliveryURI != "" {
		return nil, ErrPushNotSupported
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if lease <= 0 {
		lease = e.defaultLease
	}
	if lease > e.maxLease {
		lease = e.maxLease
	}

	e.nextID++
	sub := &Subscription{
		ID:        e.nextID,
		UUID:      uuid.NewString(),
		engine:    e,
		Owner:     owner,
		Printer:   printer,
		JobID:     jobID,
		Events:    events,
		lease:     lease,
		expiresAt: e.now().Add(lease),
		firstSeq:  1,
		nextSeq:   1,
	}
	e.subs[sub.ID] = sub
	e.order = append(e.order, sub)

	e.log.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"owner":        owner,
		"printer":      printer,
		"job":          jobID,
	}).Debug("subscription created")

	return sub, nil
}

// Publish appends an event to every subscription whose scope and event
// mask match, then wakes blocked pulls.
func (e *Engine) Publish(t EventType, printer string, jobID int64, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	delivered := 0
	for _, sub := range e.order {
		if sub.Events&t == 0 {
			continue
		}
		if sub.Printer != "" && sub.Printer != printer {
			continue
		}
		if sub.JobID != 0 && sub.JobID != jobID {
			continue
		}

		evt := &Event{
			Seq:     sub.nextSeq,
			Type:    t,
			Name:    t.String(),
			Printer: printer,
			JobID:   jobID,
			Text:    text,
			Time:    now,
		}
		sub.nextSeq++
		sub.log = append(sub.log, evt)
		if e.maxEvents > 0 && len(sub.log) > e.maxEvents {
			drop := len(sub.log) - e.maxEvents
			sub.log = sub.log[drop:]
			sub.firstSeq += int64(drop)
		}
		delivered++
	}

	if delivered > 0 {
		metrics.EventsPublished.WithLabelValues(t.String()).Inc()
		e.cond.Broadcast()
	}
}

// GetNotifications returns events with sequence number >= since. A since
// of zero means "everything still retained". When block is set and no
// events are available, the call waits on the shared condition variable
// for up to the configured cap and then returns an empty, non-error
// result; it never fails on timeout.
func (e *Engine) GetNotifications(subID, since int64, block bool) ([]*Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[subID]
	if !ok {
		return nil, ErrNotFound
	}

	events := sub.eventsSince(since)
	if len(events) > 0 || !block {
		return events, nil
	}

	// Timed wait: sync.Cond has no deadline, so a timer broadcast wakes
	// every waiter once the cap expires.
	deadline := e.now().Add(e.blockingWait)
	timer := time.AfterFunc(e.blockingWait, e.cond.Broadcast)
	defer timer.Stop()

	for {
		e.cond.Wait()

		sub, ok = e.subs[subID]
		if !ok {
			return nil, ErrNotFound
		}
		events = sub.eventsSince(since)
		if len(events) > 0 || !e.now().Before(deadline) {
			return events, nil
		}
	}
}

func (s *Subscription) eventsSince(since int64) []*Event {
	if since < s.firstSeq {
		since = s.firstSeq
	}
	idx := int(since - s.firstSeq)
	if idx >= len(s.log) {
		return nil
	}
	out := make([]*Event, len(s.log)-idx)
	copy(out, s.log[idx:])
	return out
}

// Get returns a subscription by id.
func (e *Engine) Get(subID int64) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[subID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

// Renew extends the lease from now. The lease is clamped to the engine
// maximum; a non-positive value renews with the subscription's current
// lease length.
func (e *Engine) Renew(subID int64, lease time.Duration) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[subID]
	if !ok {
		return time.Time{}, ErrNotFound
	}

	if lease <= 0 {
		lease = sub.lease
	}
	if lease > e.maxLease {
		lease = e.maxLease
	}
	sub.lease = lease
	sub.expiresAt = e.now().Add(lease)
	return sub.expiresAt, nil
}

// Cancel removes a subscription and its log.
func (e *Engine) Cancel(subID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subs[subID]; !ok {
		return ErrNotFound
	}
	e.removeLocked(subID)
	e.cond.Broadcast()
	return nil
}

// Sweep removes every subscription whose lease has lapsed and returns
// how many were dropped. Called from the global cleanup timer.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []int64
	for _, sub := range e.order {
		if !sub.expiresAt.IsZero() && sub.expiresAt.Before(now) {
			expired = append(expired, sub.ID)
		}
	}
	for _, id := range expired {
		e.removeLocked(id)
	}

	if len(expired) > 0 {
		e.log.WithField("count", len(expired)).Debug("expired subscriptions removed")
		e.cond.Broadcast()
	}
	return len(expired)
}

// removeLocked assumes e.mu is held.
func (e *Engine) removeLocked(subID int64) {
	delete(e.subs, subID)
	for i, sub := range e.order {
		if sub.ID == subID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// List returns all live subscriptions in creation order.
func (e *Engine) List() []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Subscription, len(e.order))
	copy(out, e.order)
	return out
}

// Count returns the number of live subscriptions.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// ExpiresAt reports the lease expiry of a subscription. Renew mutates
// the expiry under the engine lock, so reads take it too.
func (s *Subscription) ExpiresAt() time.Time {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.expiresAt
}
