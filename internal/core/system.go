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

// Recorder archives the final record of evicted jobs. The history
// store implements it; a nil recorder drops the records.
type Recorder interface {
	RecordJob(rec JobRecord) error
}

// SystemConfig assembles a System.
type SystemConfig struct {
	Store           *spool.Store
	Engine          *notify.Engine
	Recorder        Recorder
	Logger          *logrus.Logger
	CleanupInterval time.Duration
	DefaultLimits   PrinterLimits
	Now             func() time.Time
}

// System owns every printer and the subscription engine, and runs the
// global cleanup timer that applies retention policies and sweeps
// expired subscriptions.
type System struct {
	store    *spool.Store
	engine   *notify.Engine
	recorder Recorder
	log      *logrus.Logger

	cleanupInterval time.Duration
	defaultLimits   PrinterLimits
	nowFn           func() time.Time

	mu        sync.RWMutex
	printers  map[string]*Printer
	order     []*Printer
	cleanupAt time.Time

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewSystem(cfg SystemConfig) *System {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	return &System{
		store:           cfg.Store,
		engine:          cfg.Engine,
		recorder:        cfg.Recorder,
		log:             cfg.Logger,
		cleanupInterval: cfg.CleanupInterval,
		defaultLimits:   cfg.DefaultLimits,
		nowFn:           cfg.Now,
		printers:        make(map[string]*Printer),
		stopCh:          make(chan struct{}),
	}
}

func (s *System) now() time.Time { return s.nowFn() }

// Engine exposes the subscription engine to the dispatcher.
func (s *System) Engine() *notify.Engine { return s.engine }

// AddPrinter registers a printer. Limits falls back to the system
// defaults when nil.
func (s *System) AddPrinter(name string, be backend.Backend, limits *PrinterLimits) (*Printer, error) {
	if name == "" {
		return nil, fmt.Errorf("printer name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.printers[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPrinterExists, name)
	}

	l := s.defaultLimits
	if limits != nil {
		l = *limits
	}
	p := newPrinter(name, s, s.store, be, l)
	s.printers[name] = p
	s.order = append(s.order, p)

	s.log.WithField("printer", name).Info("printer added")
	s.engine.Publish(notify.EventPrinterConfigChanged, name, 0, "printer added")
	return p, nil
}

// RemovePrinter deletes a printer. In-flight processors are canceled
// and joined before the printer disappears from the registry.
func (s *System) RemovePrinter(ctx context.Context, name string) error {
	s.mu.Lock()
	p, ok := s.printers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	delete(s.printers, name)
	for i, o := range s.order {
		if o == p {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	p.mu.Lock()
	p.deleted = true
	p.mu.Unlock()

	p.shutdown(ctx)

	s.log.WithField("printer", name).Info("printer removed")
	s.engine.Publish(notify.EventPrinterConfigChanged, name, 0, "printer removed")
	return nil
}

// Printer looks a printer up by name.
func (s *System) Printer(name string) (*Printer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.printers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	return p, nil
}

// Printers returns all printers in registration order.
func (s *System) Printers() []*Printer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Printer, len(s.order))
	copy(out, s.order)
	return out
}

// Run starts the global cleanup timer.
func (s *System) Run() {
	s.mu.Lock()
	s.cleanupAt = s.now().Add(s.cleanupInterval)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.cleanupLoop()

	s.engine.Publish(notify.EventServerStarted, "", 0, "server started")
	s.log.Info("system started")
}

func (s *System) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup runs one sweep: retention on every printer, archival of
// evicted jobs, and removal of expired subscriptions. It is a deferred
// garbage-collection trigger, never an error path.
func (s *System) Cleanup() {
	now := s.now()

	s.mu.Lock()
	s.cleanupAt = now.Add(s.cleanupInterval)
	s.mu.Unlock()

	active := 0
	for _, p := range s.Printers() {
		for _, rec := range p.CleanJobs(now) {
			if s.recorder == nil {
				continue
			}
			if err := s.recorder.RecordJob(rec); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"printer": rec.Printer,
					"job":     rec.JobID,
				}).Warn("failed to archive job record")
			}
		}
		st := p.Stats()
		active += st.Pending + st.Held + st.Processing + st.Stopped
	}

	expired := s.engine.Sweep(now)
	if expired > 0 {
		s.log.WithField("expired", expired).Debug("subscriptions swept")
	}

	metrics.ActiveJobs.Set(float64(active))
	metrics.Subscriptions.Set(float64(s.engine.Count()))
}

// NextCleanup reports when the next sweep is due.
func (s *System) NextCleanup() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleanupAt
}

// Shutdown stops the cleanup timer and cancels and joins every
// in-flight processor, bounded by ctx.
func (s *System) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.engine.Publish(notify.EventServerStopped, "", 0, "server stopping")
	close(s.stopCh)
	s.wg.Wait()

	for _, p := range s.Printers() {
		p.shutdown(ctx)
	}
	s.log.Info("system stopped")
}
