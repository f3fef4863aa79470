package core

import (
	"context"
	"errors"
	"io"

	"github.com/orrn/printd/internal/backend"
	"github.com/orrn/printd/internal/notify"
)

// transferUnit is how much document data moves to the backend per Write
// call. The cooperative cancellation flag is checked between units, so
// this is also the cancellation granularity.
const transferUnit = 8192

var (
	errJobCanceled    = errors.New("job canceled")
	errJobInterrupted = errors.New("job interrupted by shutdown")
)

// processor drives the rendering backend for exactly one job. It is
// spawned only by the printer scan and runs detached; the printer keeps
// its handle so shutdown can cancel and join it.
type processor struct {
	printer *Printer
	job     *Job
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newProcessor(p *Printer, j *Job) *processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &processor{
		printer: p,
		job:     j,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (pr *processor) run() {
	defer close(pr.done)

	err := pr.execute()
	switch {
	case errors.Is(err, errJobCanceled):
		pr.printer.finishJob(pr.job, StateCanceled, "canceled")
	case errors.Is(err, errJobInterrupted):
		pr.printer.finishJob(pr.job, StateAborted, "interrupted by shutdown")
	case err != nil:
		pr.printer.finishJob(pr.job, StateAborted, err.Error())
	default:
		pr.printer.finishJob(pr.job, StateCompleted, "completed")
	}
}

// execute runs the fixed backend callback sequence: start job, one
// Write per transfer unit, end job. EndJob is always attempted so the
// device is left in a well-defined state even on cancellation.
func (pr *processor) execute() error {
	j := pr.job
	be := pr.printer.backend
	docs := j.Documents()

	info := &backend.JobInfo{
		Printer: pr.printer.name,
		JobID:   j.id,
		User:    j.username,
		Title:   j.title,
	}
	if len(docs) > 0 {
		info.Format = docs[0].Format
	}

	if err := be.StartJob(pr.ctx, info); err != nil {
		return err
	}

	failure := pr.transfer(docs)

	endErr := be.EndJob(pr.ctx, info)
	if failure != nil {
		return failure
	}
	return endErr
}

func (pr *processor) transfer(docs []Document) error {
	j := pr.job
	be := pr.printer.backend
	buf := make([]byte, transferUnit)

	for i := range docs {
		pr.setPrinting(i, true)
		err := pr.transferDocument(be, docs[i].Path, buf)
		pr.setPrinting(i, false)
		if err != nil {
			return err
		}
		pr.printer.publishJob(notify.EventJobProgress, j, docs[i].Title)
	}
	return nil
}

func (pr *processor) transferDocument(be backend.Backend, path string, buf []byte) error {
	f, err := pr.printer.store.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		if pr.job.Canceled() {
			return errJobCanceled
		}
		if err := pr.ctx.Err(); err != nil {
			return errJobInterrupted
		}

		n, err := f.Read(buf)
		if n > 0 {
			if werr := be.Write(pr.ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// setPrinting toggles the transient in-flight mark on a document.
func (pr *processor) setPrinting(index int, printing bool) {
	j := pr.job
	j.mu.Lock()
	if index < len(j.documents) {
		j.documents[index].printing = printing
	}
	j.mu.Unlock()
}
