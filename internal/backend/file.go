package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend renders jobs by appending their data to one output file
// per job under a target directory. It is the backend the daemon uses
// for print-to-file queues and what the test suite drives.
type FileBackend struct {
	dir string

	mu  sync.Mutex
	out *os.File
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) StartJob(_ context.Context, info *JobInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.out != nil {
		return fmt.Errorf("backend busy with another job")
	}

	path := filepath.Join(b.dir, fmt.Sprintf("%s-%05d.out", info.Printer, info.JobID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	b.out = f
	return nil
}

func (b *FileBackend) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.out == nil {
		return fmt.Errorf("no job in progress")
	}
	if _, err := b.out.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (b *FileBackend) EndJob(_ context.Context, _ *JobInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.out == nil {
		return nil
	}
	err := b.out.Close()
	b.out = nil
	if err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return nil
}

// Status reports the file backend as always ready.
func (b *FileBackend) Status() StateReason { return ReasonNone }

// Identify logs to the output directory so operators can find the queue
// from the device side.
func (b *FileBackend) Identify(actions []string, message string) error {
	path := filepath.Join(b.dir, "identify.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open identify log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "identify actions=%v message=%q\n", actions, message); err != nil {
		return fmt.Errorf("failed to write identify log: %w", err)
	}
	return nil
}
