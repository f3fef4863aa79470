package core

import "errors"

var (
	ErrQueueFull         = errors.New("printer queue is full")
	ErrPrinterNotFound   = errors.New("printer not found")
	ErrPrinterExists     = errors.New("printer already exists")
	ErrPrinterDeleted    = errors.New("printer has been deleted")
	ErrJobNotFound       = errors.New("job not found")
	ErrBadState          = errors.New("operation not allowed in current job state")
	ErrTooManyDocuments  = errors.New("too many documents for job")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrNotSupported      = errors.New("operation not supported by backend")
)
