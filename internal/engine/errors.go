package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/driftbyte/medley/internal/assemble"
	"github.com/driftbyte/medley/internal/decrypt"
	"github.com/driftbyte/medley/internal/transport"
)

// ErrorKind is the task-level failure taxonomy. Only transient network
// failures are ever retried, and only at chunk granularity.
type ErrorKind int

const (
	KindTransientNetwork ErrorKind = iota
	KindFatalRequest
	KindIntegrity
	KindDecryptionKey
	KindDisk
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient network error"
	case KindFatalRequest:
		return "fatal request error"
	case KindIntegrity:
		return "integrity error"
	case KindDecryptionKey:
		return "decryption key error"
	case KindDisk:
		return "disk error"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown error"
}

// TaskError is a terminal task failure carrying its taxonomy kind.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// errShortChunk marks a response body that ended before the chunk's
// declared range was served; treated as a transient network failure.
var errShortChunk = errors.New("short chunk read")

// Classify maps an error to its taxonomy kind. Order matters: context
// cancellation wins over whatever failure it interrupted, and specific
// sentinels win over the broad transport classes.
func Classify(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, decrypt.ErrInvalidKey), errors.Is(err, decrypt.ErrMisalignedOffset):
		return KindDecryptionKey
	case errors.Is(err, assemble.ErrSizeMismatch), errors.Is(err, assemble.ErrHashMismatch):
		return KindIntegrity
	case transport.IsFatal(err):
		return KindFatalRequest
	case transport.IsTransient(err), errors.Is(err, errShortChunk), errors.Is(err, context.DeadlineExceeded):
		return KindTransientNetwork
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrPermission) || errors.Is(err, fs.ErrPermission) {
		return KindDisk
	}
	return KindTransientNetwork
}

func taskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Kind: Classify(err), Err: err}
}
