package downloader

import (
	"errors"
	"fmt"
)

// ErrCancelled is the error of a run stopped through the progress sink or
// its context. It is a terminal state, not a failure.
var ErrCancelled = errors.New("download cancelled")

// Kind classifies why a run stopped.
type Kind int

const (
	KindManifest Kind = iota + 1
	KindChunk
	KindAssembly
	KindCancelled
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindChunk:
		return "chunk"
	case KindAssembly:
		return "assembly"
	case KindCancelled:
		return "cancelled"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by Run for every unsuccessful outcome.
type Error struct {
	Kind Kind
	// File is set for assembly and resource errors tied to one file.
	File string
	Err  error
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.File, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a Run error, or 0 if err did not come from Run.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsCancelled separates a user cancellation from a failure.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
