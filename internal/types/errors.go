package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the caller is expected to react.
type ErrorKind string

const (
	// KindConfiguration aborts a run before it produces any state.
	KindConfiguration ErrorKind = "configuration"
	// KindData marks a single bad sample; callers skip it and continue.
	KindData ErrorKind = "data"
)

var (
	ErrDatasetNotFound    = errors.New("dataset directory not found")
	ErrEnrollmentNotFound = errors.New("enrollment directory not found")
	ErrNoIdentities       = errors.New("no identities found")
	ErrEmptyCrop          = errors.New("empty face crop")
	ErrCropSize           = errors.New("unexpected face crop size")
	ErrUnreadableImage    = errors.New("unreadable image")
	ErrZeroEmbedding      = errors.New("embeddings cancel to a zero vector")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
)

// Error carries the kind of failure along with the operation and path involved.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigurationError wraps err as a fatal, pre-run failure.
func ConfigurationError(op, path string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Path: path, Err: err}
}

// DataError wraps err as a recoverable per-sample failure.
func DataError(op, path string, err error) error {
	return &Error{Kind: KindData, Op: op, Path: path, Err: err}
}

// IsConfiguration reports whether err is, or wraps, a configuration error.
func IsConfiguration(err error) bool {
	return isKind(err, KindConfiguration)
}

// IsData reports whether err is, or wraps, a data error.
func IsData(err error) bool {
	return isKind(err, KindData)
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
