package instill

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("closed")

// SnapshotMismatchError reports an out-of-order or cross-stream chunk. The
// leader is expected to restart or resume the stream at Expect.
type SnapshotMismatchError struct {
	Expect SnapshotSegmentId
	Got    SnapshotSegmentId
}

func (e *SnapshotMismatchError) Error() string {
	return fmt.Sprintf("snapshot segment mismatch: expect %v, got %v", e.Expect, e.Got)
}

type storageVerb string

const (
	verbOpen      storageVerb = "open"
	verbRead      storageVerb = "read"
	verbWrite     storageVerb = "write"
	verbSeek      storageVerb = "seek"
	verbClose     storageVerb = "close"
	verbSaveState storageVerb = "save-state"
)

// StorageError tags an underlying store failure with what was being done to
// which snapshot stream when it happened.
type StorageError struct {
	Meta *SnapshotMeta
	Verb storageVerb
	Err  error
}

func (e *StorageError) Error() string {
	if e.Meta != nil {
		return fmt.Sprintf("storage %s failed for snapshot %v: %v", e.Verb, e.Meta, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Verb, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(meta *SnapshotMeta, verb storageVerb, err error) error {
	return &StorageError{Meta: meta, Verb: verb, Err: err}
}

// FatalError marks a failure after which the node's durability guarantee
// can no longer be trusted. Callers must escalate to node shutdown instead
// of retrying.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err requires node shutdown rather than a retry.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
