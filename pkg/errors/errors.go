// Package errors defines the error taxonomy shared by the enrichment
// pipeline and its backends. Callers classify failures with errors.Is
// against the sentinels below.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientIO marks a store or index that is temporarily unreachable.
	// Retried at the batch-flush boundary; exhaustion is fatal for the run.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrMapping marks a connector failure on a malformed raw payload.
	// The offending item is recorded as failed and skipped.
	ErrMapping = errors.New("mapping error")

	// ErrResolution marks an identity backend failure. Fatal when identity
	// resolution is mandatory for the run, otherwise the item proceeds with
	// an unmerged identity.
	ErrResolution = errors.New("identity resolution error")

	// ErrSchemaConflict marks an output index schema incompatible with a
	// connector mapping. Always fatal, detected before any write.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrNotFound marks a missing record in a backing store.
	ErrNotFound = errors.New("not found")
)

// ItemError ties a failure to the raw item that caused it and the pipeline
// stage it occurred in.
type ItemError struct {
	Err   error
	UUID  string
	Stage string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s failed at %s: %s", e.UUID, e.Stage, e.Err.Error())
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError wraps err with the item uuid and pipeline stage.
func NewItemError(err error, uuid, stage string) *ItemError {
	return &ItemError{Err: err, UUID: uuid, Stage: stage}
}

// Transient wraps err as a TransientIOError.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Mapping wraps err as a MappingError.
func Mapping(err error) error {
	return fmt.Errorf("%w: %w", ErrMapping, err)
}

// Resolution wraps err as a ResolutionError.
func Resolution(err error) error {
	return fmt.Errorf("%w: %w", ErrResolution, err)
}

// IsFatal reports whether err must abort the whole run rather than a
// single item.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchemaConflict) || errors.Is(err, ErrTransientIO)
}

// IsItemError reports whether err is scoped to a single item and the run
// may continue.
func IsItemError(err error) bool {
	var itemErr *ItemError
	return errors.As(err, &itemErr) || errors.Is(err, ErrMapping)
}
