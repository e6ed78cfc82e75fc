package arque

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by SaveEvents when another writer has
	// already appended at or past the claimed version. Retriable by reload.
	ErrVersionConflict = errors.New("aggregate version conflict")

	// ErrAggregateFinalized is returned when appending to a finalized
	// aggregate. Terminal for further writes.
	ErrAggregateFinalized = errors.New("aggregate finalized")

	// ErrCommandHandlerMissing is returned when no command handler is
	// registered for a command type.
	ErrCommandHandlerMissing = errors.New("command handler missing")

	// ErrEventHandlerMissing is returned when no event handler is
	// registered for an event type.
	ErrEventHandlerMissing = errors.New("event handler missing")

	// ErrSnapshotNotFound is returned by FindLatestSnapshot when no
	// snapshot advances the caller.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// VersionConflictError reports an optimistic concurrency race. Aggregate
// carries the id and the version the failed batch claimed.
type VersionConflictError struct {
	Aggregate AggregateRef
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s at version %d",
		e.Aggregate.ID, e.Aggregate.Version)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// FinalizedError reports an append to a finalized aggregate.
type FinalizedError struct {
	ID AggregateID
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("aggregate %s is finalized", e.ID)
}

func (e *FinalizedError) Is(target error) bool {
	return target == ErrAggregateFinalized
}

// HandlerKind distinguishes the two handler registries.
type HandlerKind string

const (
	CommandHandlerKind HandlerKind = "command"
	EventHandlerKind   HandlerKind = "event"
)

// HandlerMissingError reports a dispatch against an unregistered handler
// type. This is a configuration error, never retried.
type HandlerMissingError struct {
	Kind HandlerKind
	Type uint32
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no %s handler registered for type %d", e.Kind, e.Type)
}

func (e *HandlerMissingError) Is(target error) bool {
	switch e.Kind {
	case CommandHandlerKind:
		return target == ErrCommandHandlerMissing
	case EventHandlerKind:
		return target == ErrEventHandlerMissing
	}
	return false
}

// TransientKind classifies the source of a transient failure.
type TransientKind string

const (
	PersistenceTransient TransientKind = "persistence"
	TransportTransient   TransientKind = "transport"
)

// TransientError marks a failure worth retrying: serialization and deadlock
// classes from stores, connection and timeout classes from transports.
// Adapters classify driver errors into this wrapper; everything unclassified
// is fatal and surfaces unchanged.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of the given kind. Returns nil
// when err is nil.
func Transient(kind TransientKind, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Kind: kind, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
