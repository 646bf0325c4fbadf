package chat

import (
	"errors"
	"fmt"
)

// DecodeError marks a malformed or unrecognized event. It is absorbed at
// ingress: the event is skipped, the rest of the batch continues.
type DecodeError struct {
	Room RoomID
	ID   EventID
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s event %s in %s: %v", e.Type, e.ID, e.Room, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// GapError marks a discontinuity in the sync feed for one room. The room's
// live edge detaches until a backfill from PrevBatch closes the gap.
type GapError struct {
	Room      RoomID
	PrevBatch string
}

func (e *GapError) Error() string {
	return fmt.Sprintf("sync gap in %s at %s", e.Room, e.PrevBatch)
}

// MutationRejectedError means the server understood an intent and refused it.
// It is terminal: retrying the same intent will fail the same way.
type MutationRejectedError struct {
	Code    string
	Message string
}

func (e *MutationRejectedError) Error() string {
	return fmt.Sprintf("rejected by server: %s (%s)", e.Message, e.Code)
}

// TransportError means the intent never got a server verdict. It is returned
// after bounded retries are exhausted.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRejected reports whether err carries a server rejection rather than a
// transport failure.
func IsRejected(err error) bool {
	var rej *MutationRejectedError
	return errors.As(err, &rej)
}
