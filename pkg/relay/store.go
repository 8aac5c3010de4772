package relay

import (
	"context"
	"time"
)

// Log is the durable, append-only half of the relay. Records appended for a
// turn survive producer crashes and page reloads until the turn's log is
// expired.
//
// A single producer writes per turn; any number of readers may range-read
// concurrently. Implementations must make each Append atomic but are not
// required to arbitrate between multiple writers on the same turn.
type Log interface {
	// Append stores the record under turnID and returns the assigned
	// sequence id. It must not block on readers.
	Append(ctx context.Context, turnID string, rec Record) (string, error)

	// ReadRange returns the records for turnID with a sequence id strictly
	// greater than fromSeq, in append order, up to the latest. An empty
	// fromSeq reads from the beginning. An unknown turnID yields an empty
	// slice and no error; it is indistinguishable from an expired or empty
	// turn.
	ReadRange(ctx context.Context, turnID string, fromSeq string) ([]Record, error)

	// Expire schedules removal of all records for turnID once ttl elapses,
	// measured from this call. Calling it again reschedules: the most
	// recently requested deadline wins.
	Expire(ctx context.Context, turnID string, ttl time.Duration) error

	Close() error
}

// Broker is the ephemeral fan-out half of the relay. Published records reach
// every subscriber attached at publish time, in publish order, and nobody
// else; the Log compensates for subscribers that attach late.
type Broker interface {
	// Publish delivers rec to all current subscribers of turnID. Publishing
	// with zero subscribers is a no-op, not an error.
	Publish(ctx context.Context, turnID string, rec Record) error

	// Subscribe attaches to turnID's live feed. The subscription only
	// yields records published after it is established.
	Subscribe(ctx context.Context, turnID string) (Subscription, error)

	Close() error
}

// Subscription is a handle on a turn's live feed. Close is idempotent and
// safe to call from any goroutine, including disconnect callbacks.
type Subscription interface {
	C() <-chan Record
	Close()
}
