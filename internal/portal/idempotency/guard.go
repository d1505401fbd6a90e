package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable wraps failures of the guard's backing store.
var ErrUnavailable = errors.New("idempotency store unavailable")

const (
	keyPrefix = "external-event:"

	ValueProcessing = "processing"
	ValueDone       = "done"
)

// TTLs bounds how long markers live.
type TTLs struct {
	// Processing bounds how long a crashed handler blocks redelivery.
	Processing time.Duration
	// Done is the replay window for completed events.
	Done time.Duration
	// Extended is applied to a processing marker when finalize fails.
	Extended time.Duration
}

// DefaultTTLs returns the production marker lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Processing: 10 * time.Minute,
		Done:       30 * 24 * time.Hour,
		Extended:   24 * time.Hour,
	}
}

func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	if t.Processing <= 0 {
		t.Processing = d.Processing
	}
	if t.Done <= 0 {
		t.Done = d.Done
	}
	if t.Extended <= 0 {
		t.Extended = d.Extended
	}
	return t
}

// Guard claims external event ids so at-least-once delivery is applied at
// most once.
type Guard interface {
	// TryAcquire sets the processing marker only if no marker exists.
	TryAcquire(ctx context.Context, eventID string) (bool, error)
	// Finalize marks the event done for the replay window.
	Finalize(ctx context.Context, eventID string) error
	// Release deletes the marker so a retry can reprocess the event.
	Release(ctx context.Context, eventID string) error
	// Extend keeps a processing marker alive after a failed finalize.
	Extend(ctx context.Context, eventID string) error
	Ping(ctx context.Context) error
}

// Key returns the marker key for eventID.
func Key(eventID string) string {
	return keyPrefix + strings.TrimSpace(eventID)
}
