// Package eventbus wraps the pub/sub broker behind a small capability
// surface. Delivery is at-most-once with no persistence or replay; consumers
// must tolerate gaps.
package eventbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable is returned when the broker is not connected. Callers are
// expected to degrade gracefully rather than fail the request.
var ErrUnavailable = errors.New("event bus unavailable")

// Handler receives messages delivered to a subscription.
type Handler func(subject string, payload []byte)

// Handle identifies one live subscription. It exists only while the owning
// stream is alive and must be released on every stream exit path.
type Handle struct {
	ID             string
	SubjectPattern string
	StreamID       string
	CreatedAt      time.Time

	release func()
}

// Bus is the broker capability surface.
type Bus interface {
	// Subscribe registers handler for subject and ties the subscription to
	// streamID for diagnostics. Returns ErrUnavailable when degraded.
	Subscribe(subject, streamID string, handler Handler) (*Handle, error)

	// Unsubscribe releases the subscription. Safe to call with nil.
	Unsubscribe(h *Handle)

	// Publish sends payload on subject with at-most-once semantics.
	Publish(subject string, payload []byte) error

	// Connected reports whether the broker link is currently up.
	Connected() bool

	// Close drains and releases the broker connection.
	Close()
}

// UserUpdatesSubject is the per-subject fanout pattern for world updates.
func UserUpdatesSubject(subjectID string) string {
	return fmt.Sprintf("world.updates.user.%s", subjectID)
}

func newHandle(subject, streamID string, release func()) *Handle {
	return &Handle{
		ID:             uuid.NewString(),
		SubjectPattern: subject,
		StreamID:       streamID,
		CreatedAt:      time.Now(),
		release:        release,
	}
}
