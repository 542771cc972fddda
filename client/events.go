package client

import "context"

// EventKind enumerates the auth transitions this cache reacts to. The set
// is closed: anything a provider emits outside it falls into the default
// arm instead of being special-cased or silently dropped one by one.
type EventKind int

const (
	// EventUnknown covers every event kind not modelled below.
	EventUnknown EventKind = iota
	// EventSignedIn means a session was just established elsewhere.
	EventSignedIn
	// EventSignedOut means the session was invalidated elsewhere.
	EventSignedOut
	// EventTokenRefreshed means the token pair rotated; identity is
	// unchanged.
	EventTokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	case EventTokenRefreshed:
		return "token_refreshed"
	default:
		return "unknown"
	}
}

// Event is one auth notification from the surrounding environment.
type Event struct {
	Kind      EventKind
	SubjectID string
}

// HandleEvent applies an auth event to the cache.
func (c *Cache) HandleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventSignedIn:
		// Re-arm and resolve: the event names a subject, but the cache
		// still confirms with the authority rather than trusting it.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.rearmLocked()
		c.notifyLocked(c.snapshotLocked())
		c.mu.Unlock()
		go c.Resolve(context.WithoutCancel(ctx))

	case EventSignedOut:
		// The emitter already invalidated with the authority; only the
		// local copy transitions.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.rearmLocked()
		c.state = StateUnauthenticated
		c.notifyLocked(c.snapshotLocked())
		c.mu.Unlock()

	case EventTokenRefreshed:
		// Identity unchanged; the refreshed pair is picked up from the
		// token source on the next round-trip.

	default:
		c.logger.Debug("unhandled auth event", "kind", ev.Kind.String())
	}
}
