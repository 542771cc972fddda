// Package client holds the browser-context side of identity: one shared,
// reactive record of who is signed in. Every consumer reads the same Cache;
// none writes it directly; all writes flow through the resolution
// protocol, which confirms identity with the authority instead of trusting
// any locally stored claim.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"authgate/authority"
	"authgate/metrics"
	"authgate/profile"
)

// State is the identity resolution state.
type State int

const (
	// StateUnknown is the initial state before any resolution attempt.
	StateUnknown State = iota
	// StateResolving means a validation round-trip is in flight.
	StateResolving
	// StateAuthenticated means the authority confirmed the identity.
	StateAuthenticated
	// StateUnauthenticated means no valid identity exists, or resolution
	// timed out without a definitive answer.
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResolving:
		return "resolving"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

// Snapshot is an immutable view handed to consumers. Profile is hydrated
// independently and may trail SubjectID by arbitrary time; its absence
// never means the identity is in doubt.
type Snapshot struct {
	State     State
	SubjectID string
	Email     string
	Profile   *profile.Profile
}

// TokenSource yields the access token currently held by this context.
type TokenSource interface {
	CurrentAccessToken(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// CurrentAccessToken implements TokenSource.
func (f TokenSourceFunc) CurrentAccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// ProfileFetcher is the best-effort profile collaborator.
type ProfileFetcher interface {
	Fetch(ctx context.Context, accessToken string) (*profile.Profile, error)
}

// Config assembles a Cache.
type Config struct {
	Authority authority.Authority
	Tokens    TokenSource
	// Profiles is optional; without it no hydration happens.
	Profiles ProfileFetcher

	// ResolveTimeout bounds one resolution attempt. On expiry the state
	// resolves to Unauthenticated; it never stays Resolving.
	ResolveTimeout time.Duration
	// SignOutTimeout bounds the invalidation round-trip.
	SignOutTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Set
}

// Cache is the single shared identity record for one browser context.
// Exactly one resolution attempt is in flight at a time; concurrent
// triggers coalesce onto it. Transitions are monotonic within a cycle
// (Unknown → Resolving → terminal); only an explicit re-arm starts a new
// cycle.
type Cache struct {
	authority authority.Authority
	tokens    TokenSource
	profiles  ProfileFetcher
	timeout   time.Duration
	signOut   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Set

	mu       sync.Mutex
	state    State
	subject  string
	email    string
	profile  *profile.Profile
	gen      uint64
	inflight bool
	waiters  []chan Snapshot
	subs     map[uint64]chan Snapshot
	nextSub  uint64
	closed   bool
}

// New constructs the cache in StateUnknown.
func New(cfg Config) (*Cache, error) {
	if cfg.Authority == nil {
		return nil, errors.New("client: authority required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("client: token source required")
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 6 * time.Second
	}
	if cfg.SignOutTimeout <= 0 {
		cfg.SignOutTimeout = 4 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		authority: cfg.Authority,
		tokens:    cfg.Tokens,
		profiles:  cfg.Profiles,
		timeout:   cfg.ResolveTimeout,
		signOut:   cfg.SignOutTimeout,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		state:     StateUnknown,
		subs:      make(map[uint64]chan Snapshot),
	}, nil
}

// Snapshot returns the current view without triggering resolution.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Resolve runs the resolution protocol and blocks until this cycle reaches
// a terminal state or ctx is done. If a cycle already resolved, the settled
// answer returns immediately; if one is in flight, the call coalesces onto
// it, so a second trigger never races a second authority call.
func (c *Cache) Resolve(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.closed || c.state == StateAuthenticated || c.state == StateUnauthenticated {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}

	ch := make(chan Snapshot, 1)
	c.waiters = append(c.waiters, ch)
	if !c.inflight {
		c.inflight = true
		c.state = StateResolving
		c.notifyLocked(c.snapshotLocked())
		go c.runResolution(c.gen)
	}
	c.mu.Unlock()

	select {
	case snap := <-ch:
		return snap
	case <-ctx.Done():
		return c.Snapshot()
	}
}

// runResolution is the single in-flight validation attempt for one cycle.
func (c *Cache) runResolution(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, err := c.tokens.CurrentAccessToken(ctx)
	if err != nil || token == "" {
		c.metrics.Resolution("unauthenticated")
		c.settle(gen, StateUnauthenticated, "", "")
		return
	}

	user, err := c.authority.GetUser(ctx, token)
	if err != nil {
		// Timeout and rejection land in the same place: a context is never
		// left Resolving, and an unconfirmed identity is no identity.
		if errors.Is(err, authority.ErrAuthorityUnreachable) {
			c.logger.Warn("identity resolution timed out", "error", err)
			c.metrics.Resolution("timeout")
		} else {
			c.metrics.Resolution("rejected")
		}
		c.settle(gen, StateUnauthenticated, "", "")
		return
	}

	c.metrics.Resolution("authenticated")
	c.settle(gen, StateAuthenticated, user.SubjectID, user.Email)

	// Hydration is a separate task joined only for display. It updates its
	// own field and can fail or stall without touching identity state.
	if c.profiles != nil {
		go c.hydrateProfile(gen, token)
	}
}

// settle applies a terminal state for the given cycle. Completions from a
// superseded or torn-down cycle are no-ops.
func (c *Cache) settle(gen uint64, state State, subject, email string) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.subject = subject
	c.email = email
	if state != StateAuthenticated {
		c.profile = nil
	}
	c.inflight = false
	waiters := c.waiters
	c.waiters = nil
	snap := c.snapshotLocked()
	c.notifyLocked(snap)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- snap
	}
}

func (c *Cache) hydrateProfile(gen uint64, token string) {
	p, err := c.profiles.Fetch(context.Background(), token)
	if err != nil {
		c.logger.Warn("profile hydration failed", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.state != StateAuthenticated {
		return
	}
	c.profile = p
	c.notifyLocked(c.snapshotLocked())
}

// Subscribe registers a consumer. The channel immediately carries the
// current snapshot and then the latest snapshot after every change;
// intermediate snapshots may be coalesced. The returned cancel must be
// called when the consumer goes away.
func (c *Cache) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	ch <- c.snapshotLocked()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
	}
}

// SignOut is the two-phase consistency protocol: ask the authority to
// invalidate first, transition to Unauthenticated only after. An
// invalidation timeout is best-effort success: local state clears, and the
// reconciliation risk is logged because the authority-side session may stay
// live until it naturally expires.
func (c *Cache) SignOut(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.signOut)
	defer cancel()

	token, err := c.tokens.CurrentAccessToken(ctx)
	if err == nil && token != "" {
		err = c.authority.SignOut(ctx, token)
		switch {
		case err == nil:
		case errors.Is(err, authority.ErrInvalidationTimeout), errors.Is(err, authority.ErrAuthorityUnreachable):
			c.logger.Warn("sign-out invalidation incomplete, authority session may outlive local state", "error", err)
			err = nil
		default:
			c.logger.Warn("sign-out invalidation rejected", "error", err)
			err = fmt.Errorf("invalidate session: %w", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	c.rearmLocked()
	c.state = StateUnauthenticated
	c.notifyLocked(c.snapshotLocked())
	c.mu.Unlock()

	return err
}

// WakeFromExternalNavigation re-runs the resolution protocol after the
// context returns from an external domain without the normal event stream
// having fired. In-memory state is stale by assumption and discarded.
func (c *Cache) WakeFromExternalNavigation(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.rearmLocked()
	c.notifyLocked(c.snapshotLocked())
	c.mu.Unlock()

	return c.Resolve(ctx)
}

// Close tears the context down. Pending completions become no-ops and
// subscribers are released.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++

	snap := c.snapshotLocked()
	for _, ch := range c.waiters {
		ch <- snap
	}
	c.waiters = nil

	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// rearmLocked starts a new resolution cycle. Callers hold the lock.
func (c *Cache) rearmLocked() {
	c.gen++
	c.inflight = false
	c.state = StateUnknown
	c.subject = ""
	c.email = ""
	c.profile = nil
	// Waiters from the superseded cycle get the state as it stands now
	// rather than blocking into the next cycle.
	snap := c.snapshotLocked()
	for _, ch := range c.waiters {
		ch <- snap
	}
	c.waiters = nil
}

func (c *Cache) snapshotLocked() Snapshot {
	return Snapshot{
		State:     c.state,
		SubjectID: c.subject,
		Email:     c.email,
		Profile:   c.profile,
	}
}

// notifyLocked pushes the snapshot to every subscriber, replacing any
// undelivered previous one. Callers hold the lock, which also serialises
// senders, so the drain-then-send below cannot race.
func (c *Cache) notifyLocked(snap Snapshot) {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
