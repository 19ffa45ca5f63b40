// Package auth manages the staff session against GoTrue: sign in, sign out, token
// refresh and a stream of auth state changes for the CLI and the gateway.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/supabase/client"
)

// Event names an auth state transition.
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// StateChange is delivered to subscribers. Session is nil after sign out.
type StateChange struct {
	Event   Event
	Session *client.Session
}

// ErrNotSignedIn is returned by operations that need a session.
var ErrNotSignedIn = errors.New("not signed in")

// Provider is the GoTrue surface the manager needs. *client.AuthClient implements it.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*client.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*client.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

const (
	defaultRefreshMargin = time.Minute
	defaultRetryDelay    = 30 * time.Second
	subscriberBuffer     = 16
)

// Manager owns the current session.
type Manager struct {
	provider Provider
	store    SessionStore
	logger   *logging.Logger

	// RefreshMargin is how long before expiry Run refreshes the token.
	RefreshMargin time.Duration
	// RetryDelay is the wait after a failed refresh.
	RetryDelay time.Duration

	mu          sync.RWMutex
	session     *client.Session
	subscribers map[int]chan StateChange
	nextSubID   int
	changed     chan struct{}
	now         func() time.Time
}

// NewManager loads the stored session, if any, and returns a manager for it.
func NewManager(provider Provider, store SessionStore, logger *logging.Logger) (*Manager, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	session, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Manager{
		provider:      provider,
		store:         store,
		logger:        logger,
		RefreshMargin: defaultRefreshMargin,
		RetryDelay:    defaultRetryDelay,
		session:       session,
		subscribers:   make(map[int]chan StateChange),
		changed:       make(chan struct{}, 1),
		now:           time.Now,
	}, nil
}

// Current returns the session, or nil when signed out.
func (m *Manager) Current() *client.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// AccessToken returns the current access token, or "" when signed out.
func (m *Manager) AccessToken() string {
	if s := m.Current(); s != nil {
		return s.AccessToken
	}
	return ""
}

// Subscribe returns a channel that first receives INITIAL_SESSION with the current
// session and then every later change. The returned func unsubscribes and closes the
// channel. Slow subscribers miss events rather than block the manager.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, subscriberBuffer)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	ch <- StateChange{Event: EventInitialSession, Session: m.session}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// SignIn authenticates with email and password. The email is trimmed. The auth
// provider's error is returned unchanged.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*client.Session, error) {
	session, err := m.provider.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	m.setSession(EventSignedIn, session)
	m.logger.WithFields(map[string]interface{}{
		"user_id": userID(session),
	}).Info("Staff signed in")
	return session, nil
}

// SignOut revokes the session remotely and forgets it locally. When the remote call
// fails the session is kept and the error is returned unchanged.
func (m *Manager) SignOut(ctx context.Context) error {
	session := m.Current()
	if session == nil {
		return nil
	}
	if err := m.provider.SignOut(ctx, session.AccessToken); err != nil {
		return err
	}
	m.setSession(EventSignedOut, nil)
	return nil
}

// Refresh exchanges the refresh token for a new session.
func (m *Manager) Refresh(ctx context.Context) (*client.Session, error) {
	current := m.Current()
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNotSignedIn
	}
	session, err := m.provider.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, err
	}
	if session.User == nil {
		session.User = current.User
	}
	m.setSession(EventTokenRefreshed, session)
	return session, nil
}

// Run refreshes the session shortly before it expires until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		wait, ok := m.nextRefresh()
		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-m.changed:
			stopTimer(timer)
			continue
		case <-fire:
		}

		if _, err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.WithContext(ctx).WithError(err).Warn("Session refresh failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.changed:
			case <-time.After(m.RetryDelay):
			}
		}
	}
}

func (m *Manager) nextRefresh() (time.Duration, bool) {
	session := m.Current()
	if session == nil || session.RefreshToken == "" {
		return 0, false
	}
	wait := session.Expiry().Add(-m.RefreshMargin).Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// setSession persists and publishes session. A persistence failure is logged and
// does not undo the change.
func (m *Manager) setSession(event Event, session *client.Session) {
	var err error
	if session == nil {
		err = m.store.Clear()
	} else {
		err = m.store.Save(session)
	}
	if err != nil {
		m.logger.WithError(err).Warn("Failed to persist session")
	}

	m.mu.Lock()
	m.session = session
	change := StateChange{Event: event, Session: session}
	for _, ch := range m.subscribers {
		select {
		case ch <- change:
		default:
			m.logger.WithFields(map[string]interface{}{"event": string(event)}).Warn("Dropped auth event for slow subscriber")
		}
	}
	m.mu.Unlock()

	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func userID(s *client.Session) string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}
