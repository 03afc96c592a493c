package application

import (
	"context"
	"errors"
	"time"

	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/observability/metrics"
)

// Authenticator performs the device API authentication exchange.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceID string, identity commands.ClientIdentity) (commands.Session, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DefaultSessionTTL applies when the API does not report an expiry.
const DefaultSessionTTL = 30 * time.Minute

// SessionManager owns the single device session. It is driven only from the
// dispatcher worker and therefore holds no locks.
type SessionManager struct {
	auth     Authenticator
	deviceID string
	identity commands.ClientIdentity
	ttl      time.Duration
	clock    Clock

	current   commands.Session
	authCount int
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionTTL overrides the session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSessionClock overrides the clock.
func WithSessionClock(clock Clock) SessionOption {
	return func(m *SessionManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewSessionManager constructs a session manager for one device.
func NewSessionManager(auth Authenticator, deviceID string, identity commands.ClientIdentity, opts ...SessionOption) (*SessionManager, error) {
	if auth == nil {
		return nil, errors.New("session: nil authenticator")
	}
	if err := commands.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if identity.Key == "" {
		return nil, errors.New("session: empty client key")
	}
	m := &SessionManager{
		auth:     auth,
		deviceID: deviceID,
		identity: identity,
		ttl:      DefaultSessionTTL,
		clock:    systemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current = commands.Session{DeviceID: deviceID, Identity: identity}
	return m, nil
}

// EnsureValid returns the current session, authenticating first when it is
// missing, expired or invalidated.
func (m *SessionManager) EnsureValid(ctx context.Context) (commands.Session, error) {
	now := m.clock.Now()
	if m.current.Valid(now) {
		return m.current, nil
	}
	session, err := m.auth.Authenticate(ctx, m.deviceID, m.identity)
	m.authCount++
	if err != nil {
		metrics.IncSessionAuth(metrics.ResultError)
		return commands.Session{}, err
	}
	metrics.IncSessionAuth(metrics.ResultSuccess)
	if session.ExpiresAt.IsZero() || !session.ExpiresAt.After(now) {
		session.ExpiresAt = now.Add(m.ttl)
	}
	session.DeviceID = m.deviceID
	session.Identity = m.identity
	m.current = session
	return m.current, nil
}

// Invalidate forces re-authentication on the next EnsureValid.
func (m *SessionManager) Invalidate() {
	m.current.ExpiresAt = time.Time{}
}

// Authentications returns the number of authentication exchanges performed.
func (m *SessionManager) Authentications() int {
	return m.authCount
}

// DeviceID returns the configured device identifier.
func (m *SessionManager) DeviceID() string {
	return m.deviceID
}
