package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	commands "mowerlink/internal/commands/domain"
)

const testIMEI = "351234567890123"

var testIdentity = commands.ClientIdentity{Name: "mowerlink-test", Key: "abcdefghijklmnopqrstuvwxyz01"}

type fakeAuth struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeAuth) Authenticate(_ context.Context, deviceID string, identity commands.ClientIdentity) (commands.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.err != nil {
		return commands.Session{}, f.err
	}
	return commands.Session{Token: fmt.Sprintf("tok-%d", f.count), DeviceID: deviceID, Identity: identity}, nil
}

func (f *fakeAuth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionEnsureValidAuthenticatesOnce(t *testing.T) {
	auth := &fakeAuth{}
	mgr, err := NewSessionManager(auth, testIMEI, testIdentity)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	first, err := mgr.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	second, err := mgr.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if auth.calls() != 1 || mgr.Authentications() != 1 {
		t.Fatalf("expected one authentication, got %d", auth.calls())
	}
	if first.Token != second.Token {
		t.Fatalf("expected same token, got %s and %s", first.Token, second.Token)
	}
	if first.DeviceID != testIMEI || first.Identity != testIdentity {
		t.Fatalf("unexpected session identity: %+v", first)
	}
}

func TestSessionInvalidateForcesReauth(t *testing.T) {
	auth := &fakeAuth{}
	mgr, err := NewSessionManager(auth, testIMEI, testIdentity)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	if _, err := mgr.EnsureValid(context.Background()); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	mgr.Invalidate()
	session, err := mgr.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if auth.calls() != 2 {
		t.Fatalf("expected two authentications, got %d", auth.calls())
	}
	if session.Token != "tok-2" {
		t.Fatalf("expected refreshed token, got %s", session.Token)
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	mgr, err := NewSessionManager(auth, testIMEI, testIdentity, WithSessionTTL(10*time.Minute), WithSessionClock(clock))
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	session, err := mgr.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if !session.ExpiresAt.Equal(clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
	clock.Advance(9 * time.Minute)
	if _, err := mgr.EnsureValid(context.Background()); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if auth.calls() != 1 {
		t.Fatalf("expected cached session, got %d authentications", auth.calls())
	}
	clock.Advance(2 * time.Minute)
	if _, err := mgr.EnsureValid(context.Background()); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if auth.calls() != 2 {
		t.Fatalf("expected reauthentication after expiry, got %d", auth.calls())
	}
}

func TestSessionCredentialsInvalidPropagates(t *testing.T) {
	auth := &fakeAuth{err: commands.Classify(commands.CredentialsInvalid, "rejected", nil)}
	mgr, err := NewSessionManager(auth, testIMEI, testIdentity)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	_, err = mgr.EnsureValid(context.Background())
	if commands.ClassificationOf(err) != commands.CredentialsInvalid {
		t.Fatalf("expected credentials_invalid, got %v", err)
	}
	if auth.calls() != 1 {
		t.Fatalf("expected a single attempt, got %d", auth.calls())
	}
}

func TestNewSessionManagerRejectsBadDevice(t *testing.T) {
	if _, err := NewSessionManager(&fakeAuth{}, "12345", testIdentity); err == nil {
		t.Fatalf("expected invalid device id error")
	}
	if _, err := NewSessionManager(nil, testIMEI, testIdentity); err == nil {
		t.Fatalf("expected nil authenticator error")
	}
	if _, err := NewSessionManager(&fakeAuth{}, testIMEI, commands.ClientIdentity{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}
