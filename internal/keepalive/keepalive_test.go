package keepalive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pixelmuse/client/internal/domain"
	"pixelmuse/client/internal/session"
)

type fakeSessions struct {
	status session.Status
}

func (f *fakeSessions) Snapshot() session.Snapshot {
	return session.Snapshot{Status: f.status}
}

type countingVerifier struct {
	calls atomic.Int64
}

func (c *countingVerifier) VerifyToken(context.Context) (domain.Identity, error) {
	c.calls.Add(1)
	return domain.Identity{ID: "1"}, nil
}

func TestAuthenticatedSessionIsReVerifiedOnSchedule(t *testing.T) {
	verifier := &countingVerifier{}
	ka := New("* * * * * *", verifier, &fakeSessions{status: session.StatusAuthenticated}, zerolog.Nop())

	if err := ka.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ka.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for verifier.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no re-verification within the schedule")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUnauthenticatedSessionIsLeftAlone(t *testing.T) {
	verifier := &countingVerifier{}
	ka := New("* * * * * *", verifier, &fakeSessions{status: session.StatusUnauthenticated}, zerolog.Nop())

	if err := ka.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ka.Stop()

	time.Sleep(1500 * time.Millisecond)
	if got := verifier.calls.Load(); got != 0 {
		t.Errorf("verifier called %d times while signed out", got)
	}
}

func TestBadScheduleFailsToStart(t *testing.T) {
	ka := New("not a schedule", &countingVerifier{}, &fakeSessions{}, zerolog.Nop())
	if err := ka.Start(); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}
