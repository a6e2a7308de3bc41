// Package session owns authentication state. It is the single source of
// truth for "is the user logged in": every request and every route decision
// reads from here, and only Login, Logout and the auth-failure path write.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"pixelmuse/client/internal/credstore"
	"pixelmuse/client/internal/domain"
)

// Status is the verification state of the session.
type Status int

const (
	StatusUnknown Status = iota
	StatusVerifying
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusVerifying:
		return "verifying"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	}
	return "invalid"
}

// Snapshot is a consistent read of the observable session state. Identity is
// set iff Status is StatusAuthenticated.
type Snapshot struct {
	Status   Status
	Identity domain.Identity
}

// CredentialStore is the durable storage the session writes through.
type CredentialStore interface {
	Save(credstore.Record) error
	Load() (credstore.Record, error)
	Clear() error
}

// Verifier exchanges the current credential for a server-verified identity.
type Verifier interface {
	VerifyToken(ctx context.Context) (domain.Identity, error)
}

// Store holds the current session. All mutation happens under one mutex;
// readers get value copies, never references into the store.
type Store struct {
	creds CredentialStore
	log   zerolog.Logger

	mu         sync.Mutex
	status     Status
	identity   domain.Identity
	credential string
	hook       func()
	subs       map[int]chan Snapshot
	nextSub    int
}

func New(creds CredentialStore, log zerolog.Logger) *Store {
	return &Store{
		creds:  creds,
		log:    log.With().Str("component", "session").Logger(),
		status: StatusUnknown,
		subs:   make(map[int]chan Snapshot),
	}
}

// Initialize resolves the persisted credential, if any, into a session.
// It never returns an error: every outcome is observed through state. With
// no persisted credential the store goes straight to unauthenticated; with
// one it verifies against the server, clearing the credential on any
// failure so a rejected token is never retried on the next start.
func (s *Store) Initialize(ctx context.Context, verify Verifier) {
	rec, err := s.creds.Load()
	if err != nil {
		if !errors.Is(err, credstore.ErrNoCredential) {
			s.log.Warn().Err(err).Msg("persisted session unreadable, discarding")
			_ = s.creds.Clear()
		}
		s.set(StatusUnauthenticated, domain.Identity{}, "")
		return
	}

	s.set(StatusVerifying, domain.Identity{}, rec.Credential)

	if expiredLocally(rec.Credential) {
		s.log.Debug().Msg("persisted credential already expired")
		s.fail()
		return
	}

	identity, err := verify.VerifyToken(ctx)
	if err != nil {
		s.log.Info().Err(err).Msg("credential verification failed")
		s.fail()
		return
	}

	s.set(StatusAuthenticated, identity, rec.Credential)
	s.log.Info().Str("user_id", identity.ID).Msg("session restored")
}

// Login installs a freshly issued credential and its verified identity.
func (s *Store) Login(identity domain.Identity, credential string) {
	if err := s.creds.Save(credstore.Record{
		Credential: credential,
		Identity:   identity,
		SavedAt:    time.Now(),
	}); err != nil {
		s.log.Warn().Err(err).Msg("persist session failed, continuing in memory")
	}
	s.set(StatusAuthenticated, identity, credential)
	s.log.Info().Str("user_id", identity.ID).Msg("signed in")
}

// Logout clears the session and its persisted state. Safe to call when
// already signed out.
func (s *Store) Logout() {
	if err := s.creds.Clear(); err != nil {
		s.log.Warn().Err(err).Msg("clear persisted session failed")
	}
	s.set(StatusUnauthenticated, domain.Identity{}, "")
}

// SetAuthFailureHook registers the policy run after a global authentication
// failure, typically a redirect to the sign-in entry point. Keeping the
// policy here rather than inside the transport makes it testable on its own.
func (s *Store) SetAuthFailureHook(fn func()) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// AuthExpired is invoked by the transport when any response comes back 401.
// It tears the session down unconditionally, then runs the registered hook.
func (s *Store) AuthExpired() {
	s.log.Info().Msg("authentication rejected by server, clearing session")
	s.Logout()

	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Credential returns the current bearer credential, or empty when none.
func (s *Store) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Status: s.status, Identity: s.identity}
}

// Subscribe returns a channel receiving a snapshot after every state change,
// plus a cancel func. The channel is buffered; a slow receiver may miss
// intermediate states and should re-read Snapshot for the latest.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 8)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// fail is the single verification-failure path: credential cleared from
// memory and disk, status unauthenticated.
func (s *Store) fail() {
	if err := s.creds.Clear(); err != nil {
		s.log.Warn().Err(err).Msg("clear persisted session failed")
	}
	s.set(StatusUnauthenticated, domain.Identity{}, "")
}

func (s *Store) set(status Status, identity domain.Identity, credential string) {
	s.mu.Lock()
	s.status = status
	s.identity = identity
	s.credential = credential
	snap := Snapshot{Status: status, Identity: identity}
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	s.mu.Unlock()
}

// expiredLocally reports whether the credential carries an exp claim that has
// already passed. The claims are parsed without signature verification and
// used only to skip a round trip that is certain to fail; identity always
// comes from the server. Opaque or malformed tokens are left for the server
// to judge.
func expiredLocally(credential string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
