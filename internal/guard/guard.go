// Package guard decides whether a protected view may render. It never
// redirects while verification is still in flight: a returning user with a
// valid persisted credential must not be bounced to sign-in before the
// session store has finished resolving.
package guard

import (
	"context"

	"github.com/rs/zerolog"

	"pixelmuse/client/internal/session"
)

type State int

const (
	// StatePending means the session is still resolving; render a neutral
	// placeholder and decide nothing yet.
	StatePending State = iota
	StateDenied
	StateAdmitted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDenied:
		return "denied"
	case StateAdmitted:
		return "admitted"
	}
	return "invalid"
}

// Decision is the admission result for one requested location. On denial,
// RedirectTo points at the sign-in entry and From captures the original
// location so a successful sign-in can return there.
type Decision struct {
	State      State
	RedirectTo string
	From       string
}

// SessionSource is the slice of the session store the guard reads.
type SessionSource interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

type Guard struct {
	sessions   SessionSource
	signInPath string
	log        zerolog.Logger
}

func New(sessions SessionSource, signInPath string, log zerolog.Logger) *Guard {
	return &Guard{
		sessions:   sessions,
		signInPath: signInPath,
		log:        log.With().Str("component", "guard").Logger(),
	}
}

// Evaluate maps the current session state to an admission decision for the
// requested location.
func (g *Guard) Evaluate(location string) Decision {
	snap := g.sessions.Snapshot()
	switch snap.Status {
	case session.StatusAuthenticated:
		return Decision{State: StateAdmitted}
	case session.StatusUnauthenticated:
		g.log.Debug().Str("from", location).Msg("navigation denied, redirecting to sign-in")
		return Decision{State: StateDenied, RedirectTo: g.signInPath, From: location}
	default:
		return Decision{State: StatePending}
	}
}

// Watch emits the current decision immediately and a fresh one whenever the
// session state changes the outcome. The channel closes when ctx ends.
func (g *Guard) Watch(ctx context.Context, location string) <-chan Decision {
	updates, cancel := g.sessions.Subscribe()
	out := make(chan Decision, 1)

	go func() {
		defer close(out)
		defer cancel()

		last := g.Evaluate(location)
		out <- last

		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				next := g.Evaluate(location)
				if next == last {
					continue
				}
				last = next
				select {
				case out <- next:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
