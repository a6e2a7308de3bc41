// Package keepalive re-verifies the persisted credential on a schedule while
// the process runs. A credential the server has since revoked is then caught
// by the normal global 401 path instead of surprising the next user action.
package keepalive

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pixelmuse/client/internal/domain"
	"pixelmuse/client/internal/session"
)

type Verifier interface {
	VerifyToken(ctx context.Context) (domain.Identity, error)
}

type SessionSource interface {
	Snapshot() session.Snapshot
}

type Keepalive struct {
	cron     *cron.Cron
	schedule string
	verify   Verifier
	sessions SessionSource
	log      zerolog.Logger
}

func New(schedule string, verify Verifier, sessions SessionSource, log zerolog.Logger) *Keepalive {
	return &Keepalive{
		cron:     cron.New(cron.WithSeconds()),
		schedule: schedule,
		verify:   verify,
		sessions: sessions,
		log:      log.With().Str("component", "keepalive").Logger(),
	}
}

func (k *Keepalive) Start() error {
	if _, err := k.cron.AddFunc(k.schedule, k.tick); err != nil {
		return err
	}
	k.cron.Start()
	return nil
}

// Stop halts the schedule and waits briefly for a tick already running.
func (k *Keepalive) Stop() {
	done := k.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		k.log.Warn().Msg("keepalive stop timed out")
	}
}

func (k *Keepalive) tick() {
	if k.sessions.Snapshot().Status != session.StatusAuthenticated {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := k.verify.VerifyToken(ctx); err != nil {
		// A 401 has already torn the session down through the transport
		// hook; anything else is transient and the next tick retries.
		k.log.Warn().Err(err).Msg("scheduled re-verification failed")
		return
	}
	k.log.Debug().Msg("credential re-verified")
}
