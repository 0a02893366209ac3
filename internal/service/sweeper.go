package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunSessionSweeper deletes sessions past their fixed TTL on an interval,
// cascading to their messages. Expiry is decided only by expires_at; there is
// no sliding renewal. Blocks until ctx is done.
func (s *Service) RunSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredSessions(ctx)
		}
	}
}

func (s *Service) sweepExpiredSessions(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := s.store.DeleteExpiredSessions(sweepCtx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("session sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("reclaimed expired sessions")
	}
}
