package sqlite

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// JanitorInterval is how often the background sweep scans for expired
// envelopes. Get's lazy-expiry contract does not depend on this running.
const JanitorInterval = 1 * time.Hour

// RunJanitor periodically deletes expired envelopes until ctx is
// cancelled, grounded on the teacher's processQueue ticker pattern in
// internal/worker/service.go.
func (s *Store) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("store: janitor sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("store: janitor swept expired envelopes")
			}
		}
	}
}
