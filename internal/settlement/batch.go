package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ProcessPending implements §4.6.5: select up to BatchLimit Pending
// settlements ordered by created_at, execute each with a small inter-call
// delay to avoid ledger rate limits, and continue past individual errors.
// A failed execution is already recorded (Failed or PermanentlyFailed) by
// Execute itself, so the batch only needs to log and move on.
func (s *Service) ProcessPending(ctx context.Context) (succeeded int, err error) {
	pending, err := s.store.ListPending(ctx, s.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	for i, st := range pending {
		if i > 0 && s.cfg.InterCallDelay > 0 {
			select {
			case <-ctx.Done():
				return succeeded, ctx.Err()
			case <-time.After(s.cfg.InterCallDelay):
			}
		}

		if err := s.Execute(ctx, st.ID); err != nil {
			log.Error().Err(err).Str("settlement_id", st.ID.String()).Msg("settlement: batch execution failed")
			continue
		}
		succeeded++
	}
	return succeeded, nil
}
