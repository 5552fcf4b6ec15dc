package settlement

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/rs/zerolog/log"

	"gridtokenx/internal/domain"
)

// Sweep implements §4.6.4: select Failed settlements with retry budget
// remaining whose backoff has elapsed (next_retry_at <= now), ordered
// (retry_count asc, created_at asc), and give each exactly one execution
// attempt this tick. Execute itself records the outcome — Failed with a
// freshly computed next_retry_at, or PermanentlyFailed once the budget is
// exhausted — so a crash mid-sweep just resumes at the next tick instead of
// leaving anything stuck. A circuit breaker shared across the sweep stops
// issuing new attempts once enough of them fail in a row, so one struggling
// ledger endpoint doesn't get hammered by every retryable settlement in the
// same tick; it's orthogonal to the per-settlement backoff in
// next_retry_at, not a replacement for it.
func (s *Service) Sweep(ctx context.Context) (succeeded, permanentlyFailed int, err error) {
	rows, err := s.store.ListRetryable(ctx, s.cfg.MaxRetries, time.Now())
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil && ClassifyError(err) }).
		WithFailureThreshold(5).
		WithDelay(30 * time.Second).
		Build()
	executor := failsafe.NewExecutor[any](breaker)

	for _, st := range rows {
		_, execErr := executor.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
			return nil, s.Execute(ctx, st.ID)
		})
		if execErr == nil {
			succeeded++
			log.Info().Str("settlement_id", st.ID.String()).Msg("settlement: retry succeeded")
			continue
		}

		log.Error().Err(execErr).Str("settlement_id", st.ID.String()).Msg("settlement: retry attempt failed")
		updated, getErr := s.store.GetSettlement(ctx, st.ID)
		if getErr == nil && updated.Status == domain.SettlementPermanentlyFailed {
			permanentlyFailed++
		}
	}
	return succeeded, permanentlyFailed, nil
}
