package settlement

import (
	"errors"
	"strings"

	"gridtokenx/internal/domain"
)

// retryablePatterns and nonRetryablePatterns implement the same
// error-message classification as original_source's is_retryable_error.
// They are only consulted as a fallback for an error that was never
// wrapped as a *domain.Error; non-retryable patterns are checked first and
// win on conflict, retryable patterns next, and anything unrecognized
// defaults to retryable (conservative — better to retry a permanent
// failure a few extra times than to abandon a transient one).
var (
	nonRetryablePatterns = []string{
		"insufficient",
		"invalid signature",
		"invalid account",
		"unauthorized",
		"forbidden",
		"already processed",
		"account not found",
		"program failed",
		"identity mismatch",
	}
	retryablePatterns = []string{
		"timeout",
		"connection refused",
		"network",
		"rate limit",
		"429",
		"503",
		"temporary",
		"try again",
		"blockhash",
		"not found",
	}
)

// ClassifyError decides whether a settlement execution error should be
// retried, per §4.6.4 step 5. Every error this module produces internally
// is a *domain.Error; ClassifyError switches on its Kind directly rather
// than parsing the message it wraps. Only an error that reaches here
// without ever being tagged with a Kind falls back to message matching.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Kind.Retryable()
	}
	return classifyByMessage(err)
}

func classifyByMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}
