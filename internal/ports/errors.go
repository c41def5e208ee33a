package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Stream Errors
	ErrStreamPermanent   = errors.New("permanent stream failure, operator attention required")
	ErrCredentialExpired = errors.New("stream credential expired")

	// Cycle Errors
	ErrReconcileFailed     = errors.New("open orders could not be driven to empty")
	ErrReconcileInProgress = errors.New("reconciliation already in flight")
	ErrDuplicateOrder      = errors.New("identical order placed within dedup window")
	ErrCooldownActive      = errors.New("cooldown active, new entries gated")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// IsRetryable classifies an error into the transient-retryable class:
// network trouble, timeouts, rate limiting, exchange unavailability. The
// core retries only these, with bounded backoff; everything else surfaces.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrExchangeUnavailable):
		return true
	}
	return false
}
