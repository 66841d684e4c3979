package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrNoNeedToChange        = errors.New("setting already in effect")
	ErrPriceUnavailable      = errors.New("price unavailable")
)

// IsTransient reports whether an error is worth retrying at the call site.
// Authentication and parameter errors are permanent for a given request.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInsufficientFunds):
		return false
	}
	return true
}
