package binance

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "grid_trader/pkg/errors"
	pkghttp "grid_trader/pkg/http"
)

// Exchange error codes the engine reacts to
const (
	codeTooManyRequests  = -1003
	codeTimestampOutside = -1021
	codeQtyPrecision     = -1111
	codeBadSymbol        = -1121
	codeBadApiKey        = -2014
	codeBadSignature     = -2015
	codeOrderGone        = -2011
	codeMarginShortfall  = -2019
	codeOrderRejected    = -2022
	codeNoNeedMarginType = -4046
	codeNoNeedDualSide   = -4059
	codeBadLeverage      = -4028
)

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// errorCode extracts the exchange error code from a failed REST call.
// Returns false when the error carries no parseable exchange body.
func errorCode(err error) (int, bool) {
	var apiErr *pkghttp.APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	var body apiErrorBody
	if jsonErr := json.Unmarshal(apiErr.Body, &body); jsonErr != nil || body.Code == 0 {
		return 0, false
	}
	return body.Code, true
}

// mapError classifies a REST failure onto the engine's sentinel errors,
// keeping the original error in the chain
func mapError(err error) error {
	code, ok := errorCode(err)
	if !ok {
		return err
	}

	var sentinel error
	switch code {
	case codeTooManyRequests:
		sentinel = apperrors.ErrRateLimitExceeded
	case codeTimestampOutside:
		sentinel = apperrors.ErrTimestampOutOfBounds
	case codeQtyPrecision, codeBadLeverage:
		sentinel = apperrors.ErrInvalidOrderParameter
	case codeBadSymbol:
		sentinel = apperrors.ErrInvalidSymbol
	case codeBadApiKey, codeBadSignature:
		sentinel = apperrors.ErrAuthenticationFailed
	case codeOrderGone:
		sentinel = apperrors.ErrOrderNotFound
	case codeMarginShortfall:
		sentinel = apperrors.ErrInsufficientFunds
	case codeOrderRejected:
		sentinel = apperrors.ErrOrderRejected
	case codeNoNeedMarginType, codeNoNeedDualSide:
		sentinel = apperrors.ErrNoNeedToChange
	default:
		return fmt.Errorf("exchange error %d: %w", code, err)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
