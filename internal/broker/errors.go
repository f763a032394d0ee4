package broker

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured broker rejection: every non-200 envelope the API
// returns is decoded into one of these at the client boundary.
type APIError struct {
	Status    int    // HTTP status code
	ErrorType string // broker error class, e.g. "TokenException", "InputException"
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s (%s, http %d)", e.Message, e.ErrorType, e.Status)
}

// IsAuthError reports whether err means the account's session token is no
// longer valid. Auth failures are terminal for the account until a fresh
// login; the account status should flip to expired.
func IsAuthError(err error) bool {
	var api *APIError
	if !errors.As(err, &api) {
		return false
	}
	return api.ErrorType == "TokenException" || api.Status == http.StatusForbidden
}

// IsTransient reports whether err is worth retrying on a later tick.
// Network failures, rate limiting, and broker 5xx all qualify; the poll
// loop treats anything that is not an authentication failure as transient,
// discards the client handle, and rebuilds it next interval.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsAuthError(err)
}
