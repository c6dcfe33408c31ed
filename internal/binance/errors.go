package binance

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Sentinel errors callers branch on. Wrap with %w so errors.Is works
// through retry and loader layers.
var (
	// ErrUnavailable means the rate budget or an IP ban makes the
	// request impossible right now. Callers should skip, not retry.
	ErrUnavailable = errors.New("binance: temporarily unavailable")

	// ErrBanned means the exchange reported an active IP ban.
	ErrBanned = errors.New("binance: ip banned")

	// ErrBadRequest means the request itself is wrong and retrying
	// cannot help.
	ErrBadRequest = errors.New("binance: bad request")

	// ErrTransient marks network and 5xx failures worth retrying.
	ErrTransient = errors.New("binance: transient failure")
)

// APIError is a structured error response from the exchange.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%q", e.HTTPStatus, e.Code, e.Message)
}

// Is maps API errors onto the sentinel taxonomy so callers can use
// errors.Is without inspecting status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBanned:
		return e.HTTPStatus == 418
	case ErrUnavailable:
		return e.HTTPStatus == 418 || e.HTTPStatus == 429
	case ErrTransient:
		return e.HTTPStatus >= 500
	case ErrBadRequest:
		return e.HTTPStatus >= 400 && e.HTTPStatus < 500 &&
			e.HTTPStatus != 418 && e.HTTPStatus != 429
	}
	return false
}

var banUntilRe = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntil extracts the ban-expiry timestamp (epoch millis) from
// a 418 error message. Returns 0 when the message carries none.
func ParseBanUntil(msg string) int64 {
	m := banUntilRe.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
