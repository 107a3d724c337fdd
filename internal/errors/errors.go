// Package errors holds the sentinel errors shared by every layer and the
// helpers that classify them.
//
// Categories:
//   - not found: unknown node, rule or alert
//   - validation: malformed input rejected before any state change
//   - transient: upstream discovery down, store unavailable, cycle busy
//
// Insufficient statistical data is deliberately not an error; analytics
// results carry that condition themselves.
package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNodeNotFound  = errors.New("node not found")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrAlertNotFound = errors.New("alert not found")

	ErrInvalidRule     = errors.New("invalid rule")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidOperator = errors.New("invalid operator")
	ErrInvalidMetric   = errors.New("invalid metric")
	ErrInvalidScope    = errors.New("invalid scope")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrUpstreamUnavailable = errors.New("discovery source unavailable")
	ErrEmptyDiscovery      = errors.New("discovery returned no records")
	ErrCycleInProgress     = errors.New("indexing cycle already in progress")
	ErrStoreUnavailable    = errors.New("time-series store unavailable")

	ErrSkipped = errors.New("record skipped")
)

var Is = errors.Is

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrAlertNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidOperator) ||
		errors.Is(err, ErrInvalidMetric) ||
		errors.Is(err, ErrInvalidScope) ||
		errors.Is(err, ErrInvalidArgument)
}

// IsTransient reports failures a caller may retry later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrEmptyDiscovery) ||
		errors.Is(err, ErrCycleInProgress) ||
		errors.Is(err, ErrStoreUnavailable)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrCycleInProgress):
		return http.StatusConflict
	case IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
