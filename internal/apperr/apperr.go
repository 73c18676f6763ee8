// Package apperr defines the error taxonomy every component in this module
// returns, so callers at the edges (CLI, HTTP) can map a failure to the
// right exit code or status code with a single errors.As switch.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy of spec §7.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindConfigError        Kind = "config_error"
	KindAllProvidersFailed Kind = "all_providers_failed"
	KindStageFailed        Kind = "stage_failed"
	KindAllCriticsFailed   Kind = "all_critics_failed"
	KindStoreError         Kind = "store_error"
)

// Error is the concrete type wrapping every Kind. Use errors.As to recover
// one from an error chain.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// InvalidInput reports malformed request data, including InvalidSessionId.
func InvalidInput(format string, args ...any) *Error {
	return newErr(KindInvalidInput, format, args...)
}

// ConfigError reports an unresolvable agent/model/critic reference in
// configuration. Never recovered silently — surfaced at startup or reload.
func ConfigError(format string, args ...any) *Error {
	return newErr(KindConfigError, format, args...)
}

// AllProvidersFailed reports that every candidate model for a call failed.
// Reasons carries one entry per attempted candidate.
type AllProvidersFailedDetail struct {
	Model  string
	Reason string
}

func AllProvidersFailed(reasons []AllProvidersFailedDetail) *Error {
	e := newErr(KindAllProvidersFailed, "all %d candidate(s) failed", len(reasons))
	e.Cause = &providerFailures{reasons}
	return e
}

type providerFailures struct {
	reasons []AllProvidersFailedDetail
}

func (p *providerFailures) Error() string {
	s := ""
	for i, r := range p.reasons {
		if i > 0 {
			s += "; "
		}
		s += fmt.Sprintf("%s: %s", r.Model, r.Reason)
	}
	return s
}

// Reasons extracts the per-candidate failure reasons from err, if it (or
// something in its chain) is an AllProvidersFailed error.
func Reasons(err error) ([]AllProvidersFailedDetail, bool) {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Kind != KindAllProvidersFailed {
		return nil, false
	}
	pf, ok := appErr.Cause.(*providerFailures)
	if !ok {
		return nil, false
	}
	return pf.reasons, true
}

// StageFailed reports that a required chain stage (builder/closer) could
// not complete after exhausting fallback.
func StageFailed(stage string, cause error) *Error {
	return wrapErr(KindStageFailed, cause, "stage %q failed", stage)
}

// AllCriticsFailed reports that zero selected critics produced a response.
func AllCriticsFailed(cause error) *Error {
	return wrapErr(KindAllCriticsFailed, cause, "all critics failed")
}

// StoreError reports a persistence failure.
func StoreError(format string, cause error, args ...any) *Error {
	return wrapErr(KindStoreError, cause, format, args...)
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
