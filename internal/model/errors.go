package model

import "errors"

// Error kinds from spec §7. Every propagation rule in the spec (what the
// Service retries locally, what the Processor commits-and-drops vs.
// backs off on, and the HTTP status mapping) is keyed off these sentinels
// via errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrSchemaViolation    = errors.New("schema violation")
	ErrScriptAborted      = errors.New("script aborted")
	ErrScriptError        = errors.New("script error")
	ErrLockContention     = errors.New("lock contention")
	ErrTransientStorage   = errors.New("transient storage error")
	ErrTransientBus       = errors.New("transient bus error")
	ErrInvalid            = errors.New("invalid")
)

// Retryable reports whether the Processor should back off and redeliver
// the same message rather than committing the offset, per spec §4.7/§7.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientStorage) || errors.Is(err, ErrTransientBus)
}

// Terminal reports whether the Processor should commit the offset and move
// on, logging the failure, per spec §4.7/§7.
func Terminal(err error) bool {
	return errors.Is(err, ErrSchemaViolation) ||
		errors.Is(err, ErrScriptAborted) ||
		errors.Is(err, ErrInvalid) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrLockContention)
}

// HTTPStatus implements the mapping table from spec §7 for the thin API
// surface that does exist in this repository (see SPEC_FULL.md §6).
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrAlreadyExists):
		return 409
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrLockContention):
		return 409
	case errors.Is(err, ErrSchemaViolation), errors.Is(err, ErrInvalid):
		return 400
	case errors.Is(err, ErrTransientStorage), errors.Is(err, ErrTransientBus):
		return 503
	case err == nil:
		return 200
	default:
		return 500
	}
}
