package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Receipt backends and the ledger
// return these (optionally wrapped) so services can translate them into
// domain errors:
//   - ErrNotFound: receipt or balance does not exist
//   - ErrConflict: stored fields disagree with the caller's view
//   - ErrInvalidState: receipt already left pending
//   - ErrUnavailable: backend or remote gateway temporarily unavailable
//   - ErrClosed: subscription or client already shut down
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
