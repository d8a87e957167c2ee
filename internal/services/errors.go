package services

import "errors"

// Sentinel errors for the sync subsystem. Callers discriminate with
// errors.Is; wrapped causes carry the underlying detail.
var (
	// ErrInvalidPrice means the feed returned a non-numeric or negative
	// amount. The card is skipped for the run and its previous price kept.
	ErrInvalidPrice = errors.New("invalid price from feed")

	// ErrSourceUnavailable covers feed timeouts, rate limits, and unknown
	// cards. Absence of a price is "no change this run", never zero.
	ErrSourceUnavailable = errors.New("price feed unavailable")

	// ErrVersionConflict is an optimistic-concurrency failure on a context
	// write. Saves are retried with a re-read and price-field re-merge.
	ErrVersionConflict = errors.New("context version conflict")

	// ErrRunInProgress means a sync trigger arrived while a run was active.
	// The trigger is a no-op, not a failure.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrContextNotFound is returned by the store for unknown context IDs.
	ErrContextNotFound = errors.New("context not found")
)
