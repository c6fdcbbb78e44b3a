package query

import "errors"

var (
	// ErrConflictingModes is returned when backfill and update are both requested.
	ErrConflictingModes = errors.New("backfill and update are mutually exclusive")
	// ErrIncrementalNotAllowed is returned for backfill or update on an intent that forbids them.
	ErrIncrementalNotAllowed = errors.New("intent does not support backfill or update")
	// ErrFragmentTooLong is returned when a single query fragment exceeds the query length bound.
	ErrFragmentTooLong = errors.New("query fragment longer than the query length limit")
)
