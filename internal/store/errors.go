package store

import (
	"errors"
	"fmt"

	"harvester/internal/model"
)

// ErrNoSeedData means the event has no rows matching the intent's breadth filter.
var ErrNoSeedData = errors.New("no seed data for event")

// BatchError is a failed batch write. It keeps what is needed to reproduce it.
type BatchError struct {
	Table     string
	Statement string
	Template  string
	Rows      []model.Row
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("write %d rows to %s: %v", len(e.Rows), e.Table, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
