package extract

import (
	"errors"
	"fmt"
)

// ErrPayloadShape marks a response missing fields the API documents as always present.
var ErrPayloadShape = errors.New("unexpected payload shape")

// PayloadError carries the offending payload for diagnosis.
type PayloadError struct {
	Reason  string
	Payload []byte
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPayloadShape, e.Reason)
}

func (e *PayloadError) Is(target error) bool { return target == ErrPayloadShape }

func shapeErr(payload []byte, format string, args ...any) error {
	return &PayloadError{Reason: fmt.Sprintf(format, args...), Payload: payload}
}
