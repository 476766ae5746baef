package optimistic

import (
	"errors"
	"fmt"

	"github.com/carecoord/caresync/internal/types"
)

var ErrUnknownRecord = errors.New("record not in store")

// MutationError is reported once when an optimistic change is rolled
// back. Placeholder is the locally built record so callers can restore
// what the user drafted.
type MutationError struct {
	TempId      string
	RecordId    string
	Placeholder types.Record
	Err         error
}

func (e *MutationError) Error() string {
	id := e.TempId
	if id == "" {
		id = e.RecordId
	}
	return fmt.Sprintf("mutation %s failed: %v", id, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func AsMutationError(err error) (*MutationError, bool) {
	var e *MutationError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
