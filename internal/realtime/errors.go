package realtime

import (
	"errors"
	"fmt"

	"github.com/carecoord/caresync/internal/types"
)

var (
	ErrSubscribeTimeout = errors.New("subscribe not acknowledged in time")
	ErrConnectionClosed = errors.New("connection closed")
)

// TransportError is a subscribe or connection failure. The supervisor
// recovers from it; callers only see it as connectivity.
type TransportError struct {
	Topic Topic
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DataShapeError reports an inbound payload that failed validation.
// Such events are logged and dropped.
type DataShapeError struct {
	Kind types.Kind
	Err  error
}

func (e *DataShapeError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Kind, e.Err)
}

func (e *DataShapeError) Unwrap() error {
	return e.Err
}

func IsDataShapeError(err error) bool {
	var e *DataShapeError
	return errors.As(err, &e)
}

func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}
