package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
		Err:        err,
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    lower(http.StatusText(http.StatusServiceUnavailable)),
		Err:        err,
	}
}

// Websocket responses.

func NoErrOK(id int64, topic string) *realtime.ServerMessage {
	return response(id, http.StatusOK, topic, "")
}

func ErrInvalidMessage(id int64) *realtime.ServerMessage {
	return response(id, http.StatusBadRequest, "", "invalid message")
}

func ErrInvalidTopic(id int64, topic string, err error) *realtime.ServerMessage {
	return response(id, http.StatusBadRequest, topic, err.Error())
}

func ErrNotSubscribed(id int64, topic string) *realtime.ServerMessage {
	return response(id, http.StatusNotFound, topic, "not subscribed")
}

func ErrServiceUnavailable(id int64) *realtime.ServerMessage {
	return response(id, http.StatusServiceUnavailable, "", lower(http.StatusText(http.StatusServiceUnavailable)))
}

func response(id int64, code int, topic, errMsg string) *realtime.ServerMessage {
	return &realtime.ServerMessage{
		BaseMessage: realtime.BaseMessage{
			Id:        id,
			Timestamp: types.Now(),
		},
		Response: &realtime.Response{
			ResponseCode: code,
			Topic:        topic,
			Error:        errMsg,
		},
	}
}
