package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
)

var (
	// ErrEmptyTitle is returned when a create payload has no title.
	ErrEmptyTitle = errors.New("task title must not be empty")
	// ErrMissingID is returned when a mutation targets an empty task id.
	ErrMissingID = errors.New("task id must not be empty")
)

// APIError is a non-success response from the remote API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type wireError struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// apiErrorFromResponse extracts a structured error from a non-2xx body. The
// detail field wins over message; with neither present the HTTP status text
// is used.
func apiErrorFromResponse(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var we wireError
	if len(body) > 0 {
		if err := sonic.ConfigStd.Unmarshal(body, &we); err == nil {
			apiErr.Code = we.Code
			switch {
			case we.Detail != "":
				apiErr.Message = we.Detail
			case we.Message != "":
				apiErr.Message = we.Message
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
