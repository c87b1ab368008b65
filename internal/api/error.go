package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Error is a structured backend rejection (budget exceeded, agent paused,
// invalid retry target). It is surfaced to the operator verbatim and never
// retried automatically.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend rejected request (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend rejected request (%d): %s", e.Status, e.Message)
}

// decodeError builds an *Error from a non-2xx response body. Both the
// wrapped {"error":{...}} shape and a flat {"message":...} are accepted.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &Error{Status: resp.StatusCode}

	var wrapped struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		wrapped.Error.Status = resp.StatusCode
		return wrapped.Error
	}
	if err := json.Unmarshal(body, apiErr); err == nil && apiErr.Message != "" {
		return apiErr
	}
	apiErr.Message = http.StatusText(resp.StatusCode)
	return apiErr
}
