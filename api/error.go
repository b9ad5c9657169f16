package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Error is returned for every failed request. Status is zero when no HTTP
// response was received (timeouts, transport failures).
type Error struct {
	Message string
	URL     string
	Method  string
	Status  int
	// Body is the decoded JSON error body, or the raw text when it is not JSON.
	Body    any
	RawBody string
	Attempt int
	TraceID string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("request failed with status (%d)", e.Status)
}

// StatusCode returns the HTTP status, or zero if no response was received.
func (e *Error) StatusCode() int {
	return e.Status
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response is the error envelope returned by the API.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Error   struct {
		Issues []struct {
			Code    string   `json:"code"`
			Message string   `json:"message"`
			Path    []string `json:"path"`
		} `json:"issues"`
	} `json:"error"`
}

// message returns a readable message from the envelope, or "" if it has none.
func (r Response) message() string {
	if len(r.Error.Issues) > 0 {
		var errs []string
		for _, issue := range r.Error.Issues {
			msg := fmt.Sprintf("%s (%s)", issue.Message, issue.Code)
			if issue.Path != nil {
				msg = msg + " " + strings.Join(issue.Path, ".")
			}
			errs = append(errs, msg)
		}
		return strings.Join(errs, ". ")
	}
	return r.Message
}

func newStatusError(req FetchRequest, resp *http.Response, body []byte, attempt int) *Error {
	e := &Error{
		URL:     req.URL,
		Method:  req.Method,
		Status:  resp.StatusCode,
		RawBody: string(body),
		Attempt: attempt,
		TraceID: resp.Header.Get("traceparent"),
		Message: fmt.Sprintf("request failed with status (%s)", resp.Status),
	}
	if len(body) == 0 {
		return e
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		e.Body = string(body)
		return e
	}
	e.Body = decoded
	var envelope Response
	if err := json.Unmarshal(body, &envelope); err == nil {
		if msg := envelope.message(); msg != "" {
			e.Message = msg
			return e
		}
	}
	// plain {"error": "..."} bodies
	if m, ok := decoded.(map[string]any); ok {
		if s, ok := m["error"].(string); ok && s != "" {
			e.Message = s
		}
	}
	return e
}
