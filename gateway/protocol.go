package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode for frames that do not match the
// protocol shape.
var ErrMalformedFrame = errors.New("malformed gateway frame")

const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Frame is one message on the gateway socket: *RequestFrame, *ResponseFrame
// or *EventFrame.
type Frame interface {
	frameType() string
}

// RequestFrame is sent by the client to invoke method.
type RequestFrame struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

func (*RequestFrame) frameType() string { return frameRequest }

func (f RequestFrame) MarshalJSON() ([]byte, error) {
	type alias RequestFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{frameRequest, alias(f)})
}

// ErrorShape is the error object of a failed response.
type ErrorShape struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ResponseFrame answers the request with the same ID.
type ResponseFrame struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

func (*ResponseFrame) frameType() string { return frameResponse }

func (f ResponseFrame) MarshalJSON() ([]byte, error) {
	type alias ResponseFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{frameResponse, alias(f)})
}

// EventFrame is pushed by the server without a matching request.
type EventFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*EventFrame) frameType() string { return frameEvent }

func (f EventFrame) MarshalJSON() ([]byte, error) {
	type alias EventFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{frameEvent, alias(f)})
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrorShape     `json:"error"`
	Event   string          `json:"event"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Decode parses and validates one frame.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("%s", err)
	}
	switch w.Type {
	case frameRequest:
		if w.ID == "" || w.Method == "" {
			return nil, malformed("request without id or method")
		}
		f := &RequestFrame{ID: w.ID, Method: w.Method}
		if len(w.Params) > 0 {
			f.Params = w.Params
		}
		return f, nil
	case frameResponse:
		if w.ID == "" {
			return nil, malformed("response without id")
		}
		if w.OK == nil {
			return nil, malformed("response %s without ok", w.ID)
		}
		if !*w.OK && w.Error == nil {
			return nil, malformed("failed response %s without error", w.ID)
		}
		return &ResponseFrame{ID: w.ID, OK: *w.OK, Payload: w.Payload, Error: w.Error}, nil
	case frameEvent:
		if w.Event == "" {
			return nil, malformed("event without name")
		}
		return &EventFrame{Event: w.Event, Payload: w.Payload}, nil
	case "":
		return nil, malformed("missing type")
	default:
		return nil, malformed("unknown type %q", w.Type)
	}
}
