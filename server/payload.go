package server

import (
	"encoding/json"
	"fmt"
)

// RequestPayload is the JSON document sent to a PHP worker.
type RequestPayload struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// ResponsePayload is a complete (non-streamed) PHP worker response.
type ResponsePayload struct {
	ID      string    `json:"id"`
	Status  int       `json:"status"`
	Headers HeaderMap `json:"headers"`
	Body    string    `json:"body"`
}

// StreamFrame is one frame of a streamed PHP worker response.
type StreamFrame struct {
	Type    string    `json:"type"`              // "headers", "chunk", "end", "error"
	Status  int       `json:"status,omitempty"`  // only for headers
	Headers HeaderMap `json:"headers,omitempty"` // only for headers
	Data    string    `json:"data,omitempty"`    // for headers (optional) or chunk
	Error   string    `json:"error,omitempty"`   // optional error message
}

// HeaderMap holds response headers. Workers may send each header either as
// a string or as a list of strings.
type HeaderMap map[string][]string

func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(HeaderMap, len(raw))
	for name, value := range raw {
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			out[name] = list
			continue
		}
		var single string
		if err := json.Unmarshal(value, &single); err != nil {
			return fmt.Errorf("header %q: want string or list of strings", name)
		}
		out[name] = []string{single}
	}
	*h = out
	return nil
}
