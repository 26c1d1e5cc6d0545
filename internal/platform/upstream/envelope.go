package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the wrapper the CRUD and dropdown APIs put around collection
// and record responses:
//
//	{"success": true, "data": ..., "total": 12, "page": 1, "limit": 10}
//
// Only these keys are accepted. A body with any other top-level key (for
// example "items") is rejected instead of guessed at.
type Envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total,omitempty"`
	Page    *int            `json:"page,omitempty"`
	Limit   *int            `json:"limit,omitempty"`
}

// decodeEnvelope parses raw as an Envelope and decodes its data into out.
func decodeEnvelope(label string, raw []byte, out interface{}) (*Envelope, error) {
	if !isJSONObject(raw) {
		return nil, fmt.Errorf("%s: %w: expected an envelope object", label, ErrUnexpectedShape)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", label, ErrUnexpectedShape, err)
	}

	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request reported failure"
		}
		return nil, &Error{Endpoint: label, StatusCode: 200, Message: msg}
	}

	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil, fmt.Errorf("%s: %w: envelope has no data", label, ErrUnexpectedShape)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("%s: %w: data: %v", label, ErrUnexpectedShape, err)
		}
	}
	return &env, nil
}

// decodeDocument parses raw as a bare JSON object (no envelope).
func decodeDocument(label string, raw []byte, out interface{}) error {
	if !isJSONObject(raw) {
		return fmt.Errorf("%s: %w: expected a document object", label, ErrUnexpectedShape)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return fmt.Errorf("%s: %w: %v", label, ErrUnexpectedShape, err)
	}
	_, hasData := keys["data"]
	_, hasSuccess := keys["success"]
	if hasData && hasSuccess {
		return fmt.Errorf("%s: %w: expected a document, got an envelope", label, ErrUnexpectedShape)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", label, ErrUnexpectedShape, err)
	}
	return nil
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
