package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownOutcome marks failures where the request may or may not have
// reached the processor. Callers must not assume the operation failed.
var ErrUnknownOutcome = errors.New("processor outcome unknown")

// ErrInvalidSignature is returned when a pushed callback fails verification
var ErrInvalidSignature = errors.New("invalid callback signature")

// CodeInvalidRecurringToken is reported when a charge uses a dead card token
const CodeInvalidRecurringToken = "invalid_recurring_token"

// TransportError wraps a network failure, a timeout or an unreadable
// response: the remote side effect may already have happened
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUnknownOutcome) match transport failures
func (e *TransportError) Is(target error) bool {
	return target == ErrUnknownOutcome
}

// FieldError is one entry of the processor's error envelope
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is a logical failure reported by the processor
type APIError struct {
	Op         string
	StatusCode int
	Errors     []FieldError
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: processor returned %d: %s", e.Op, e.StatusCode, e.Message())
}

// Message flattens the envelope into an operator-readable string
func (e *APIError) Message() string {
	if len(e.Errors) == 0 {
		if e.Body != "" {
			return e.Body
		}
		return "unknown error"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msg := fe.Message
		if msg == "" {
			msg = fe.Code
		}
		if fe.Field != "" && fe.Field != "__all__" {
			msg = fe.Field + ": " + msg
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// HasCode reports whether any envelope entry carries the given code
func (e *APIError) HasCode(code string) bool {
	for _, fe := range e.Errors {
		if fe.Code == code {
			return true
		}
	}
	return false
}

// IsInvalidRecurringToken reports whether the charge failed on a dead token
func (e *APIError) IsInvalidRecurringToken() bool {
	return e.HasCode(CodeInvalidRecurringToken)
}

// AsAPIError unwraps err into an *APIError
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsInvalidRecurringToken reports whether err is a dead-token charge failure
func IsInvalidRecurringToken(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.IsInvalidRecurringToken()
}

// parseErrorEnvelope extracts field errors from a response body. It returns
// false if the body is not an error envelope.
func parseErrorEnvelope(body []byte) ([]FieldError, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, false
	}

	if raw, ok := top["errors"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			return collectFieldErrors(nested), true
		}
		return []FieldError{{Field: "errors", Message: strings.Trim(string(raw), `"`)}}, true
	}

	if _, ok := top["__all__"]; !ok {
		return nil, false
	}
	return collectFieldErrors(top), true
}

// parseFieldErrors reads any JSON object body as field -> errors
func parseFieldErrors(body []byte) []FieldError {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil
	}
	return collectFieldErrors(top)
}

func collectFieldErrors(fields map[string]json.RawMessage) []FieldError {
	keys := make([]string, 0, len(fields))
	for field := range fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)

	var out []FieldError
	for _, field := range keys {
		raw := fields[field]
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			entries = []json.RawMessage{raw}
		}
		for _, entry := range entries {
			fe := FieldError{Field: field}
			if err := json.Unmarshal(entry, &fe); err != nil || (fe.Code == "" && fe.Message == "") {
				var msg string
				if err := json.Unmarshal(entry, &msg); err == nil {
					fe.Message = msg
				} else {
					fe.Message = string(entry)
				}
			}
			fe.Field = field
			out = append(out, fe)
		}
	}
	return out
}
