package v1

import "encoding/json"

// Envelope is the response convention for every API call: exactly one of
// Result or Error is set.
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries a coarse error classification plus a human-readable
// message. Type matches one of the apperrors codes.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
