package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
// Challenge responses additionally carry the challenge kind and the
// alternative TOTP credentials so the client can render a picker.
type ErrorDetail struct {
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	Challenge   ChallengeKind   `json:"challenge,omitempty"`
	Credentials []OTPCredential `json:"credentials,omitempty"`
}

// ResponseMeta is attached to every response for correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
