package command

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome reported by the command processor
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Error reasons reported in ErrorDetail.Reason
const (
	ReasonNotFound             = "not_found"
	ReasonConflict             = "conflict"
	ReasonValidationFailed     = "validation_failed"
	ReasonRequestIDConflict    = "request_id_conflict"
	ReasonUnsupportedEntity    = "unsupported_entity"
	ReasonUnsupportedOperation = "unsupported_operation"
	ReasonMalformedEnvelope    = "malformed_envelope"
	ReasonStorageFailure       = "storage_failure"
)

// Response echoes the originating request_id with the processor's result.
// Payload holds the result data on success and an ErrorDetail on failure.
type Response struct {
	RequestID string          `json:"request_id"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorDetail is the structured failure payload of an error response
type ErrorDetail struct {
	Reason    string         `json:"reason"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (d ErrorDetail) String() string {
	return fmt.Sprintf("%s: %s", d.Reason, d.Message)
}

// Success builds a success response around the JSON encoding of payload
func Success(requestID string, payload any) (Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode response payload: %w", err)
	}
	return Response{
		RequestID: requestID,
		Status:    StatusSuccess,
		Payload:   raw,
	}, nil
}

// Failure builds an error response. It never fails: ErrorDetail always encodes.
func Failure(requestID string, detail ErrorDetail) Response {
	raw, _ := json.Marshal(detail)
	return Response{
		RequestID: requestID,
		Status:    StatusError,
		Payload:   raw,
	}
}

// OK reports whether the processor applied the command
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// ErrorDetail decodes the failure payload. Responses whose payload is not an
// ErrorDetail yield a generic detail carrying the raw payload.
func (r Response) ErrorDetail() ErrorDetail {
	var detail ErrorDetail
	if err := json.Unmarshal(r.Payload, &detail); err != nil || detail.Reason == "" {
		return ErrorDetail{
			Reason:  "unknown",
			Message: string(r.Payload),
		}
	}
	return detail
}
