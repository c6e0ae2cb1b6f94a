package command

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Operation names the mutation (or read) a command requests
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationRead   Operation = "read"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete, OperationRead:
		return true
	}
	return false
}

// Mutates reports whether the operation changes stored state
func (op Operation) Mutates() bool {
	return op == OperationCreate || op == OperationUpdate || op == OperationDelete
}

// Envelope describes one requested operation against an entity.
// It is a value type: copies are independent once Data is cloned.
type Envelope struct {
	RequestID string         `json:"request_id"`
	Operation Operation      `json:"operation"`
	Entity    string         `json:"entity"`
	Data      map[string]any `json:"data"`
}

// New builds an envelope, copying data so the caller may reuse its map
func New(requestID string, op Operation, entity string, data map[string]any) Envelope {
	return Envelope{
		RequestID: requestID,
		Operation: op,
		Entity:    entity,
		Data:      cloneData(data),
	}
}

// Validate checks that the envelope carries enough metadata to be routed
func (e Envelope) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	if e.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	return nil
}

// Fingerprint hashes the envelope's canonical JSON form. Two deliveries of the
// same logical command produce the same fingerprint.
func (e Envelope) Fingerprint() (string, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}

	// encoding/json sorts map keys, which makes the encoding canonical
	raw, err := json.Marshal(struct {
		RequestID string         `json:"request_id"`
		Operation Operation      `json:"operation"`
		Entity    string         `json:"entity"`
		Data      map[string]any `json:"data"`
	}{e.RequestID, e.Operation, e.Entity, data})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
