// Package models provides data model definitions for the handoff sync backend.
package models

import "fmt"

// OperationType identifies which remote mutation a pending operation replays.
type OperationType string

const (
	OperationEvolution OperationType = "evolution"
	OperationPatient   OperationType = "patient"
	OperationDischarge OperationType = "discharge"
	OperationUpdate    OperationType = "update"
)

// OperationTypes lists every supported kind in declaration order.
var OperationTypes = []OperationType{
	OperationEvolution,
	OperationPatient,
	OperationDischarge,
	OperationUpdate,
}

// Valid reports whether t is one of the supported kinds.
func (t OperationType) Valid() bool {
	switch t {
	case OperationEvolution, OperationPatient, OperationDischarge, OperationUpdate:
		return true
	}
	return false
}

// ParseOperationType converts a string into an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	t := OperationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown operation type %q", s)
	}
	return t, nil
}

// Label returns the human-readable name used in notifications.
func (t OperationType) Label() string {
	switch t {
	case OperationEvolution:
		return "SBAR evolution"
	case OperationPatient:
		return "new patient"
	case OperationDischarge:
		return "patient discharge"
	case OperationUpdate:
		return "patient update"
	}
	return string(t)
}

// PendingOperation is a client-originated mutation awaiting confirmation by
// the remote system. PatientID and PatientName are denormalized for display
// and are never authoritative.
type PendingOperation struct {
	ID          string                 `json:"id" msgpack:"id"`
	Type        OperationType          `json:"type" msgpack:"type"`
	Data        map[string]interface{} `json:"data" msgpack:"data"`
	Timestamp   int64                  `json:"timestamp" msgpack:"timestamp"` // epoch milliseconds
	RetryCount  int                    `json:"retryCount" msgpack:"retryCount"`
	PatientID   string                 `json:"patientId,omitempty" msgpack:"patientId,omitempty"`
	PatientName string                 `json:"patientName,omitempty" msgpack:"patientName,omitempty"`
}

// Clone returns a copy that shares no maps or slices with op. Nested
// objects and arrays inside Data are copied too.
func (op PendingOperation) Clone() PendingOperation {
	if op.Data != nil {
		op.Data = cloneMap(op.Data)
	}
	return op
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		if v == nil {
			return v
		}
		return cloneMap(v)
	case []interface{}:
		if v == nil {
			return v
		}
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		if v == nil {
			return v
		}
		return append([]byte(nil), v...)
	}
	return v
}
