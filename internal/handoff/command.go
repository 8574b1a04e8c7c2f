// Package handoff applies synchronized operations to the patient registry.
// It is the server side of POST /api/sync/{type}: each operation kind maps to
// one mutation, and every mutation is recorded by operation id so replays are
// acknowledged without being applied twice.
package handoff

import (
	"fmt"
	"strings"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/models"
)

// Operation is one synchronized mutation as received from an agent.
type Operation struct {
	ID        string
	Type      models.OperationType
	PatientID string
	Timestamp int64
	Data      map[string]interface{}
}

// patientFields are the columns a patient or update operation may set.
type patientFields struct {
	Name   *string
	Bed    *string
	TeamID *string
}

func (op Operation) patientID() string {
	if op.PatientID != "" {
		return op.PatientID
	}
	if s, ok := stringField(op.Data, "patientId"); ok {
		return s
	}
	if s, ok := stringField(op.Data, "id"); ok {
		return s
	}
	return ""
}

func (op Operation) validate() error {
	if strings.TrimSpace(op.ID) == "" {
		return apperrors.New(apperrors.ErrValidation, "operation id is required")
	}
	if !op.Type.Valid() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown operation type %q", op.Type))
	}
	if op.patientID() == "" {
		return apperrors.New(apperrors.ErrValidation, "patient id is required")
	}
	return nil
}

func (op Operation) fields() (patientFields, error) {
	var f patientFields
	for key, dst := range map[string]**string{"name": &f.Name, "bed": &f.Bed, "teamId": &f.TeamID} {
		v, present := op.Data[key]
		if !present || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return f, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("%s must be a string", key))
		}
		s = strings.TrimSpace(s)
		*dst = &s
	}
	if f.Name != nil && *f.Name == "" {
		return f, apperrors.New(apperrors.ErrValidation, "name must not be empty")
	}
	return f, nil
}

func (op Operation) evolution() (models.Evolution, error) {
	e := models.Evolution{ID: op.ID, PatientID: op.patientID(), CreatedAt: op.Timestamp}
	for key, dst := range map[string]*string{
		"situation":      &e.Situation,
		"background":     &e.Background,
		"assessment":     &e.Assessment,
		"recommendation": &e.Recommendation,
		"author":         &e.Author,
	} {
		v, present := op.Data[key]
		if !present || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return e, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("%s must be a string", key))
		}
		*dst = strings.TrimSpace(s)
	}
	if e.Situation == "" {
		return e, apperrors.New(apperrors.ErrValidation, "situation is required")
	}
	return e, nil
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	s, ok := data[key].(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}
