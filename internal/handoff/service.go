package handoff

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sbarhandoff/backend/internal/clock"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
)

// Outcome of Apply.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
)

// Service applies operations to the registry.
type Service struct {
	repo  *Repository
	clock clock.Clock
}

// NewService creates a Service. A nil clock uses the wall clock.
func NewService(repo *Repository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{repo: repo, clock: clk}
}

// Apply validates op and applies it in one transaction together with its
// applied_operations row. An operation id seen before returns Duplicate and
// changes nothing.
func (s *Service) Apply(ctx context.Context, op Operation) (Outcome, error) {
	if err := op.validate(); err != nil {
		return "", err
	}

	outcome := Applied
	err := s.repo.withTx(ctx, func(tx *sql.Tx) error {
		seen, err := s.repo.isApplied(ctx, tx, op.ID)
		if err != nil {
			return err
		}
		if seen {
			outcome = Duplicate
			return nil
		}

		now := s.clock.Now().UnixMilli()
		switch op.Type {
		case models.OperationPatient:
			err = s.upsertPatient(ctx, tx, op, now)
		case models.OperationEvolution:
			err = s.addEvolution(ctx, tx, op, now)
		case models.OperationDischarge:
			err = s.discharge(ctx, tx, op, now)
		case models.OperationUpdate:
			err = s.updatePatient(ctx, tx, op, now)
		}
		if err != nil {
			return err
		}
		return s.repo.markApplied(ctx, tx, op, now)
	})
	if err != nil {
		return "", err
	}

	logging.Info("Operation applied", map[string]interface{}{
		"operation_id": op.ID,
		"type":         string(op.Type),
		"patient_id":   op.patientID(),
		"outcome":      string(outcome),
	})
	return outcome, nil
}

func (s *Service) upsertPatient(ctx context.Context, tx *sql.Tx, op Operation, now int64) error {
	fields, err := op.fields()
	if err != nil {
		return err
	}

	p, err := s.repo.getPatientTx(ctx, tx, op.patientID())
	if err != nil {
		return err
	}
	if p == nil {
		if fields.Name == nil {
			return apperrors.New(apperrors.ErrValidation, "name is required")
		}
		p = &models.Patient{
			ID:        op.patientID(),
			Status:    models.PatientActive,
			CreatedAt: now,
		}
		fields.applyTo(p)
		p.UpdatedAt = now
		return s.repo.insertPatient(ctx, tx, p)
	}

	fields.applyTo(p)
	p.UpdatedAt = now
	return s.repo.updatePatient(ctx, tx, p)
}

func (s *Service) updatePatient(ctx context.Context, tx *sql.Tx, op Operation, now int64) error {
	fields, err := op.fields()
	if err != nil {
		return err
	}
	p, err := s.mustGetPatient(ctx, tx, op.patientID())
	if err != nil {
		return err
	}

	fields.applyTo(p)
	p.UpdatedAt = now
	return s.repo.updatePatient(ctx, tx, p)
}

func (s *Service) addEvolution(ctx context.Context, tx *sql.Tx, op Operation, now int64) error {
	e, err := op.evolution()
	if err != nil {
		return err
	}
	if _, err := s.mustGetPatient(ctx, tx, e.PatientID); err != nil {
		return err
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	return s.repo.insertEvolution(ctx, tx, &e)
}

// discharge marks the patient discharged. Discharging twice keeps the first
// discharge time.
func (s *Service) discharge(ctx context.Context, tx *sql.Tx, op Operation, now int64) error {
	p, err := s.mustGetPatient(ctx, tx, op.patientID())
	if err != nil {
		return err
	}
	if p.Status == models.PatientDischarged {
		return nil
	}

	at := now
	if op.Timestamp > 0 {
		at = op.Timestamp
	}
	p.Status = models.PatientDischarged
	p.DischargedAt = &at
	p.UpdatedAt = now
	return s.repo.updatePatient(ctx, tx, p)
}

func (s *Service) mustGetPatient(ctx context.Context, tx *sql.Tx, id string) (*models.Patient, error) {
	p, err := s.repo.getPatientTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("patient %s not found", id))
	}
	return p, nil
}

func (f patientFields) applyTo(p *models.Patient) {
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.Bed != nil {
		p.Bed = *f.Bed
	}
	if f.TeamID != nil {
		p.TeamID = *f.TeamID
	}
}

// GetPatient returns a patient or NOT_FOUND.
func (s *Service) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

// ListEvolutions returns the evolutions of an existing patient.
func (s *Service) ListEvolutions(ctx context.Context, patientID string) ([]*models.Evolution, error) {
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.ListEvolutions(ctx, patientID)
}

// Executor returns a function that applies pending operations in process,
// for registration on an rpc.Router.
func (s *Service) Executor() func(ctx context.Context, op models.PendingOperation) error {
	return func(ctx context.Context, op models.PendingOperation) error {
		_, err := s.Apply(ctx, Operation{
			ID:        op.ID,
			Type:      op.Type,
			PatientID: op.PatientID,
			Timestamp: op.Timestamp,
			Data:      op.Data,
		})
		return err
	}
}
