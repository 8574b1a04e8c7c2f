package handoff

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/sbarhandoff/backend/internal/db"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/models"
)

// Repository provides persistence for patients, evolutions and the applied
// operation log.
type Repository struct {
	db *db.DB

	// Read statements are prepared on first use and reused. Writes run inside
	// transactions and are not cached.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a Repository over an already migrated database.
func NewRepository(database *db.DB) *Repository {
	return &Repository{db: database}
}

// prepareStmt gets or creates a prepared statement from the cache. query uses
// ? placeholders and is rebound for the database dialect.
func (r *Repository) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, r.db.Rebind(query))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. It does not close the database.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "write failed", err)
	}
	return nil
}

// =====================================================
// Applied operations
// =====================================================

func (r *Repository) isApplied(ctx context.Context, tx *sql.Tx, operationID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM applied_operations WHERE operation_id = ?`), operationID).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to check applied operations", err)
	}
	return true, nil
}

func (r *Repository) markApplied(ctx context.Context, tx *sql.Tx, op Operation, appliedAt int64) error {
	return r.exec(ctx, tx,
		`INSERT INTO applied_operations (operation_id, type, patient_id, applied_at) VALUES (?, ?, ?, ?)`,
		op.ID, string(op.Type), op.patientID(), appliedAt)
}

// =====================================================
// Patients
// =====================================================

const patientColumns = `id, name, bed, team_id, status, discharged_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row rowScanner) (*models.Patient, error) {
	var p models.Patient
	var status string
	var dischargedAt sql.NullInt64
	if err := row.Scan(&p.ID, &p.Name, &p.Bed, &p.TeamID, &status, &dischargedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.PatientStatus(status)
	if dischargedAt.Valid {
		v := dischargedAt.Int64
		p.DischargedAt = &v
	}
	return &p, nil
}

// getPatientTx returns the patient or nil when it does not exist.
func (r *Repository) getPatientTx(ctx context.Context, tx *sql.Tx, id string) (*models.Patient, error) {
	row := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT `+patientColumns+` FROM patients WHERE id = ?`), id)
	p, err := scanPatient(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load patient", err)
	}
	return p, nil
}

func (r *Repository) insertPatient(ctx context.Context, tx *sql.Tx, p *models.Patient) error {
	return r.exec(ctx, tx,
		`INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Bed, p.TeamID, string(p.Status), p.DischargedAt, p.CreatedAt, p.UpdatedAt)
}

func (r *Repository) updatePatient(ctx context.Context, tx *sql.Tx, p *models.Patient) error {
	return r.exec(ctx, tx,
		`UPDATE patients SET name = ?, bed = ?, team_id = ?, status = ?, discharged_at = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Bed, p.TeamID, string(p.Status), p.DischargedAt, p.UpdatedAt, p.ID)
}

// GetPatient retrieves a patient by id.
func (r *Repository) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	stmt, err := r.prepareStmt(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load patient", err)
	}

	p, err := scanPatient(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("patient %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load patient", err)
	}
	return p, nil
}

// =====================================================
// Evolutions
// =====================================================

func (r *Repository) insertEvolution(ctx context.Context, tx *sql.Tx, e *models.Evolution) error {
	return r.exec(ctx, tx,
		`INSERT INTO evolutions (id, patient_id, situation, background, assessment, recommendation, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PatientID, e.Situation, e.Background, e.Assessment, e.Recommendation, e.Author, e.CreatedAt)
}

// ListEvolutions returns a patient's evolutions, oldest first.
func (r *Repository) ListEvolutions(ctx context.Context, patientID string) ([]*models.Evolution, error) {
	stmt, err := r.prepareStmt(ctx, `
	SELECT id, patient_id, situation, background, assessment, recommendation, author, created_at
	FROM evolutions WHERE patient_id = ? ORDER BY created_at, id
	`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list evolutions", err)
	}

	rows, err := stmt.QueryContext(ctx, patientID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list evolutions", err)
	}
	defer rows.Close()

	evolutions := []*models.Evolution{}
	for rows.Next() {
		var e models.Evolution
		if err := rows.Scan(&e.ID, &e.PatientID, &e.Situation, &e.Background, &e.Assessment,
			&e.Recommendation, &e.Author, &e.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan evolution", err)
		}
		evolutions = append(evolutions, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list evolutions", err)
	}
	return evolutions, nil
}
