package requirements

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/liamcoop/claims/claim"
)

// PostgresStore implements Store backed by the requirements table. Document
// ids are a TEXT[] column; satisfaction and resolution records are JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requirementColumns = `id, claim_id, type, level, status, description, due_date, source_rule,
	document_ids, task_id, waived, overridden, satisfaction, waiver, override, rejection, created_at, updated_at`

type recordColumns struct {
	satisfaction, waiver, override, rejection []byte
}

func encodeRecords(r *claim.Requirement) (recordColumns, error) {
	var (
		cols recordColumns
		err  error
	)
	if cols.satisfaction, err = marshalRecord(r.Satisfaction); err != nil {
		return cols, fmt.Errorf("failed to encode satisfaction: %w", err)
	}
	if cols.waiver, err = marshalRecord(r.Waiver); err != nil {
		return cols, fmt.Errorf("failed to encode waiver: %w", err)
	}
	if cols.override, err = marshalRecord(r.Override); err != nil {
		return cols, fmt.Errorf("failed to encode override: %w", err)
	}
	if cols.rejection, err = marshalRecord(r.Rejection); err != nil {
		return cols, fmt.Errorf("failed to encode rejection: %w", err)
	}
	return cols, nil
}

func marshalRecord[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalRecord[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// nullableJSON stores an absent record as SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequirement(row rowScanner) (*claim.Requirement, error) {
	var (
		r    claim.Requirement
		due  sql.NullTime
		docs pq.StringArray
		cols recordColumns
	)
	if err := row.Scan(&r.ID, &r.ClaimID, &r.Type, &r.Level, &r.Status, &r.Description, &due, &r.SourceRule,
		&docs, &r.TaskID, &r.Waived, &r.Overridden,
		&cols.satisfaction, &cols.waiver, &cols.override, &cols.rejection,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if due.Valid {
		d := due.Time
		r.DueDate = &d
	}
	r.DocumentIDs = []string(docs)
	if r.DocumentIDs == nil {
		r.DocumentIDs = []string{}
	}

	var err error
	if r.Satisfaction, err = unmarshalRecord[claim.Satisfaction](cols.satisfaction); err != nil {
		return nil, fmt.Errorf("requirement %s: failed to decode satisfaction: %w", r.ID, err)
	}
	if r.Waiver, err = unmarshalRecord[claim.Resolution](cols.waiver); err != nil {
		return nil, fmt.Errorf("requirement %s: failed to decode waiver: %w", r.ID, err)
	}
	if r.Override, err = unmarshalRecord[claim.Resolution](cols.override); err != nil {
		return nil, fmt.Errorf("requirement %s: failed to decode override: %w", r.ID, err)
	}
	if r.Rejection, err = unmarshalRecord[claim.Resolution](cols.rejection); err != nil {
		return nil, fmt.Errorf("requirement %s: failed to decode rejection: %w", r.ID, err)
	}
	return &r, nil
}

// Add inserts r at the end of its claim's collection.
func (s *PostgresStore) Add(r *claim.Requirement) error {
	cols, err := encodeRecords(r)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO requirements (position, `+requirementColumns+`)
		VALUES ((SELECT COALESCE(MAX(position) + 1, 0) FROM requirements WHERE claim_id = $2),
		        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, r.ID, r.ClaimID, r.Type, r.Level, r.Status, r.Description, r.DueDate, r.SourceRule,
		pq.Array(r.DocumentIDs), r.TaskID, r.Waived, r.Overridden,
		nullableJSON(cols.satisfaction), nullableJSON(cols.waiver), nullableJSON(cols.override), nullableJSON(cols.rejection),
		r.CreatedAt, r.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("requirement %s (%s): %w", r.ID, r.Type, ErrRequirementExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert requirement: %w", err)
	}
	return nil
}

// Get retrieves one requirement of a claim.
func (s *PostgresStore) Get(claimID, id string) (*claim.Requirement, error) {
	row := s.db.QueryRow(`SELECT `+requirementColumns+` FROM requirements WHERE claim_id = $1 AND id = $2`, claimID, id)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requirement %s: %w", id, ErrRequirementNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get requirement: %w", err)
	}
	return r, nil
}

// List returns a claim's requirements ordered by position.
func (s *PostgresStore) List(claimID string) ([]*claim.Requirement, error) {
	rows, err := s.db.Query(`SELECT `+requirementColumns+` FROM requirements WHERE claim_id = $1 ORDER BY position ASC`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requirements: %w", err)
	}
	defer rows.Close()

	reqs := []*claim.Requirement{}
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan requirement: %w", err)
		}
		reqs = append(reqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requirements: %w", err)
	}
	return reqs, nil
}

// Update writes every mutable column of r.
func (s *PostgresStore) Update(r *claim.Requirement) error {
	cols, err := encodeRecords(r)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE requirements
		SET status = $1, description = $2, due_date = $3, document_ids = $4, task_id = $5,
		    waived = $6, overridden = $7, satisfaction = $8, waiver = $9, override = $10,
		    rejection = $11, updated_at = $12
		WHERE claim_id = $13 AND id = $14
	`, r.Status, r.Description, r.DueDate, pq.Array(r.DocumentIDs), r.TaskID,
		r.Waived, r.Overridden, nullableJSON(cols.satisfaction), nullableJSON(cols.waiver), nullableJSON(cols.override),
		nullableJSON(cols.rejection), r.UpdatedAt, r.ClaimID, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update requirement: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("requirement %s: %w", r.ID, ErrRequirementNotFound)
	}
	return nil
}
