package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by the decision_rules table.
// Conditions and actions are stored as JSONB.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, description, priority, enabled, condition, actions, created_at, updated_at`

func encodeRuleColumns(rule *Rule) (condition, actions []byte, err error) {
	if node := EncodeCondition(rule.Condition); node != nil {
		condition, err = json.Marshal(node)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode condition: %w", err)
		}
	}
	actions, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return condition, actions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r         Rule
		condition []byte
		actions   []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Priority, &r.Enabled,
		&condition, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	if len(condition) > 0 {
		var node ConditionNode
		if err := json.Unmarshal(condition, &node); err != nil {
			return nil, fmt.Errorf("rule %s: failed to decode condition: %w", r.ID, err)
		}
		cond, err := node.Decode()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Condition = cond
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("rule %s: failed to decode actions: %w", r.ID, err)
	}
	return &r, nil
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	condition, actions, err := encodeRuleColumns(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO decision_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, rule.Name, rule.Description, rule.Priority, rule.Enabled,
		nullableJSON(condition), actions, rule.CreatedAt, rule.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM decision_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// List returns every rule ordered by priority.
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`SELECT ` + ruleColumns + ` FROM decision_rules ORDER BY priority ASC, id ASC`)
}

// ListEnabled returns the enabled rules ordered by priority.
func (s *PostgresRuleStore) ListEnabled() ([]*Rule, error) {
	return s.query(`SELECT ` + ruleColumns + ` FROM decision_rules WHERE enabled = true ORDER BY priority ASC, id ASC`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update modifies an existing rule. CreatedAt is left as stored.
func (s *PostgresRuleStore) Update(rule *Rule) error {
	condition, actions, err := encodeRuleColumns(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	err = s.db.QueryRow(`
		UPDATE decision_rules
		SET name = $1, description = $2, priority = $3, enabled = $4,
		    condition = $5, actions = $6, updated_at = $7
		WHERE id = $8
		RETURNING created_at
	`, rule.Name, rule.Description, rule.Priority, rule.Enabled,
		nullableJSON(condition), actions, rule.UpdatedAt, rule.ID).Scan(&rule.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM decision_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

// nullableJSON stores a missing condition as SQL NULL rather than an empty
// byte string, which JSONB would reject.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
