package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"fleetwatch/internal/model"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	query := `
		INSERT INTO machines (id, hostname, key_fingerprint, key_hash, status, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.Hostname, m.KeyFingerprint, m.KeyHash, m.Status, m.LastSeen, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	query := `
		SELECT id, hostname, key_fingerprint, key_hash, status, last_seen, created_at
		FROM machines
		WHERE id = $1
	`
	var m model.Machine
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.Hostname, &m.KeyFingerprint, &m.KeyHash, &m.Status, &m.LastSeen, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query machine: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) MachinesByFingerprint(ctx context.Context, fingerprint string) ([]*model.Machine, error) {
	query := `
		SELECT id, hostname, key_fingerprint, key_hash, status, last_seen, created_at
		FROM machines
		WHERE key_fingerprint = $1 AND status != 'disabled'
	`
	rows, err := s.db.QueryContext(ctx, query, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		var m model.Machine
		if err := rows.Scan(&m.ID, &m.Hostname, &m.KeyFingerprint, &m.KeyHash, &m.Status, &m.LastSeen, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return machines, nil
}

func (s *PostgresStore) SetMachineStatus(ctx context.Context, id string, status model.MachineStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE machines SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update machine status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchMachine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET last_seen = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch machine: %w", err)
	}
	return nil
}

// ruleMutation runs mutate inside a transaction after drawing the next
// version from the shared sequence, then appends the change log entry.
// Keeping both in one transaction is what makes the log strictly ordered.
func (s *PostgresStore) ruleMutation(ctx context.Context, kind model.ChangeKind, ruleID string, mutate func(tx *sql.Tx, version int64) (*model.Rule, error)) (*model.RuleChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT nextval('rule_version_seq')`).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to advance rule version: %w", err)
	}

	rule, err := mutate(tx, version)
	if err != nil {
		return nil, err
	}

	var snapshot []byte
	if rule != nil {
		snapshot, err = json.Marshal(rule)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rule snapshot: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_changes (version, rule_id, kind, snapshot, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, version, ruleID, kind, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to append rule change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule mutation: %w", err)
	}

	return &model.RuleChange{Version: version, RuleID: ruleID, Kind: kind, Rule: rule}, nil
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error) {
	return s.ruleMutation(ctx, model.ChangeCreated, r.ID, func(tx *sql.Tx, version int64) (*model.Rule, error) {
		r.Version = version
		r.UpdatedAt = time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rules (id, version, name, enabled, event_type, threshold, severity, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.ID, r.Version, r.Name, r.Enabled, r.EventType, r.Threshold, r.Severity, r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert rule: %w", err)
		}
		snap := *r
		return &snap, nil
	})
}

func (s *PostgresStore) UpdateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error) {
	return s.ruleMutation(ctx, model.ChangeUpdated, r.ID, func(tx *sql.Tx, version int64) (*model.Rule, error) {
		r.Version = version
		r.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE rules
			SET version = $2, name = $3, enabled = $4, event_type = $5, threshold = $6, severity = $7, updated_at = $8
			WHERE id = $1
		`, r.ID, r.Version, r.Name, r.Enabled, r.EventType, r.Threshold, r.Severity, r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to update rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
		snap := *r
		return &snap, nil
	})
}

func (s *PostgresStore) ToggleRule(ctx context.Context, id string, enabled bool) (*model.RuleChange, error) {
	return s.ruleMutation(ctx, model.ChangeToggled, id, func(tx *sql.Tx, version int64) (*model.Rule, error) {
		var r model.Rule
		err := tx.QueryRowContext(ctx, `
			UPDATE rules SET enabled = $2, version = $3, updated_at = now()
			WHERE id = $1
			RETURNING id, version, name, enabled, event_type, threshold, severity, updated_at
		`, id, enabled, version).Scan(&r.ID, &r.Version, &r.Name, &r.Enabled, &r.EventType, &r.Threshold, &r.Severity, &r.UpdatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to toggle rule: %w", err)
		}
		return &r, nil
	})
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) (*model.RuleChange, error) {
	return s.ruleMutation(ctx, model.ChangeDeleted, id, func(tx *sql.Tx, version int64) (*model.Rule, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to delete rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
		return nil, nil
	})
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	var r model.Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, name, enabled, event_type, threshold, severity, updated_at
		FROM rules WHERE id = $1
	`, id).Scan(&r.ID, &r.Version, &r.Name, &r.Enabled, &r.EventType, &r.Threshold, &r.Severity, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) listRules(ctx context.Context, query string) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		var r model.Rule
		if err := rows.Scan(&r.ID, &r.Version, &r.Name, &r.Enabled, &r.EventType, &r.Threshold, &r.Severity, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(ctx, `
		SELECT id, version, name, enabled, event_type, threshold, severity, updated_at
		FROM rules ORDER BY version
	`)
}

func (s *PostgresStore) EnabledRules(ctx context.Context) ([]*model.Rule, error) {
	return s.listRules(ctx, `
		SELECT id, version, name, enabled, event_type, threshold, severity, updated_at
		FROM rules WHERE enabled ORDER BY version
	`)
}

func (s *PostgresStore) ChangesSince(ctx context.Context, watermark int64) ([]*model.RuleChange, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, rule_id, kind, snapshot
		FROM rule_changes
		WHERE version > $1
		ORDER BY version
	`, watermark)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query rule changes: %w", err)
	}
	defer rows.Close()

	var changes []*model.RuleChange
	var head int64
	for rows.Next() {
		var c model.RuleChange
		var snapshot []byte
		if err := rows.Scan(&c.Version, &c.RuleID, &c.Kind, &snapshot); err != nil {
			return nil, 0, fmt.Errorf("failed to scan rule change: %w", err)
		}
		if len(snapshot) > 0 {
			var r model.Rule
			if err := json.Unmarshal(snapshot, &r); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal rule snapshot: %w", err)
			}
			c.Rule = &r
		}
		head = c.Version
		changes = append(changes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rows: %w", err)
	}

	if head <= watermark {
		// Nothing newer; report the sequence head so clients keep a
		// current watermark even on empty diffs. An untouched sequence
		// reports its start value with is_called = false, so the head of
		// an empty log must read as 0, not 1.
		if err := s.db.QueryRowContext(ctx,
			`SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM rule_version_seq`).Scan(&head); err != nil {
			return nil, 0, fmt.Errorf("failed to read version head: %w", err)
		}
	}
	return changes, head, nil
}

func (s *PostgresStore) OldestRetainedVersion(ctx context.Context) (int64, error) {
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT min(version) FROM rule_changes`).Scan(&oldest); err != nil {
		return 0, fmt.Errorf("failed to query oldest change: %w", err)
	}
	return oldest.Int64, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, machine_id, client_event_id, type, ts, value, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, e.ID, e.MachineID, e.ClientEventID, e.Type, e.Timestamp, e.Value, payload)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, a *model.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, severity, title, description, machine_id, rule_id, acknowledged, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, a.ID, a.Severity, a.Title, a.Description, a.MachineID, a.RuleID, a.Acknowledged, a.Resolved, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	var a model.Alert
	var ruleID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, severity, title, description, machine_id, rule_id, acknowledged, resolved, created_at
		FROM alerts WHERE id = $1
	`, id).Scan(&a.ID, &a.Severity, &a.Title, &a.Description, &a.MachineID, &ruleID, &a.Acknowledged, &a.Resolved, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	a.RuleID = ruleID.String
	return &a, nil
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id string) error {
	return s.alertTransition(ctx, id, "acknowledged")
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string) error {
	return s.alertTransition(ctx, id, "resolved")
}

// alertTransition flips a one-way flag to true. Going back is not a thing.
func (s *PostgresStore) alertTransition(ctx context.Context, id, column string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE alerts SET %s = true WHERE id = $1`, column), id)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, machineID string, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, severity, title, description, machine_id, rule_id, acknowledged, resolved, created_at
		FROM alerts
		WHERE ($1 = '' OR machine_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var a model.Alert
		var ruleID sql.NullString
		if err := rows.Scan(&a.ID, &a.Severity, &a.Title, &a.Description, &a.MachineID, &ruleID, &a.Acknowledged, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.RuleID = ruleID.String
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return alerts, nil
}

func (s *PostgresStore) listOperators(ctx context.Context, query string) ([]*model.Operator, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query operators: %w", err)
	}
	defer rows.Close()

	var operators []*model.Operator
	for rows.Next() {
		var op model.Operator
		if err := rows.Scan(&op.ID, &op.Name, &op.Email, &op.Admin, &op.CriticalOptIn); err != nil {
			return nil, fmt.Errorf("failed to scan operator: %w", err)
		}
		operators = append(operators, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return operators, nil
}

func (s *PostgresStore) CriticalSubscribers(ctx context.Context) ([]*model.Operator, error) {
	return s.listOperators(ctx, `
		SELECT id, name, email, admin, critical_opt_in
		FROM operators WHERE critical_opt_in
	`)
}

func (s *PostgresStore) Admins(ctx context.Context) ([]*model.Operator, error) {
	return s.listOperators(ctx, `
		SELECT id, name, email, admin, critical_opt_in
		FROM operators WHERE admin
	`)
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, operator_id, alert_id, channels, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, n.ID, n.OperatorID, n.AlertID, pq.Array(n.Channels), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
