// ABOUTME: Read queries over current state, history, and the sync ledger.
// ABOUTME: All reads share the store lock and decode payloads from canonical JSON.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
)

// ReadAllVulnerabilities returns every current-state payload in first-seen order.
func (s *Store) ReadAllVulnerabilities(ctx context.Context) ([]types.Vulnerability, error) {
	objs, err := s.readPayloads(ctx, "vulnerabilities")
	if err != nil {
		return nil, fmt.Errorf("store: read vulnerabilities: %w", err)
	}
	vulns := make([]types.Vulnerability, len(objs))
	for i, obj := range objs {
		vulns[i] = types.Vulnerability{Raw: obj}
	}
	return vulns, nil
}

// ReadAllRemediations returns every stored remediation payload in first-seen order.
func (s *Store) ReadAllRemediations(ctx context.Context) ([]types.Remediation, error) {
	objs, err := s.readPayloads(ctx, "vulnerability_remediations")
	if err != nil {
		return nil, fmt.Errorf("store: read remediations: %w", err)
	}
	remediations := make([]types.Remediation, len(objs))
	for i, obj := range objs {
		remediations[i] = types.Remediation{Raw: obj}
	}
	return remediations, nil
}

func (s *Store) readPayloads(ctx context.Context, table string) ([]payload.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, raw_data FROM `+table+` WHERE raw_data IS NOT NULL ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objs []payload.Object
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		obj, err := payload.ParseObject([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		objs = append(objs, obj)
	}
	return objs, rows.Err()
}

// LastUpdateTime returns the latest last_updated across current vulnerabilities.
// ok is false when no vulnerability has been stored.
func (s *Store) LastUpdateTime(ctx context.Context) (t time.Time, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(last_updated) FROM vulnerabilities`).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("store: last update time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}

	t, err = parseTime(latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: last update time: %w", err)
	}
	return t, true, nil
}

// History returns the change events of one vulnerability in commit order.
func (s *Store) History(ctx context.Context, vulnID string) ([]types.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vuln_id, name, severity, is_deactivated, deactivation_date,
		       snapshot_date, change_type, raw_data
		FROM vulnerability_history
		WHERE vuln_id = ?
		ORDER BY id
	`, vulnID)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var events []types.ChangeEvent
	for rows.Next() {
		var (
			event                         types.ChangeEvent
			name, severity, deactivatedOn sql.NullString
			changeType, raw               sql.NullString
			deactivated                   sql.NullBool
			snapshot                      string
		)
		if err := rows.Scan(&event.ID, &event.VulnID, &name, &severity, &deactivated,
			&deactivatedOn, &snapshot, &changeType, &raw); err != nil {
			return nil, fmt.Errorf("store: history: %w", err)
		}

		event.Name = name.String
		event.Severity = severity.String
		event.IsDeactivated = deactivated.Bool
		event.DeactivationDate = deactivatedOn.String
		event.ChangeType = types.ChangeType(changeType.String)

		if event.SnapshotDate, err = parseTime(snapshot); err != nil {
			return nil, fmt.Errorf("store: history: %w", err)
		}
		if raw.Valid {
			if event.Payload, err = payload.ParseObject([]byte(raw.String)); err != nil {
				return nil, fmt.Errorf("store: history: event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return events, nil
}

// SyncRuns returns ledger rows newest first. limit <= 0 returns every row.
func (s *Store) SyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, sync_date, vulnerabilities_count, new_count, updated_count, remediated_count
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: sync runs: %w", err)
	}
	defer rows.Close()

	var runs []types.SyncRun
	for rows.Next() {
		var (
			run                         types.SyncRun
			runID                       sql.NullString
			syncDate                    string
			total, created, updated, rm sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &runID, &syncDate, &total, &created, &updated, &rm); err != nil {
			return nil, fmt.Errorf("store: sync runs: %w", err)
		}

		run.RunID = runID.String
		run.TotalCount = int(total.Int64)
		run.NewCount = int(created.Int64)
		run.UpdatedCount = int(updated.Int64)
		run.RemediatedCount = int(rm.Int64)
		if run.SyncDate, err = parseTime(syncDate); err != nil {
			return nil, fmt.Errorf("store: sync runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sync runs: %w", err)
	}
	return runs, nil
}

// CountVulnerabilities returns the number of current-state vulnerability rows.
func (s *Store) CountVulnerabilities(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vulnerabilities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count vulnerabilities: %w", err)
	}
	return n, nil
}
