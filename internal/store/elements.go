// ABOUTME: Flattened data element projection of stored payloads.
// ABOUTME: Replaces a record's elements wholesale, backfills on open, and answers path lookups.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
)

type elementRow struct {
	path  string
	value string
}

// flattenRecord serializes every flattened node of obj to canonical JSON.
func flattenRecord(obj payload.Object) ([]elementRow, error) {
	elements := payload.Flatten(obj)
	rows := make([]elementRow, 0, len(elements))
	for _, e := range elements {
		text, err := payload.CanonicalString(e.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode element %s: %w", e.Path, err)
		}
		rows = append(rows, elementRow{path: e.Path, value: text})
	}
	return rows, nil
}

// replaceElements deletes every element of the record and inserts rows in its place.
func replaceElements(ctx context.Context, tx *sql.Tx, recordType types.RecordType, recordID string, rows []elementRow, ts string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM data_elements WHERE record_type = ? AND record_id = ?`,
		string(recordType), recordID,
	); err != nil {
		return fmt.Errorf("delete elements of %s %s: %w", recordType, recordID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO data_elements
		(record_type, record_id, element_path, element_value, last_updated)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare element insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, string(recordType), recordID, row.path, row.value, ts); err != nil {
			return fmt.Errorf("insert element %s of %s %s: %w", row.path, recordType, recordID, err)
		}
	}
	return nil
}

type storedPayload struct {
	recordType types.RecordType
	id         string
	raw        sql.NullString
}

// backfillElements flattens every stored payload when data_elements is empty.
func (s *Store) backfillElements(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_elements`).Scan(&count); err != nil {
		return fmt.Errorf("store: backfill elements: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: backfill elements: %w", err)
	}
	defer tx.Rollback()

	var stored []storedPayload
	for _, source := range []struct {
		recordType types.RecordType
		table      string
	}{
		{types.RecordTypeVulnerability, "vulnerabilities"},
		{types.RecordTypeRemediation, "vulnerability_remediations"},
	} {
		rows, err := tx.QueryContext(ctx, `SELECT id, raw_data FROM `+source.table+` ORDER BY rowid`)
		if err != nil {
			return fmt.Errorf("store: backfill elements: %w", err)
		}
		for rows.Next() {
			sp := storedPayload{recordType: source.recordType}
			if err := rows.Scan(&sp.id, &sp.raw); err != nil {
				rows.Close()
				return fmt.Errorf("store: backfill elements: %w", err)
			}
			stored = append(stored, sp)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("store: backfill elements: %w", err)
		}
	}

	if len(stored) == 0 {
		return nil
	}

	ts := s.timestamp()
	for _, sp := range stored {
		obj := payload.Object{}
		if sp.raw.Valid && sp.raw.String != "" {
			parsed, err := payload.ParseObject([]byte(sp.raw.String))
			if err != nil {
				return fmt.Errorf("store: backfill elements: %s %s: %w", sp.recordType, sp.id, err)
			}
			obj = parsed
		}

		elements, err := flattenRecord(obj)
		if err != nil {
			return fmt.Errorf("store: backfill elements: %w", err)
		}
		if err := replaceElements(ctx, tx, sp.recordType, sp.id, elements, ts); err != nil {
			return fmt.Errorf("store: backfill elements: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: backfill elements: %w", err)
	}

	s.logger.WithField("records", len(stored)).Info("Backfilled data elements")
	return nil
}

// DataElements returns the flattened elements of one record ordered by path.
func (s *Store) DataElements(ctx context.Context, recordType types.RecordType, recordID string) ([]payload.Element, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT element_path, element_value FROM data_elements
		WHERE record_type = ? AND record_id = ?
		ORDER BY element_path
	`, string(recordType), recordID)
	if err != nil {
		return nil, fmt.Errorf("store: data elements: %w", err)
	}
	defer rows.Close()

	var elements []payload.Element
	for rows.Next() {
		var path string
		var value sql.NullString
		if err := rows.Scan(&path, &value); err != nil {
			return nil, fmt.Errorf("store: data elements: %w", err)
		}

		var decoded payload.Value = payload.Null{}
		if value.Valid {
			decoded, err = payload.Parse([]byte(value.String))
			if err != nil {
				return nil, fmt.Errorf("store: data elements: %s: %w", path, err)
			}
		}
		elements = append(elements, payload.Element{Path: path, Value: decoded})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: data elements: %w", err)
	}
	return elements, nil
}

// FindByElement returns ids of records whose element at path equals value.
func (s *Store) FindByElement(ctx context.Context, recordType types.RecordType, path string, value payload.Value) ([]string, error) {
	encoded, err := payload.CanonicalString(value)
	if err != nil {
		return nil, fmt.Errorf("store: find by element: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id FROM data_elements
		WHERE record_type = ? AND element_path = ? AND element_value = ?
		ORDER BY record_id
	`, string(recordType), path, encoded)
	if err != nil {
		return nil, fmt.Errorf("store: find by element: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: find by element: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find by element: %w", err)
	}
	return ids, nil
}
