// ABOUTME: Remediation record upserts with new/updated counting.
// ABOUTME: Same single-transaction discipline as vulnerabilities without history rows.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

type preparedRemediation struct {
	remediation types.Remediation
	raw         string
	elements    []elementRow
}

// StoreRemediations upserts remediation records. A record counts as updated
// when its canonical payload differs from the stored one.
func (s *Store) StoreRemediations(ctx context.Context, records []payload.Object) (types.StoreResult, error) {
	prepared := make([]preparedRemediation, 0, len(records))
	for _, obj := range records {
		r := types.Remediation{Raw: obj}
		if r.ID() == "" {
			continue
		}
		raw, err := payload.CanonicalString(obj)
		if err != nil {
			return types.StoreResult{}, fmt.Errorf("store: store remediations: %w", err)
		}
		elements, err := flattenRecord(obj)
		if err != nil {
			return types.StoreResult{}, fmt.Errorf("store: store remediations: %w", err)
		}
		prepared = append(prepared, preparedRemediation{remediation: r, raw: raw, elements: elements})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.StoreResult{}, fmt.Errorf("store: store remediations: %w", err)
	}
	defer tx.Rollback()

	ts := s.timestamp()
	result := types.StoreResult{Total: len(records)}

	for _, p := range prepared {
		id := p.remediation.ID()

		var storedRaw sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT raw_data FROM vulnerability_remediations WHERE id = ?`, id,
		).Scan(&storedRaw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			result.New++
		case err != nil:
			return types.StoreResult{}, fmt.Errorf("store: store remediations: lookup %s: %w", id, err)
		case canonicalize(storedRaw.String) != p.raw:
			result.Updated++
		}

		obj := p.remediation.Raw
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vulnerability_remediations (
				id, vulnerability_id, vulnerable_asset_id, severity, detected_date,
				sla_deadline_date, remediation_date, is_remediated_on_time,
				integration_id, integration_type, status, last_updated, raw_data
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				vulnerability_id = excluded.vulnerability_id,
				vulnerable_asset_id = excluded.vulnerable_asset_id,
				severity = excluded.severity,
				detected_date = excluded.detected_date,
				sla_deadline_date = excluded.sla_deadline_date,
				remediation_date = excluded.remediation_date,
				is_remediated_on_time = excluded.is_remediated_on_time,
				integration_id = excluded.integration_id,
				integration_type = excluded.integration_type,
				status = excluded.status,
				last_updated = excluded.last_updated,
				raw_data = excluded.raw_data
		`,
			id,
			textColumn(obj, "vulnerabilityId"),
			textColumn(obj, "vulnerableAssetId"),
			textColumn(obj, "severity"),
			textColumn(obj, "detectedDate"),
			textColumn(obj, "slaDeadlineDate"),
			textColumn(obj, "remediationDate"),
			boolColumn(obj, "isRemediatedOnTime"),
			textColumn(obj, "integrationId"),
			textColumn(obj, "integrationType"),
			textColumn(obj, "status"),
			ts,
			p.raw,
		); err != nil {
			return types.StoreResult{}, fmt.Errorf("store: store remediations: upsert %s: %w", id, err)
		}

		if err := replaceElements(ctx, tx, types.RecordTypeRemediation, id, p.elements, ts); err != nil {
			return types.StoreResult{}, fmt.Errorf("store: store remediations: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.StoreResult{}, fmt.Errorf("store: store remediations: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"total":   result.Total,
		"new":     result.New,
		"updated": result.Updated,
	}).Debug("Stored remediations")

	return result, nil
}
