// ABOUTME: Vulnerability upserts with lifecycle classification and history tracking.
// ABOUTME: Each call is one transaction under the write lock and appends one sync ledger row.

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

type preparedVulnerability struct {
	vuln               types.Vulnerability
	raw                string
	deactivateMetadata any
	relatedVulns       string
	relatedURLs        string
	elements           []elementRow
}

// prepareVulnerability does the serialization work that needs no lock.
func prepareVulnerability(obj payload.Object) (preparedVulnerability, error) {
	vuln := types.Vulnerability{Raw: obj}
	p := preparedVulnerability{vuln: vuln}

	var err error
	if p.raw, err = payload.CanonicalString(obj); err != nil {
		return p, err
	}
	if vuln.IsDeactivated() {
		meta, err := payload.CanonicalString(obj["deactivateMetadata"])
		if err != nil {
			return p, err
		}
		p.deactivateMetadata = meta
	}
	if p.relatedVulns, err = payload.CanonicalString(vuln.RelatedVulns()); err != nil {
		return p, err
	}
	if p.relatedURLs, err = payload.CanonicalString(vuln.RelatedURLs()); err != nil {
		return p, err
	}
	if p.elements, err = flattenRecord(obj); err != nil {
		return p, err
	}
	return p, nil
}

// classify applies the transition rules in priority order: first sight,
// deactivation gained, deactivation lost, then any payload difference.
func classify(exists, wasDeactivated, isDeactivated bool, storedRaw, incomingRaw string) types.ChangeType {
	switch {
	case !exists:
		return types.ChangeDiscovered
	case !wasDeactivated && isDeactivated:
		return types.ChangeRemediated
	case wasDeactivated && !isDeactivated:
		return types.ChangeReactivated
	case canonicalize(storedRaw) != incomingRaw:
		return types.ChangeUpdated
	default:
		return types.ChangeNone
	}
}

// canonicalize re-encodes stored JSON so rows written with a different key
// order still compare equal. Unparseable text is compared verbatim.
func canonicalize(raw string) string {
	v, err := payload.Parse([]byte(raw))
	if err != nil {
		return raw
	}
	text, err := payload.CanonicalString(v)
	if err != nil {
		return raw
	}
	return text
}

// StoreVulnerabilities upserts records, classifying each against the stored row.
// Records are processed in order inside one transaction, so a repeated id is
// compared against the row its earlier occurrence just wrote. Records without
// an id are skipped but still counted in Total.
func (s *Store) StoreVulnerabilities(ctx context.Context, records []payload.Object, trackChanges bool) (types.StoreResult, error) {
	prepared := make([]preparedVulnerability, 0, len(records))
	for _, obj := range records {
		if (types.Vulnerability{Raw: obj}).ID() == "" {
			continue
		}
		p, err := prepareVulnerability(obj)
		if err != nil {
			return types.StoreResult{}, fmt.Errorf("store: store vulnerabilities: %w", err)
		}
		prepared = append(prepared, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.StoreResult{}, fmt.Errorf("store: store vulnerabilities: %w", err)
	}
	defer tx.Rollback()

	ts := s.timestamp()
	result := types.StoreResult{Total: len(records)}
	var reactivated int

	for _, p := range prepared {
		change, err := s.storeVulnerability(ctx, tx, p, ts, trackChanges)
		if err != nil {
			return types.StoreResult{}, fmt.Errorf("store: store vulnerabilities: %w", err)
		}

		switch change {
		case types.ChangeDiscovered:
			result.New++
		case types.ChangeRemediated:
			result.Remediated++
		case types.ChangeUpdated:
			result.Updated++
		case types.ChangeReactivated:
			reactivated++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_history
		(run_id, sync_date, vulnerabilities_count, new_count, updated_count, remediated_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullable(RunIDFrom(ctx)), ts, result.Total, result.New, result.Updated, result.Remediated); err != nil {
		return types.StoreResult{}, fmt.Errorf("store: record sync run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.StoreResult{}, fmt.Errorf("store: store vulnerabilities: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"total":       result.Total,
		"new":         result.New,
		"updated":     result.Updated,
		"remediated":  result.Remediated,
		"reactivated": reactivated,
	}).Debug("Stored vulnerabilities")

	return result, nil
}

func (s *Store) storeVulnerability(ctx context.Context, tx *sql.Tx, p preparedVulnerability, ts string, trackChanges bool) (types.ChangeType, error) {
	id := p.vuln.ID()

	var storedRaw, storedMeta sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT raw_data, deactivate_metadata FROM vulnerabilities WHERE id = ?`, id,
	).Scan(&storedRaw, &storedMeta)

	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return types.ChangeNone, fmt.Errorf("lookup %s: %w", id, err)
	}

	change := classify(exists, storedMeta.Valid, p.vuln.IsDeactivated(), storedRaw.String, p.raw)

	obj := p.vuln.Raw
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vulnerabilities (
			id, name, description, integration_id, package_identifier,
			vulnerability_type, target_id, first_detected_date, source_detected_date,
			last_detected_date, severity, cvss_severity_score, scanner_score,
			is_fixable, remediate_by_date, external_url, scan_source,
			deactivate_metadata, related_vulns, related_urls, last_updated, raw_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			integration_id = excluded.integration_id,
			package_identifier = excluded.package_identifier,
			vulnerability_type = excluded.vulnerability_type,
			target_id = excluded.target_id,
			first_detected_date = excluded.first_detected_date,
			source_detected_date = excluded.source_detected_date,
			last_detected_date = excluded.last_detected_date,
			severity = excluded.severity,
			cvss_severity_score = excluded.cvss_severity_score,
			scanner_score = excluded.scanner_score,
			is_fixable = excluded.is_fixable,
			remediate_by_date = excluded.remediate_by_date,
			external_url = excluded.external_url,
			scan_source = excluded.scan_source,
			deactivate_metadata = excluded.deactivate_metadata,
			related_vulns = excluded.related_vulns,
			related_urls = excluded.related_urls,
			last_updated = excluded.last_updated,
			raw_data = excluded.raw_data
	`,
		id,
		textColumn(obj, "name"),
		textColumn(obj, "description"),
		textColumn(obj, "integrationId"),
		textColumn(obj, "packageIdentifier"),
		textColumn(obj, "vulnerabilityType"),
		textColumn(obj, "targetId"),
		textColumn(obj, "firstDetectedDate"),
		textColumn(obj, "sourceDetectedDate"),
		textColumn(obj, "lastDetectedDate"),
		textColumn(obj, "severity"),
		realColumn(obj, "cvssSeverityScore"),
		realColumn(obj, "scannerScore"),
		boolColumn(obj, "isFixable"),
		textColumn(obj, "remediateByDate"),
		textColumn(obj, "externalURL"),
		textColumn(obj, "scanSource"),
		p.deactivateMetadata,
		p.relatedVulns,
		p.relatedURLs,
		ts,
		p.raw,
	); err != nil {
		return types.ChangeNone, fmt.Errorf("upsert %s: %w", id, err)
	}

	if err := replaceElements(ctx, tx, types.RecordTypeVulnerability, id, p.elements, ts); err != nil {
		return types.ChangeNone, err
	}

	if trackChanges && change != types.ChangeNone {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vulnerability_history
			(vuln_id, name, severity, is_deactivated, deactivation_date, snapshot_date, change_type, raw_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			id,
			textColumn(obj, "name"),
			textColumn(obj, "severity"),
			p.vuln.IsDeactivated(),
			nullable(p.vuln.DeactivatedOnDate()),
			ts,
			string(change),
			p.raw,
		); err != nil {
			return types.ChangeNone, fmt.Errorf("append history for %s: %w", id, err)
		}
	}

	return change, nil
}
