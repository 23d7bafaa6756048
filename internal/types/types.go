// ABOUTME: Common types shared across the VulnLedger system.
// ABOUTME: Defines record views, change events, sync ledger rows, and store results.

package types

import (
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
)

// RecordType identifies which current-state table a payload belongs to
type RecordType string

const (
	RecordTypeVulnerability RecordType = "vulnerability"
	RecordTypeRemediation   RecordType = "vulnerability_remediation"
)

// SeverityUnknown buckets records without a severity
const SeverityUnknown = "UNKNOWN"

// Severities lists the known severities, most severe first
var Severities = []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}

// ChangeType is the lifecycle transition recorded in vulnerability history
type ChangeType string

const (
	ChangeNone        ChangeType = ""
	ChangeDiscovered  ChangeType = "discovered"
	ChangeUpdated     ChangeType = "updated"
	ChangeRemediated  ChangeType = "remediated"
	ChangeReactivated ChangeType = "reactivated"
)

// Credentials is the client-credentials pair used to obtain a bearer token
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Valid reports whether both halves of the pair are set
func (c Credentials) Valid() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Vulnerability is a typed view over a vulnerability payload
type Vulnerability struct {
	Raw payload.Object
}

func (v Vulnerability) ID() string { return v.Raw.Str("id") }
func (v Vulnerability) Name() string { return v.Raw.Str("name") }
func (v Vulnerability) IntegrationID() string { return v.Raw.Str("integrationId") }
func (v Vulnerability) PackageIdentifier() string { return v.Raw.Str("packageIdentifier") }
func (v Vulnerability) TargetID() string { return v.Raw.Str("targetId") }
func (v Vulnerability) FirstDetectedDate() string { return v.Raw.Str("firstDetectedDate") }
func (v Vulnerability) IsFixable() bool { return v.Raw.Truthy("isFixable") }

// Severity returns the raw severity string, empty when absent
func (v Vulnerability) Severity() string { return v.Raw.Str("severity") }

// SeverityOrUnknown returns the severity with a missing value bucketed as UNKNOWN
func (v Vulnerability) SeverityOrUnknown() string {
	if s := v.Severity(); s != "" {
		return s
	}
	return SeverityUnknown
}

// CVSSScore returns the CVSS severity score when present
func (v Vulnerability) CVSSScore() (float64, bool) { return v.Raw.Num("cvssSeverityScore") }

// IsDeactivated reports whether deactivateMetadata is present, which marks the record remediated
func (v Vulnerability) IsDeactivated() bool { return v.Raw.Has("deactivateMetadata") }

// DeactivateMetadata returns the deactivation object
func (v Vulnerability) DeactivateMetadata() (payload.Object, bool) {
	return v.Raw.Obj("deactivateMetadata")
}

// DeactivatedOnDate returns deactivateMetadata.deactivatedOnDate, the remediation date
func (v Vulnerability) DeactivatedOnDate() string {
	meta, ok := v.DeactivateMetadata()
	if !ok {
		return ""
	}
	return meta.Str("deactivatedOnDate")
}

// RelatedVulns returns relatedVulns, or an empty array when absent
func (v Vulnerability) RelatedVulns() payload.Array { return arrayOrEmpty(v.Raw, "relatedVulns") }

// RelatedURLs returns relatedUrls, or an empty array when absent
func (v Vulnerability) RelatedURLs() payload.Array { return arrayOrEmpty(v.Raw, "relatedUrls") }

// Remediation is a typed view over a vulnerability remediation payload
type Remediation struct {
	Raw payload.Object
}

func (r Remediation) ID() string { return r.Raw.Str("id") }
func (r Remediation) VulnerabilityID() string { return r.Raw.Str("vulnerabilityId") }
func (r Remediation) VulnerableAssetID() string { return r.Raw.Str("vulnerableAssetId") }
func (r Remediation) Severity() string { return r.Raw.Str("severity") }
func (r Remediation) DetectedDate() string { return r.Raw.Str("detectedDate") }
func (r Remediation) RemediationDate() string { return r.Raw.Str("remediationDate") }
func (r Remediation) IntegrationID() string { return r.Raw.Str("integrationId") }
func (r Remediation) Status() string { return r.Raw.Str("status") }

// RemediatedOnTime returns isRemediatedOnTime when present
func (r Remediation) RemediatedOnTime() (value bool, ok bool) {
	b, isBool := r.Raw["isRemediatedOnTime"].(payload.Bool)
	return bool(b), isBool
}

// ChangeEvent is one append-only history row
type ChangeEvent struct {
	ID               int64          `json:"id"`
	VulnID           string         `json:"vuln_id"`
	Name             string         `json:"name"`
	Severity         string         `json:"severity"`
	IsDeactivated    bool           `json:"is_deactivated"`
	DeactivationDate string         `json:"deactivation_date,omitempty"`
	SnapshotDate     time.Time      `json:"snapshot_date"`
	ChangeType       ChangeType     `json:"change_type"`
	Payload          payload.Object `json:"payload"`
}

// SyncRun is one append-only ledger row written per store call
type SyncRun struct {
	ID              int64     `json:"id"`
	RunID           string    `json:"run_id,omitempty"`
	SyncDate        time.Time `json:"sync_date"`
	TotalCount      int       `json:"vulnerabilities_count"`
	NewCount        int       `json:"new_count"`
	UpdatedCount    int       `json:"updated_count"`
	RemediatedCount int       `json:"remediated_count"`
}

// StoreResult summarises one store call, or the sum of several.
// Reactivations are recorded as history events but have no counter.
type StoreResult struct {
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Remediated int `json:"remediated"`
	Total      int `json:"total"`
}

// Add returns the field-wise sum of r and other
func (r StoreResult) Add(other StoreResult) StoreResult {
	return StoreResult{
		New:        r.New + other.New,
		Updated:    r.Updated + other.Updated,
		Remediated: r.Remediated + other.Remediated,
		Total:      r.Total + other.Total,
	}
}

// SyncSummary describes one completed sync run
type SyncSummary struct {
	RunID                  string        `json:"run_id"`
	StartedAt              time.Time     `json:"started_at"`
	Duration               time.Duration `json:"duration"`
	VulnerabilitiesFetched int           `json:"vulnerabilities_fetched"`
	Vulnerabilities        StoreResult   `json:"vulnerabilities"`
	RemediationsFetched    int           `json:"remediations_fetched"`
	Remediations           StoreResult   `json:"remediations"`
	ArchiveURIs            []string      `json:"archive_uris,omitempty"`
}

func arrayOrEmpty(obj payload.Object, key string) payload.Array {
	if arr, ok := obj[key].(payload.Array); ok {
		return arr
	}
	return payload.Array{}
}
