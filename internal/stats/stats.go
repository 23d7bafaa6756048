// ABOUTME: Stateless filtering and aggregation over materialized vulnerability records.
// ABOUTME: Criteria are conjunctive; aggregates bucket missing severity and integration as UNKNOWN.

package stats

import (
	"fmt"
	"strings"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/samber/lo"
)

// Criteria narrows a record set. Zero-valued fields are ignored.
type Criteria struct {
	IdentifiedStart *time.Time
	IdentifiedEnd   *time.Time
	RemediatedStart *time.Time
	RemediatedEnd   *time.Time
	Severities      []string
	CVE             string
	AssetID         string
}

// Stats is the aggregate view of a record set.
type Stats struct {
	TotalCount            int                `json:"total_count"`
	BySeverity            map[string]int     `json:"by_severity"`
	ByIntegration         map[string]int     `json:"by_integration"`
	Fixable               int                `json:"fixable"`
	NotFixable            int                `json:"not_fixable"`
	Active                int                `json:"active"`
	Deactivated           int                `json:"deactivated"`
	UniqueAssetsCount     int                `json:"unique_assets_count"`
	UniqueCVEsCount       int                `json:"unique_cves_count"`
	AverageCVSSBySeverity map[string]float64 `json:"average_cvss_by_severity"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime reads an ISO-8601 timestamp. A trailing Z is UTC and values
// without an offset are taken as UTC.
func ParseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", value)
}

// RemediatedDate returns deactivateMetadata.deactivatedOnDate, the only
// source of a remediation date for filtering.
func RemediatedDate(v types.Vulnerability) string {
	return v.DeactivatedOnDate()
}

// Filter applies each set criterion in turn and returns the matching records.
func Filter(records []types.Vulnerability, c Criteria) []types.Vulnerability {
	filtered := records

	if c.IdentifiedStart != nil || c.IdentifiedEnd != nil {
		filtered = lo.Filter(filtered, func(v types.Vulnerability, _ int) bool {
			return inRange(v.FirstDetectedDate(), c.IdentifiedStart, c.IdentifiedEnd)
		})
	}

	if c.RemediatedStart != nil || c.RemediatedEnd != nil {
		filtered = lo.Filter(filtered, func(v types.Vulnerability, _ int) bool {
			return inRange(RemediatedDate(v), c.RemediatedStart, c.RemediatedEnd)
		})
	}

	if len(c.Severities) > 0 {
		wanted := lo.Map(c.Severities, func(s string, _ int) string { return strings.ToUpper(s) })
		filtered = lo.Filter(filtered, func(v types.Vulnerability, _ int) bool {
			return v.Severity() != "" && lo.Contains(wanted, strings.ToUpper(v.Severity()))
		})
	}

	if c.CVE != "" {
		token := strings.ToUpper(c.CVE)
		filtered = lo.Filter(filtered, func(v types.Vulnerability, _ int) bool {
			if strings.Contains(strings.ToUpper(v.Name()), token) {
				return true
			}
			related, err := payload.CanonicalString(v.RelatedVulns())
			return err == nil && strings.Contains(strings.ToUpper(related), token)
		})
	}

	if c.AssetID != "" {
		filtered = lo.Filter(filtered, func(v types.Vulnerability, _ int) bool {
			return v.TargetID() == c.AssetID
		})
	}

	return filtered
}

// inRange reports whether value parses and lies within the inclusive bounds.
func inRange(value string, start, end *time.Time) bool {
	if value == "" {
		return false
	}
	t, err := ParseTime(value)
	if err != nil {
		return false
	}
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}

// Aggregate computes counts and mean CVSS scores. Severity buckets in the
// mean map are lower-case and present only when at least one record was scored.
func Aggregate(records []types.Vulnerability) Stats {
	stats := Stats{
		TotalCount: len(records),
		BySeverity: lo.CountValuesBy(records, func(v types.Vulnerability) string {
			return v.SeverityOrUnknown()
		}),
		ByIntegration: lo.CountValuesBy(records, func(v types.Vulnerability) string {
			if id := v.IntegrationID(); id != "" {
				return id
			}
			return types.SeverityUnknown
		}),
		Fixable: lo.CountBy(records, func(v types.Vulnerability) bool { return v.IsFixable() }),
		Deactivated: lo.CountBy(records, func(v types.Vulnerability) bool {
			return v.IsDeactivated()
		}),
	}
	stats.NotFixable = stats.TotalCount - stats.Fixable
	stats.Active = stats.TotalCount - stats.Deactivated

	assets := lo.FilterMap(records, func(v types.Vulnerability, _ int) (string, bool) {
		return v.TargetID(), v.TargetID() != ""
	})
	stats.UniqueAssetsCount = len(lo.Uniq(assets))

	names := lo.FilterMap(records, func(v types.Vulnerability, _ int) (string, bool) {
		return v.Name(), v.Name() != ""
	})
	stats.UniqueCVEsCount = len(lo.Uniq(names))

	scored := lo.Filter(records, func(v types.Vulnerability, _ int) bool {
		_, ok := v.CVSSScore()
		return ok
	})
	bySeverity := lo.GroupBy(scored, func(v types.Vulnerability) string {
		return strings.ToLower(v.SeverityOrUnknown())
	})
	stats.AverageCVSSBySeverity = lo.MapValues(bySeverity, func(group []types.Vulnerability, _ string) float64 {
		sum := lo.SumBy(group, func(v types.Vulnerability) float64 {
			score, _ := v.CVSSScore()
			return score
		})
		return sum / float64(len(group))
	})

	return stats
}
