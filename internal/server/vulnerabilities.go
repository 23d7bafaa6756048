// ABOUTME: HTTP handlers for the vulnerability listing and statistics endpoints.
// ABOUTME: Applies query filters to the stored vulnerability state and summarises the result.

package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/stats"
	"github.com/jfeddern/VulnLedger/internal/types"

	"github.com/sirupsen/logrus"
)

type VulnerabilityDataProvider interface {
	Vulnerabilities(ctx context.Context) ([]types.Vulnerability, error)
	LastUpdateTime(ctx context.Context) (time.Time, bool, error)
}

type VulnerabilitiesHandler struct {
	collector VulnerabilityDataProvider
	logger    *logrus.Logger
}

type VulnerabilitiesResponse struct {
	Vulnerabilities []payload.Object     `json:"vulnerabilities"`
	Count           int                  `json:"count"`
	Summary         VulnerabilitySummary `json:"summary"`
	LastUpdated     string               `json:"last_updated"`
}

type VulnerabilitySummary struct {
	TotalStored       int            `json:"total_stored"`
	TotalMatched      int            `json:"total_matched"`
	SeverityBreakdown map[string]int `json:"severity_breakdown"`
	TopCVEs           []CVESummary   `json:"top_cves"`
}

type CVESummary struct {
	Name       string `json:"name"`
	Severity   string `json:"severity"`
	AssetCount int    `json:"asset_count"`
}

var severityPriority = map[string]int{"CRITICAL": 4, "HIGH": 3, "MEDIUM": 2, "LOW": 1}

func NewVulnerabilitiesHandler(collector VulnerabilityDataProvider, logger *logrus.Logger) *VulnerabilitiesHandler {
	return &VulnerabilitiesHandler{
		collector: collector,
		logger:    logger,
	}
}

func (v *VulnerabilitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := v.logger.WithField("endpoint", "/vulnerabilities")

	criteria, err := parseCriteria(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	all, lastUpdated, ok := v.load(w, r, logger)
	if !ok {
		return
	}

	filtered := stats.Filter(all, criteria)

	logger.WithFields(logrus.Fields{
		"severity_filter": criteria.Severities,
		"cve_filter":      criteria.CVE,
		"asset_filter":    criteria.AssetID,
		"limit":           limit,
		"total_stored":    len(all),
	}).Debug("Processing vulnerabilities request")

	page := filtered
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}

	records := make([]payload.Object, len(page))
	for i, vuln := range page {
		records[i] = vuln.Raw
	}

	topCVEs := topCVEs(filtered)

	response := VulnerabilitiesResponse{
		Vulnerabilities: records,
		Count:           len(records),
		Summary: VulnerabilitySummary{
			TotalStored:       len(all),
			TotalMatched:      len(filtered),
			SeverityBreakdown: stats.Aggregate(filtered).BySeverity,
			TopCVEs:           topCVEs,
		},
		LastUpdated: lastUpdated,
	}

	writeJSON(w, r, logger, response)

	logger.WithFields(logrus.Fields{
		"matched":  len(filtered),
		"returned": len(records),
		"top_cves": len(topCVEs),
	}).Info("Served vulnerabilities response")
}

func (v *VulnerabilitiesHandler) load(w http.ResponseWriter, r *http.Request, logger *logrus.Entry) ([]types.Vulnerability, string, bool) {
	all, err := v.collector.Vulnerabilities(r.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to read vulnerabilities")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, "", false
	}

	last, ok, err := v.collector.LastUpdateTime(r.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to read last update time")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, "", false
	}

	return all, formatTimestamp(last, ok), true
}

// topCVEs ranks vulnerability names by the number of distinct assets they affect
func topCVEs(records []types.Vulnerability) []CVESummary {
	assets := make(map[string]map[string]struct{})
	severity := make(map[string]string)

	for _, v := range records {
		name := v.Name()
		if name == "" {
			continue
		}
		if assets[name] == nil {
			assets[name] = make(map[string]struct{})
			severity[name] = v.SeverityOrUnknown()
		}
		assets[name][v.TargetID()] = struct{}{}
	}

	cves := make([]CVESummary, 0, len(assets))
	for name, targets := range assets {
		cves = append(cves, CVESummary{Name: name, Severity: severity[name], AssetCount: len(targets)})
	}
	sort.Slice(cves, func(i, j int) bool {
		if cves[i].AssetCount != cves[j].AssetCount {
			return cves[i].AssetCount > cves[j].AssetCount
		}
		// Secondary sort by severity priority
		if severityPriority[cves[i].Severity] != severityPriority[cves[j].Severity] {
			return severityPriority[cves[i].Severity] > severityPriority[cves[j].Severity]
		}
		return cves[i].Name < cves[j].Name
	})

	// Limit top CVEs to 10
	if len(cves) > 10 {
		cves = cves[:10]
	}
	return cves
}

// CreateVulnerabilitiesHandler creates a standard HTTP handler
func CreateVulnerabilitiesHandler(dataProvider VulnerabilityDataProvider, logger *logrus.Logger) http.HandlerFunc {
	handler := NewVulnerabilitiesHandler(dataProvider, logger)
	return handler.ServeHTTP
}

// StatsResponse is the aggregate view of the filtered vulnerabilities
type StatsResponse struct {
	stats.Stats
	LastUpdated string `json:"last_updated"`
}

// CreateStatsHandler creates the /stats handler, which accepts the same filters as /vulnerabilities
func CreateStatsHandler(dataProvider VulnerabilityDataProvider, logger *logrus.Logger) http.HandlerFunc {
	handler := NewVulnerabilitiesHandler(dataProvider, logger)

	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithField("endpoint", "/stats")

		criteria, err := parseCriteria(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		all, lastUpdated, ok := handler.load(w, r, log)
		if !ok {
			return
		}

		writeJSON(w, r, log, StatsResponse{
			Stats:       stats.Aggregate(stats.Filter(all, criteria)),
			LastUpdated: lastUpdated,
		})
	}
}
