// ABOUTME: Prometheus metrics exposition for stored vulnerability state and sync results.
// ABOUTME: Defines metrics structure and provides HTTP handler for /metrics endpoint.

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/VulnLedger/internal/stats"
	"github.com/jfeddern/VulnLedger/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type VulnerabilityDataProvider interface {
	Vulnerabilities(ctx context.Context) ([]types.Vulnerability, error)
	LastSync() (*types.SyncSummary, time.Time)
}

type MetricsHandler struct {
	collector VulnerabilityDataProvider
	logger    *logrus.Logger

	// Aggregate metrics
	vulnerabilityCount *prometheus.GaugeVec
	integrationCount   *prometheus.GaugeVec
	averageCVSS        *prometheus.GaugeVec
	collectionInfo     *prometheus.GaugeVec
	syncChanges        *prometheus.GaugeVec

	// Per-record metrics
	vulnerabilityInfo *prometheus.GaugeVec
}

func NewMetricsHandler(collector VulnerabilityDataProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		collector: collector,
		logger:    logger,

		vulnerabilityCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnledger_vulnerability_count",
				Help: "Number of stored vulnerabilities by severity and state",
			},
			[]string{"severity", "state"},
		),

		integrationCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnledger_integration_vulnerability_count",
				Help: "Number of stored vulnerabilities by reporting integration",
			},
			[]string{"integration"},
		),

		averageCVSS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnledger_average_cvss_score",
				Help: "Mean CVSS severity score of scored vulnerabilities by severity",
			},
			[]string{"severity"},
		),

		collectionInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnledger_collection_info",
				Help: "Information about vulnerability data collection",
			},
			[]string{"info_type"},
		),

		syncChanges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnledger_last_sync_changes",
				Help: "Changes recorded by the most recent successful sync",
			},
			[]string{"record_type", "change"},
		),

		vulnerabilityInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnledger_vulnerability_info",
				Help: "Active vulnerability details; value is the CVSS score when known, otherwise 1",
			},
			[]string{"id", "name", "severity", "target_id", "integration", "package", "fixable"},
		),
	}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Create a new registry for this request to avoid conflicts
	registry := prometheus.NewRegistry()

	registry.MustRegister(m.vulnerabilityCount)
	registry.MustRegister(m.integrationCount)
	registry.MustRegister(m.averageCVSS)
	registry.MustRegister(m.collectionInfo)
	registry.MustRegister(m.syncChanges)
	registry.MustRegister(m.vulnerabilityInfo)

	// Reset all metrics to avoid stale data
	m.vulnerabilityCount.Reset()
	m.integrationCount.Reset()
	m.averageCVSS.Reset()
	m.collectionInfo.Reset()
	m.syncChanges.Reset()
	m.vulnerabilityInfo.Reset()

	vulnerabilities, err := m.collector.Vulnerabilities(r.Context())
	if err != nil {
		m.logger.WithError(err).Error("Failed to read vulnerabilities for metrics")
		http.Error(w, "failed to read vulnerabilities", http.StatusInternalServerError)
		return
	}

	isDeactivated := func(v types.Vulnerability, _ int) bool { return v.IsDeactivated() }
	active := lo.Reject(vulnerabilities, isDeactivated)
	deactivated := lo.Filter(vulnerabilities, isDeactivated)
	for state, group := range map[string][]types.Vulnerability{"active": active, "deactivated": deactivated} {
		for severity, count := range lo.CountValuesBy(group, types.Vulnerability.SeverityOrUnknown) {
			m.vulnerabilityCount.WithLabelValues(severity, state).Set(float64(count))
		}
	}

	summary := stats.Aggregate(vulnerabilities)
	for integration, count := range summary.ByIntegration {
		m.integrationCount.WithLabelValues(sanitizeLabelValue(integration)).Set(float64(count))
	}
	for severity, mean := range summary.AverageCVSSBySeverity {
		m.averageCVSS.WithLabelValues(severity).Set(mean)
	}

	for _, v := range active {
		value := float64(1)
		if score, ok := v.CVSSScore(); ok {
			value = score
		}
		m.vulnerabilityInfo.WithLabelValues(
			sanitizeLabelValue(v.ID()),
			sanitizeLabelValue(v.Name()),
			v.SeverityOrUnknown(),
			sanitizeLabelValue(v.TargetID()),
			sanitizeLabelValue(v.IntegrationID()),
			sanitizeLabelValue(v.PackageIdentifier()),
			strconv.FormatBool(v.IsFixable()),
		).Set(value)
	}

	// Collection info
	m.collectionInfo.WithLabelValues("vulnerabilities_stored").Set(float64(summary.TotalCount))
	m.collectionInfo.WithLabelValues("unique_assets").Set(float64(summary.UniqueAssetsCount))
	m.collectionInfo.WithLabelValues("unique_cves").Set(float64(summary.UniqueCVEsCount))
	m.collectionInfo.WithLabelValues("fixable").Set(float64(summary.Fixable))

	if last, finishedAt := m.collector.LastSync(); last != nil {
		m.collectionInfo.WithLabelValues("last_sync_timestamp").Set(float64(finishedAt.Unix()))
		m.collectionInfo.WithLabelValues("last_sync_duration_seconds").Set(last.Duration.Seconds())
		m.collectionInfo.WithLabelValues("vulnerabilities_fetched").Set(float64(last.VulnerabilitiesFetched))
		m.collectionInfo.WithLabelValues("remediations_fetched").Set(float64(last.RemediationsFetched))

		m.setChanges(types.RecordTypeVulnerability, last.Vulnerabilities)
		m.setChanges(types.RecordTypeRemediation, last.Remediations)
	}

	// Serve metrics
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

func (m *MetricsHandler) setChanges(recordType types.RecordType, result types.StoreResult) {
	m.syncChanges.WithLabelValues(string(recordType), "new").Set(float64(result.New))
	m.syncChanges.WithLabelValues(string(recordType), "updated").Set(float64(result.Updated))
	if recordType == types.RecordTypeVulnerability {
		m.syncChanges.WithLabelValues(string(recordType), "remediated").Set(float64(result.Remediated))
	}
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	// Remove newlines and carriage returns
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	// Limit length to prevent excessive label sizes
	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}

// CreateMetricsHandler creates a standard HTTP handler that can be used with http.ServeMux
func CreateMetricsHandler(dataProvider VulnerabilityDataProvider, logger *logrus.Logger) http.HandlerFunc {
	metricsHandler := NewMetricsHandler(dataProvider, logger)
	return metricsHandler.ServeHTTP
}
