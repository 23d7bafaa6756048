// ABOUTME: Tests for Prometheus metrics handler functionality.
// ABOUTME: Tests metrics generation, label sanitization, and HTTP response format.

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"

	"github.com/sirupsen/logrus"
)

// Mock implementation of VulnerabilityDataProvider
type MockVulnerabilityDataProvider struct {
	data     []types.Vulnerability
	err      error
	lastSync *types.SyncSummary
	syncedAt time.Time
}

func (m *MockVulnerabilityDataProvider) Vulnerabilities(context.Context) ([]types.Vulnerability, error) {
	return m.data, m.err
}

func (m *MockVulnerabilityDataProvider) LastSync() (*types.SyncSummary, time.Time) {
	return m.lastSync, m.syncedAt
}

func mustVuln(t *testing.T, raw string) types.Vulnerability {
	t.Helper()
	obj, err := payload.ParseObject([]byte(raw))
	if err != nil {
		t.Fatalf("Failed to parse fixture: %v", err)
	}
	return types.Vulnerability{Raw: obj}
}

func TestNewMetricsHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	mockCollector := &MockVulnerabilityDataProvider{}
	handler := NewMetricsHandler(mockCollector, logger)

	if handler.collector != mockCollector {
		t.Errorf("NewMetricsHandler() collector = %v, want %v", handler.collector, mockCollector)
	}

	if handler.logger != logger {
		t.Errorf("NewMetricsHandler() logger mismatch")
	}
}

func TestMetricsHandler_ServeHTTP(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	mockCollector := &MockVulnerabilityDataProvider{
		data: []types.Vulnerability{
			mustVuln(t, `{"id":"v1","name":"CVE-2024-12345","severity":"CRITICAL","targetId":"host-a",
				"integrationId":"snyk","packageIdentifier":"openssl","cvssSeverityScore":9.8,"isFixable":true}`),
			mustVuln(t, `{"id":"v2","name":"CVE-2024-67890","severity":"HIGH","targetId":"host-b",
				"integrationId":"snyk","cvssSeverityScore":7.5}`),
			mustVuln(t, `{"id":"v3","name":"CVE-2023-0001","severity":"HIGH","targetId":"host-a",
				"deactivateMetadata":{"deactivatedOnDate":"2024-02-01T00:00:00Z"}}`),
		},
		lastSync: &types.SyncSummary{
			RunID:                  "run-1",
			Duration:               1500 * time.Millisecond,
			VulnerabilitiesFetched: 3,
			Vulnerabilities:        types.StoreResult{New: 2, Updated: 0, Remediated: 1, Total: 3},
			RemediationsFetched:    1,
			Remediations:           types.StoreResult{New: 1, Total: 1},
		},
		syncedAt: time.Unix(1700000000, 0),
	}

	handler := NewMetricsHandler(mockCollector, logger)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("ServeHTTP() returned status %d, want %d", w.Code, http.StatusOK)
	}

	responseBody := w.Body.String()

	expected := []string{
		`vulnledger_vulnerability_count{severity="CRITICAL",state="active"} 1`,
		`vulnledger_vulnerability_count{severity="HIGH",state="active"} 1`,
		`vulnledger_vulnerability_count{severity="HIGH",state="deactivated"} 1`,
		`vulnledger_integration_vulnerability_count{integration="snyk"} 2`,
		`vulnledger_integration_vulnerability_count{integration="UNKNOWN"} 1`,
		`vulnledger_average_cvss_score{severity="critical"} 9.8`,
		`vulnledger_average_cvss_score{severity="high"} 7.5`,
		`vulnledger_vulnerability_info{fixable="true",id="v1",integration="snyk",name="CVE-2024-12345",package="openssl",severity="CRITICAL",target_id="host-a"} 9.8`,
		`vulnledger_vulnerability_info{fixable="false",id="v2",integration="snyk",name="CVE-2024-67890",package="unknown",severity="HIGH",target_id="host-b"} 7.5`,
		`vulnledger_collection_info{info_type="vulnerabilities_stored"} 3`,
		`vulnledger_collection_info{info_type="unique_assets"} 2`,
		`vulnledger_collection_info{info_type="last_sync_duration_seconds"} 1.5`,
		`vulnledger_last_sync_changes{change="remediated",record_type="vulnerability"} 1`,
		`vulnledger_last_sync_changes{change="new",record_type="vulnerability_remediation"} 1`,
	}
	for _, metric := range expected {
		if !strings.Contains(responseBody, metric) {
			t.Errorf("Expected metric not found in response: %s", metric)
		}
	}

	if strings.Contains(responseBody, `id="v3"`) {
		t.Error("Deactivated vulnerabilities should not be exported as info metrics")
	}
	if strings.Contains(responseBody, `change="remediated",record_type="vulnerability_remediation"`) {
		t.Error("Remediation records have no remediated counter")
	}
}

func TestMetricsHandler_NoSyncYet(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewMetricsHandler(&MockVulnerabilityDataProvider{}, logger)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("ServeHTTP() returned status %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "last_sync_timestamp") {
		t.Error("Expected no sync metrics before the first sync")
	}
	if !strings.Contains(w.Body.String(), `vulnledger_collection_info{info_type="vulnerabilities_stored"} 0`) {
		t.Error("Expected zero stored vulnerabilities")
	}
}

func TestMetricsHandler_ReadError(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewMetricsHandler(&MockVulnerabilityDataProvider{err: errors.New("database is locked")}, logger)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("ServeHTTP() returned status %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMetricsHandler_RepeatedRequests(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	mockCollector := &MockVulnerabilityDataProvider{
		data: []types.Vulnerability{mustVuln(t, `{"id":"v1","severity":"LOW"}`)},
	}
	handler := NewMetricsHandler(mockCollector, logger)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d returned status %d", i, w.Code)
		}
	}

	mockCollector.data = nil
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(w.Body.String(), `id="v1"`) {
		t.Error("Expected stale series to be reset between requests")
	}
}

func TestCreateMetricsHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := CreateMetricsHandler(&MockVulnerabilityDataProvider{}, logger)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("CreateMetricsHandler() returned status %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSanitizeLabelValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal string",
			input:    "normal-value",
			expected: "normal-value",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "unknown",
		},
		{
			name:     "string with newlines",
			input:    "line1\nline2\rline3",
			expected: "line1 line2 line3",
		},
		{
			name:     "string with tabs",
			input:    "value\twith\ttabs",
			expected: "value with tabs",
		},
		{
			name:     "very long string",
			input:    strings.Repeat("a", 250),
			expected: strings.Repeat("a", 200) + "...",
		},
		{
			name:     "string with leading/trailing whitespace",
			input:    "  trimmed  ",
			expected: "trimmed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeLabelValue(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeLabelValue(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
