// ABOUTME: Query parameter parsing and JSON response helpers shared by the HTTP handlers.
// ABOUTME: Validates filter parameters into stats criteria before any data is read.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/VulnLedger/internal/stats"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	maxLimit       = 10000
	maxFilterValue = 200
)

// parseCriteria reads severity, cve, asset, and the identified/remediated
// date ranges from the query string
func parseCriteria(query url.Values) (stats.Criteria, error) {
	var c stats.Criteria

	if raw := strings.TrimSpace(query.Get("severity")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			if !lo.Contains(types.Severities, s) {
				return stats.Criteria{}, fmt.Errorf("invalid severity filter %q. Must be one of: %s", s, strings.Join(types.Severities, ", "))
			}
			c.Severities = append(c.Severities, s)
		}
	}

	var err error
	if c.CVE, err = boundedValue(query, "cve"); err != nil {
		return stats.Criteria{}, err
	}
	if c.AssetID, err = boundedValue(query, "asset"); err != nil {
		return stats.Criteria{}, err
	}

	for param, target := range map[string]**time.Time{
		"identified_start": &c.IdentifiedStart,
		"identified_end":   &c.IdentifiedEnd,
		"remediated_start": &c.RemediatedStart,
		"remediated_end":   &c.RemediatedEnd,
	} {
		raw := strings.TrimSpace(query.Get(param))
		if raw == "" {
			continue
		}
		parsed, err := stats.ParseTime(raw)
		if err != nil {
			return stats.Criteria{}, fmt.Errorf("invalid %s parameter: %w", param, err)
		}
		*target = &parsed
	}

	return c, nil
}

func boundedValue(query url.Values, param string) (string, error) {
	value := strings.TrimSpace(query.Get(param))
	if len(value) > maxFilterValue {
		return "", fmt.Errorf("%s filter too long. Maximum allowed is %d characters", param, maxFilterValue)
	}
	return value, nil
}

// parseLimit returns 0 when the parameter is absent
func parseLimit(query url.Values) (int, error) {
	raw := strings.TrimSpace(query.Get("limit"))
	if raw == "" {
		return 0, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid limit parameter. Must be a positive integer")
	}
	if parsed > maxLimit {
		return 0, fmt.Errorf("limit parameter too large. Maximum allowed is %d", maxLimit)
	}
	return parsed, nil
}

// writeJSON encodes response, indented when the pretty parameter is set
func writeJSON(w http.ResponseWriter, r *http.Request, logger *logrus.Entry, response any) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	if r.URL.Query().Get("pretty") != "" {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(response); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func formatTimestamp(t time.Time, ok bool) string {
	if !ok {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
