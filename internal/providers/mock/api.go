// ABOUTME: In-process fake of the remote vulnerability API for local testing and development.
// ABOUTME: Serves the token endpoint and cursor-paginated vulnerability and remediation listings.

package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	ClientID     = "mock-client-id"
	ClientSecret = "mock-client-secret"
	accessToken  = "mock-access-token"
)

type finding struct {
	name        string
	severity    string
	score       float64
	fixable     bool
	packageName string
	related     []string
}

// Catalog of findings per asset profile
var profiles = map[string][]finding{
	"web-frontend": {
		{"CVE-2023-44487", "HIGH", 7.5, true, "nginx", []string{"GHSA-qppj-fm5r-hxr3"}},
		{"CVE-2023-38545", "CRITICAL", 9.8, true, "curl", nil},
		{"CVE-2022-40897", "MEDIUM", 5.9, false, "setuptools", nil},
	},
	"api-backend": {
		{"CVE-2023-32681", "MEDIUM", 6.1, true, "requests", []string{"GHSA-j8r2-6x86-q33q"}},
		{"CVE-2023-43804", "HIGH", 8.1, true, "urllib3", nil},
	},
	"postgres-db": {
		{"CVE-2023-39417", "HIGH", 8.8, true, "postgresql", nil},
		{"CVE-2023-2454", "LOW", 3.1, false, "postgresql", nil},
	},
	"worker-service": {
		{"CVE-2023-4911", "CRITICAL", 9.8, true, "glibc", nil},
		{"CVE-2023-29491", "MEDIUM", 5.3, false, "ncurses", nil},
	},
}

// API is an http.Handler that behaves like the remote API with generated data
type API struct {
	mu              sync.Mutex
	vulnerabilities []payload.Object
	remediations    []payload.Object
	logger          *logrus.Logger
	now             func() time.Time
}

// NewAPI creates a fake API seeded from the finding catalog. Every third
// finding starts out deactivated with a matching remediation record.
func NewAPI(logger *logrus.Logger) *API {
	a := &API{
		logger: logger,
		now:    time.Now,
	}
	a.seed(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return a
}

func (a *API) seed(base time.Time) {
	assets := []string{"api-backend", "postgres-db", "web-frontend", "worker-service"}

	n := 0
	for _, asset := range assets {
		for _, f := range profiles[asset] {
			n++
			id := fmt.Sprintf("vuln-%03d", n)
			detected := base.Add(time.Duration(n) * 24 * time.Hour)

			related := make(payload.Array, len(f.related))
			for i, r := range f.related {
				related[i] = payload.String(r)
			}

			v := payload.Object{
				"id":                 payload.String(id),
				"name":               payload.String(f.name),
				"description":        payload.String(fmt.Sprintf("%s in %s", f.name, f.packageName)),
				"integrationId":      payload.String("mock-scanner"),
				"packageIdentifier":  payload.String(f.packageName),
				"vulnerabilityType":  payload.String("COMMON"),
				"targetId":           payload.String(asset),
				"firstDetectedDate":  payload.String(detected.Format(time.RFC3339)),
				"sourceDetectedDate": payload.String(detected.Format(time.RFC3339)),
				"lastDetectedDate":   payload.String(detected.Add(48 * time.Hour).Format(time.RFC3339)),
				"severity":           payload.String(f.severity),
				"cvssSeverityScore":  payload.Number(strconv.FormatFloat(f.score, 'f', 1, 64)),
				"scannerScore":       payload.Null{},
				"isFixable":          payload.Bool(f.fixable),
				"remediateByDate":    payload.String(detected.Add(30 * 24 * time.Hour).Format(time.RFC3339)),
				"relatedVulns":       related,
				"relatedUrls":        payload.Array{payload.String("https://nvd.nist.gov/vuln/detail/" + f.name)},
				"externalURL":        payload.String("https://scanner.example.com/findings/" + id),
				"scanSource":         payload.String("mock"),
				"deactivateMetadata": payload.Null{},
			}
			a.vulnerabilities = append(a.vulnerabilities, v)

			if n%3 == 0 {
				a.deactivate(v, detected.Add(10*24*time.Hour))
			}
		}
	}
}

func (a *API) deactivate(v payload.Object, at time.Time) {
	v["deactivateMetadata"] = payload.Object{
		"deactivatedOnDate":             payload.String(at.Format(time.RFC3339)),
		"deactivationReason":            payload.String("Fixed in newer image"),
		"isVulnDeactivatedIndefinitely": payload.Bool(false),
	}

	id := v.Str("id")
	onTime := at.Before(mustParse(v.Str("remediateByDate")))
	status := "REMEDIATED_ON_TIME"
	if !onTime {
		status = "REMEDIATED_LATE"
	}
	a.remediations = append(a.remediations, payload.Object{
		"id":                 payload.String("rem-" + strings.TrimPrefix(id, "vuln-")),
		"vulnerabilityId":    payload.String(id),
		"vulnerableAssetId":  v["targetId"],
		"severity":           v["severity"],
		"detectedDate":       v["firstDetectedDate"],
		"slaDeadlineDate":    v["remediateByDate"],
		"remediationDate":    payload.String(at.Format(time.RFC3339)),
		"isRemediatedOnTime": payload.Bool(onTime),
		"integrationId":      payload.String("mock-scanner"),
		"integrationType":    payload.String("mock"),
		"status":             payload.String(status),
	})
}

func mustParse(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t
}

// Remediate marks an active vulnerability deactivated now, as if a scanner
// had stopped reporting it. It reports whether the id was found active.
func (a *API) Remediate(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, v := range a.vulnerabilities {
		if v.Str("id") == id && !v.Has("deactivateMetadata") {
			a.deactivate(v, a.now().UTC())
			return true
		}
	}
	return false
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := a.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})

	switch r.URL.Path {
	case "/oauth/token":
		a.serveToken(w, r)
		return
	case "/v1/vulnerabilities", "/v1/vulnerability-remediations":
	default:
		http.NotFound(w, r)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+accessToken {
		logger.Debug("Rejecting request without mock token")
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	a.mu.Lock()
	records := a.vulnerabilities
	if r.URL.Path == "/v1/vulnerability-remediations" {
		records = a.remediations
	} else {
		wantDeactivated := strings.EqualFold(r.URL.Query().Get("isDeactivated"), "true")
		records = filterDeactivated(records, wantDeactivated)
	}
	data, hasNext, endCursor := paginate(records, r.URL.Query().Get("pageCursor"), r.URL.Query().Get("pageSize"))

	// Encode under the lock since Remediate mutates records in place
	body, err := json.Marshal(map[string]any{
		"results": map[string]any{
			"data": data,
			"pageInfo": map[string]any{
				"hasNextPage": hasNext,
				"endCursor":   endCursor,
			},
		},
	})
	a.mu.Unlock()

	if err != nil {
		logger.WithError(err).Error("Failed to encode mock page")
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	logger.WithField("records", len(data)).Debug("Serving mock page")

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (a *API) serveToken(w http.ResponseWriter, r *http.Request) {
	var clientID, clientSecret string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		clientID, clientSecret = body.ClientID, body.ClientSecret
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}

	if clientID != ClientID || clientSecret != ClientSecret {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func filterDeactivated(records []payload.Object, deactivated bool) []payload.Object {
	var out []payload.Object
	for _, v := range records {
		if v.Has("deactivateMetadata") == deactivated {
			out = append(out, v)
		}
	}
	return out
}

// paginate treats the cursor as an offset into records
func paginate(records []payload.Object, cursor, size string) ([]payload.Object, bool, string) {
	offset, _ := strconv.Atoi(cursor)
	pageSize, err := strconv.Atoi(size)
	if err != nil || pageSize <= 0 {
		pageSize = 100
	}
	if offset < 0 || offset > len(records) {
		offset = len(records)
	}

	end := min(offset+pageSize, len(records))
	page := make([]payload.Object, end-offset)
	copy(page, records[offset:end])

	if end < len(records) {
		return page, true, strconv.Itoa(end)
	}
	return page, false, ""
}

// CredentialSource returns the fixed credentials the fake API accepts
type CredentialSource struct {
	logger *logrus.Logger
}

// NewCredentialSource creates a mock credential source
func NewCredentialSource(logger *logrus.Logger) *CredentialSource {
	return &CredentialSource{logger: logger}
}

// Name returns the source name
func (c *CredentialSource) Name() string {
	return "mock"
}

// Credentials returns the mock pair
func (c *CredentialSource) Credentials(_ context.Context) (types.Credentials, error) {
	c.logger.Debug("Using mock API credentials")
	return types.Credentials{ClientID: ClientID, ClientSecret: ClientSecret}, nil
}
