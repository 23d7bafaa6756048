// ABOUTME: Tests for the paginated Vanta client against an httptest server.
// ABOUTME: Covers cursor traversal, 429 handling, authentication failures, and filter passthrough.

package vanta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageRequest struct {
	Cursor   string
	PageSize string
	Query    map[string]string
	Auth     string
}

// fakeAPI serves the token endpoint and hands out scripted page responses in order.
type fakeAPI struct {
	mu          sync.Mutex
	tokenStatus int
	tokenCalls  int
	tokenType   string
	tokenFields map[string]string
	pages       []func(w http.ResponseWriter)
	requests    []pageRequest
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/oauth/token" {
		f.tokenCalls++
		f.tokenType = r.Header.Get("Content-Type")
		f.tokenFields = map[string]string{}
		if strings.HasPrefix(f.tokenType, "application/json") {
			_ = json.NewDecoder(r.Body).Decode(&f.tokenFields)
		} else if err := r.ParseForm(); err == nil {
			for k := range r.PostForm {
				f.tokenFields[k] = r.PostForm.Get(k)
			}
		}
		if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
		return
	}

	query := make(map[string]string)
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}
	f.requests = append(f.requests, pageRequest{
		Cursor:   r.URL.Query().Get("pageCursor"),
		PageSize: r.URL.Query().Get("pageSize"),
		Query:    query,
		Auth:     r.Header.Get("Authorization"),
	})

	if len(f.pages) == 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	next := f.pages[0]
	f.pages = f.pages[1:]
	next(w)
}

func (f *fakeAPI) pageRequests() []pageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pageRequest(nil), f.requests...)
}

func (f *fakeAPI) tokenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func (f *fakeAPI) tokenRequest() (string, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenType, f.tokenFields
}

func (f *fakeAPI) enqueue(pages ...func(w http.ResponseWriter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, pages...)
}

func page(ids []string, hasNext bool, cursor string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		data := make([]map[string]any, len(ids))
		for i, id := range ids {
			data[i] = map[string]any{"id": id, "name": "CVE-" + id}
		}
		body := map[string]any{
			"results": map[string]any{
				"data":     data,
				"pageInfo": map[string]any{"hasNextPage": hasNext, "endCursor": cursor},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func rateLimited(retryAfter string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, api *fakeAPI, creds types.Credentials, opts ...Option) (*Client, *sleepRecorder) {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	recorder := &sleepRecorder{}
	client := NewClient(server.URL, creds, logger, append([]Option{
		WithSleep(recorder.sleep),
		WithPageDelay(500 * time.Millisecond),
		WithTimeout(5 * time.Second),
	}, opts...)...)
	return client, recorder
}

var testCreds = types.Credentials{ClientID: "client", ClientSecret: "secret"}

func ids(records []payload.Object) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Str("id")
	}
	return out
}

func TestFetchAll_WalksCursorPages(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){
		page([]string{"1", "2"}, true, "c1"),
		page([]string{"3"}, true, "c2"),
		page([]string{"4", "5"}, false, ""),
	}}
	client, sleeps := newTestClient(t, api, testCreds)

	var batches [][]string
	records, err := client.FetchVulnerabilities(context.Background(), 2, nil, func(batch []payload.Object) error {
		batches = append(batches, ids(batch))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(records))
	assert.Equal(t, [][]string{{"1", "2"}, {"3"}, {"4", "5"}}, batches)

	reqs := api.pageRequests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "", reqs[0].Cursor)
	assert.Equal(t, "c1", reqs[1].Cursor)
	assert.Equal(t, "c2", reqs[2].Cursor)
	for _, r := range reqs {
		assert.Equal(t, "2", r.PageSize)
		assert.Equal(t, "Bearer test-token", r.Auth)
	}

	// The fixed inter-page delay applies after every page, including the last
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}, sleeps.delays)
}

func TestFetchAll_RetriesSamePageAfterRateLimit(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){
		page([]string{"a"}, true, "next"),
		rateLimited("7"),
		page([]string{"b", "c"}, false, ""),
	}}
	client, sleeps := newTestClient(t, api, testCreds)

	var batches int
	records, err := client.FetchAll(context.Background(), VulnerabilitiesEndpoint, 100, nil, func(batch []payload.Object) error {
		batches++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, ids(records))
	assert.Equal(t, 2, batches)

	reqs := api.pageRequests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "next", reqs[1].Cursor)
	assert.Equal(t, "next", reqs[2].Cursor, "the rate-limited page is requested again with the same cursor")

	assert.Equal(t, []time.Duration{500 * time.Millisecond, 7 * time.Second, 500 * time.Millisecond}, sleeps.delays)
}

func TestFetchAll_RateLimitWithoutRetryAfterUsesDefault(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){
		rateLimited(""),
		page([]string{"a"}, false, ""),
	}}
	client, sleeps := newTestClient(t, api, testCreds)

	records, err := client.FetchAll(context.Background(), RemediationsEndpoint, 10, nil, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	require.NotEmpty(t, sleeps.delays)
	assert.Equal(t, DefaultRetryAfter, sleeps.delays[0])
}

func TestRetryAfterDelay(t *testing.T) {
	client := NewClient("http://example.invalid", testCreds, logrus.New())

	assert.Equal(t, 3*time.Second, client.retryAfterDelay("3"))
	assert.Equal(t, DefaultRetryAfter, client.retryAfterDelay(""))
	assert.Equal(t, DefaultRetryAfter, client.retryAfterDelay("soon"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	wait := client.retryAfterDelay(future)
	assert.Greater(t, wait, 25*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)
}

func TestFetchAll_AuthenticationFailureBeforeAnyPage(t *testing.T) {
	api := &fakeAPI{
		tokenStatus: http.StatusUnauthorized,
		pages:       []func(http.ResponseWriter){page([]string{"1"}, false, "")},
	}
	client, _ := newTestClient(t, api, testCreds)

	_, err := client.FetchVulnerabilities(context.Background(), 100, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Empty(t, api.pageRequests())
}

func TestFetchAll_MissingCredentials(t *testing.T) {
	api := &fakeAPI{}
	client, _ := newTestClient(t, api, types.Credentials{ClientID: "only-id"})

	_, err := client.FetchVulnerabilities(context.Background(), 100, nil, nil)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 0, api.tokenCount())
}

func TestFetchAll_NonSuccessStatusIsFatal(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){
		func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		},
	}}
	client, _ := newTestClient(t, api, testCreds)

	_, err := client.FetchVulnerabilities(context.Background(), 100, nil, nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, VulnerabilitiesEndpoint, statusErr.Endpoint)
	assert.Contains(t, statusErr.Body, "upstream down")
}

func TestFetchAll_PassesNonNilFilters(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){page(nil, false, "")}}
	client, _ := newTestClient(t, api, testCreds)

	_, err := client.FetchVulnerabilities(context.Background(), 50, Filters{
		"isDeactivated": true,
		"severity":      nil,
		"integrationId": "snyk",
	}, nil)
	require.NoError(t, err)

	reqs := api.pageRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "true", reqs[0].Query["isDeactivated"])
	assert.Equal(t, "snyk", reqs[0].Query["integrationId"])
	assert.NotContains(t, reqs[0].Query, "severity")
	assert.NotContains(t, reqs[0].Query, "pageCursor")
}

func TestFetchAll_EmptyPageSkipsCallback(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){page(nil, false, "")}}
	client, _ := newTestClient(t, api, testCreds)

	called := false
	records, err := client.FetchVulnerabilities(context.Background(), 100, nil, func([]payload.Object) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, called)
}

func TestFetchAll_CallbackErrorAborts(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){
		page([]string{"1"}, true, "c1"),
		page([]string{"2"}, false, ""),
	}}
	client, _ := newTestClient(t, api, testCreds)

	boom := errors.New("boom")
	_, err := client.FetchVulnerabilities(context.Background(), 100, nil, func([]payload.Object) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, api.pageRequests(), 1)
}

func TestFetchAll_NextPageWithoutCursorFails(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){page([]string{"1"}, true, "")}}
	client, _ := newTestClient(t, api, testCreds)

	_, err := client.FetchVulnerabilities(context.Background(), 100, nil, nil)
	assert.Error(t, err)
}

func TestSession_ReusesTokenAcrossFetches(t *testing.T) {
	api := &fakeAPI{pages: []func(http.ResponseWriter){
		page([]string{"1"}, false, ""),
		page([]string{"2"}, false, ""),
	}}
	client, _ := newTestClient(t, api, testCreds)

	for i := 0; i < 2; i++ {
		_, err := client.FetchVulnerabilities(context.Background(), 100, nil, nil)
		require.NoError(t, err, "fetch %d", i)
	}
	assert.Equal(t, 1, api.tokenCount())

	client.Session().Invalidate()
	api.enqueue(page(nil, false, ""))
	_, err := client.FetchRemediations(context.Background(), 100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, api.tokenCount())
}

func TestSession_TokenRequestEncoding(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		contentType string
	}{
		{name: "json by default", contentType: "application/json"},
		{name: "form when requested", opts: []Option{WithTokenEncoding(TokenForm)}, contentType: "application/x-www-form-urlencoded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{pages: []func(http.ResponseWriter){page([]string{"1"}, false, "")}}
			client, _ := newTestClient(t, api, testCreds, tt.opts...)

			_, err := client.FetchVulnerabilities(context.Background(), 100, nil, nil)
			require.NoError(t, err)

			contentType, fields := api.tokenRequest()
			assert.True(t, strings.HasPrefix(contentType, tt.contentType), contentType)
			assert.Equal(t, "client", fields["client_id"])
			assert.Equal(t, "secret", fields["client_secret"])
			assert.Equal(t, ReadScope, fields["scope"])
			assert.Equal(t, "client_credentials", fields["grant_type"])
		})
	}
}

func TestSession_JSONTokenExpiry(t *testing.T) {
	api := &fakeAPI{}
	client, _ := newTestClient(t, api, testCreds)

	session := client.Session()
	issued := time.Now().Add(24 * time.Hour).UTC()
	session.now = func() time.Time { return issued }

	token, err := session.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-token", token)
	assert.Equal(t, issued.Add(3600*time.Second), session.token.Expiry)

	_, err = session.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, api.tokenCount(), "an unexpired token is reused")
}
