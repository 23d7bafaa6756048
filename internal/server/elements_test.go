// ABOUTME: Unit tests for the /elements endpoint.
// ABOUTME: Covers element listing, value lookups, and parameter validation.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockElementProvider struct {
	elements []payload.Element
	ids      []string
	err      error

	gotType  types.RecordType
	gotID    string
	gotPath  string
	gotValue payload.Value
}

func (m *MockElementProvider) DataElements(_ context.Context, recordType types.RecordType, recordID string) ([]payload.Element, error) {
	m.gotType, m.gotID = recordType, recordID
	return m.elements, m.err
}

func (m *MockElementProvider) FindByElement(_ context.Context, recordType types.RecordType, path string, value payload.Value) ([]string, error) {
	m.gotType, m.gotPath, m.gotValue = recordType, path, value
	return m.ids, m.err
}

func TestElementsHandler_ByID(t *testing.T) {
	provider := &MockElementProvider{
		elements: []payload.Element{
			{Path: "id", Value: payload.String("v1")},
			{Path: "cvssSeverityScore", Value: payload.Number("9.8")},
		},
	}
	handler := CreateElementsHandler(provider, testLogger())

	w := get(t, handler, "/elements?id=v1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.RecordTypeVulnerability, provider.gotType)
	assert.Equal(t, "v1", provider.gotID)

	var response map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "v1", response["record_id"])

	elements := response["elements"].([]any)
	require.Len(t, elements, 2)
	assert.Equal(t, map[string]any{"path": "cvssSeverityScore", "value": 9.8}, elements[1])
}

func TestElementsHandler_ByIDEmpty(t *testing.T) {
	handler := CreateElementsHandler(&MockElementProvider{}, testLogger())

	w := get(t, handler, "/elements?id=missing&type=remediation")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"elements":[]`)
	assert.Contains(t, w.Body.String(), `"record_type":"vulnerability_remediation"`)
}

func TestElementsHandler_Search(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected payload.Value
	}{
		{name: "json boolean", query: "path=isFixable&value=true", expected: payload.Bool(true)},
		{name: "json number", query: "path=cvssSeverityScore&value=9.8", expected: payload.Number("9.8")},
		{name: "quoted string", query: "path=severity&value=%22HIGH%22", expected: payload.String("HIGH")},
		{name: "bare string", query: "path=severity&value=HIGH", expected: payload.String("HIGH")},
		{name: "null", query: "path=deactivateMetadata&value=null", expected: payload.Null{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &MockElementProvider{ids: []string{"v1", "v2"}}
			handler := CreateElementsHandler(provider, testLogger())

			w := get(t, handler, "/elements?"+tt.query)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.expected, provider.gotValue)

			var response ElementSearchResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, []string{"v1", "v2"}, response.RecordIDs)
		})
	}
}

func TestElementsHandler_SearchNoMatches(t *testing.T) {
	handler := CreateElementsHandler(&MockElementProvider{}, testLogger())

	w := get(t, handler, "/elements?path=severity&value=LOW")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"record_ids":[]`)
}

func TestElementsHandler_InvalidParameters(t *testing.T) {
	handler := CreateElementsHandler(&MockElementProvider{}, testLogger())

	tests := []struct {
		name  string
		query string
	}{
		{name: "no id or path", query: ""},
		{name: "unknown type", query: "type=asset&id=v1"},
		{name: "path without value", query: "path=severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, handler, "/elements?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestElementsHandler_ReadError(t *testing.T) {
	handler := CreateElementsHandler(&MockElementProvider{err: errors.New("disk I/O error")}, testLogger())

	w := get(t, handler, "/elements?id=v1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = get(t, handler, "/elements?path=severity&value=LOW")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
