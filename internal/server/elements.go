// ABOUTME: HTTP handler for the flattened data-element index.
// ABOUTME: Lists a record's elements by id, or finds records whose element at a path equals a value.

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"

	"github.com/sirupsen/logrus"
)

type ElementProvider interface {
	DataElements(ctx context.Context, recordType types.RecordType, recordID string) ([]payload.Element, error)
	FindByElement(ctx context.Context, recordType types.RecordType, path string, value payload.Value) ([]string, error)
}

type ElementResponse struct {
	Path  string        `json:"path"`
	Value payload.Value `json:"value"`
}

type ElementsResponse struct {
	RecordType types.RecordType  `json:"record_type"`
	RecordID   string            `json:"record_id"`
	Elements   []ElementResponse `json:"elements"`
}

type ElementSearchResponse struct {
	RecordType types.RecordType `json:"record_type"`
	Path       string           `json:"path"`
	RecordIDs  []string         `json:"record_ids"`
}

// CreateElementsHandler serves /elements. With id it lists that record's
// elements; with path and value it returns matching record ids. value is read
// as JSON when it parses, otherwise as a plain string. type defaults to
// vulnerability.
func CreateElementsHandler(provider ElementProvider, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithField("endpoint", "/elements")
		query := r.URL.Query()

		recordType := types.RecordTypeVulnerability
		switch strings.TrimSpace(query.Get("type")) {
		case "", string(types.RecordTypeVulnerability):
		case string(types.RecordTypeRemediation), "remediation":
			recordType = types.RecordTypeRemediation
		default:
			http.Error(w, "Invalid type parameter. Must be vulnerability or vulnerability_remediation", http.StatusBadRequest)
			return
		}

		id, err := boundedValue(query, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		path, err := boundedValue(query, "path")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch {
		case id != "":
			elements, err := provider.DataElements(r.Context(), recordType, id)
			if err != nil {
				log.WithError(err).WithField("record_id", id).Error("Failed to read data elements")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			response := ElementsResponse{RecordType: recordType, RecordID: id, Elements: []ElementResponse{}}
			for _, e := range elements {
				response.Elements = append(response.Elements, ElementResponse{Path: e.Path, Value: e.Value})
			}
			writeJSON(w, r, log, response)

		case path != "":
			if !query.Has("value") {
				http.Error(w, "Missing value parameter", http.StatusBadRequest)
				return
			}
			raw := query.Get("value")
			value, err := payload.Parse([]byte(raw))
			if err != nil {
				value = payload.String(raw)
			}

			ids, err := provider.FindByElement(r.Context(), recordType, path, value)
			if err != nil {
				log.WithError(err).WithField("path", path).Error("Failed to search data elements")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if ids == nil {
				ids = []string{}
			}
			writeJSON(w, r, log, ElementSearchResponse{RecordType: recordType, Path: path, RecordIDs: ids})

		default:
			http.Error(w, "Either id or path is required", http.StatusBadRequest)
		}
	}
}
