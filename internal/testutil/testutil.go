// Package testutil provides common test utilities and helpers for FormFlow tests.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FormFlow/internal/api"
	"github.com/BTreeMap/FormFlow/internal/store"
)

// NewTestServer creates a test API server backed by an in-memory store,
// returning both so tests can seed state directly.
func NewTestServer() (*api.Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	return api.NewServer(st), st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response body and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); !ok || status != expectedStatus {
		t.Errorf("expected response status %q, got %v", expectedStatus, response["status"])
	}
	return response
}
