// Package testutil provides common test utilities and helpers for LeadPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/buffer"
	"github.com/BTreeMap/LeadPipe/internal/followup"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// StaticSender is a follow-up sender that accepts every message.
type StaticSender struct{}

func (StaticSender) SendText(ctx context.Context, key, text string) error {
	return nil
}

// StaticAnalyzer always classifies conversations as engaged.
type StaticAnalyzer struct{}

func (StaticAnalyzer) ClassifyDisengagement(ctx context.Context, history []models.HistoryMessage) (bool, error) {
	return false, nil
}

// StaticGenerator returns a fixed follow-up message.
type StaticGenerator struct{}

func (StaticGenerator) GenerateFollowUp(ctx context.Context, key string, stage int, history []models.HistoryMessage) (string, error) {
	return "just checking in", nil
}

// NewTestServer creates a test API server with in-memory dependencies.
func NewTestServer(t *testing.T) (*api.Server, store.Store) {
	t.Helper()
	msgService := messaging.NewWhatsAppService(whatsapp.NewMockClient())
	st := store.NewInMemoryStore()
	aggregator := buffer.NewAggregator(st, func(models.MergedTurn) {})
	manager, err := followup.NewManager(st, StaticSender{}, StaticAnalyzer{}, StaticGenerator{},
		followup.WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("failed to build follow-up manager: %v", err)
	}
	return api.NewServer(msgService, st, aggregator, manager, ""), st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, url, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
