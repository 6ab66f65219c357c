package api_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

func TestHealthEndpoint(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler(nil)

	req := testutil.CreateHTTPRequest(t, "GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, 200, rr.Code, "health check")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestLeadLookup(t *testing.T) {
	server, st := testutil.NewTestServer(t)
	handler := server.Handler(nil)

	req := testutil.CreateHTTPRequest(t, "GET", "/leads/+15551230001", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 404, rr.Code, "unknown lead")
	testutil.AssertJSONResponse(t, rr, "error")

	due := time.Now().Add(30 * time.Minute)
	if err := st.SaveLead(models.Lead{Phone: "+15551230001", StageSent: 1, NextDueAt: &due}); err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	req = testutil.CreateHTTPRequest(t, "GET", "/leads/+15551230001", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 200, rr.Code, "known lead")
	response := testutil.AssertJSONResponse(t, rr, "ok")

	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected lead object in result, got %T", response["result"])
	}
	if result["phone"] != "+15551230001" {
		t.Errorf("expected phone '+15551230001', got %v", result["phone"])
	}
	if result["stage_sent"] != float64(1) {
		t.Errorf("expected stage_sent 1, got %v", result["stage_sent"])
	}
}

func TestLeadLookupRejectsInvalidPhone(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler(nil)

	req := testutil.CreateHTTPRequest(t, "GET", "/leads/abc", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, 400, rr.Code, "invalid phone")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestRunFollowUpsAccepted(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler(nil)

	req := testutil.CreateHTTPRequest(t, "POST", "/followups/run", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, 202, rr.Code, "scan trigger")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestRunLeadFollowUpNotDueIsNoOp(t *testing.T) {
	server, st := testutil.NewTestServer(t)
	handler := server.Handler(nil)

	// Lead with no schedule: the manager re-reads eligibility and leaves
	// it untouched, which the API reports as success.
	if err := st.SaveLead(models.Lead{Phone: "+15551230001"}); err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	req := testutil.CreateHTTPRequest(t, "POST", "/leads/+15551230001/followups/run", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, 200, rr.Code, "not-due lead")
	testutil.AssertJSONResponse(t, rr, "ok")

	lead, err := st.GetLead("+15551230001")
	if err != nil {
		t.Fatalf("failed to re-read lead: %v", err)
	}
	if lead.StageSent != 0 {
		t.Errorf("expected stage to stay 0, got %d", lead.StageSent)
	}
}

func TestBufferEndpoints(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler(nil)

	req := testutil.CreateHTTPRequest(t, "GET", "/buffers", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 200, rr.Code, "list buffers")
	testutil.AssertJSONResponse(t, rr, "ok")

	// Flushing a conversation with nothing pending is a no-op.
	req = testutil.CreateHTTPRequest(t, "POST", "/buffers/+15551230001/flush", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, 200, rr.Code, "flush empty buffer")
	testutil.AssertJSONResponse(t, rr, "ok")
}
