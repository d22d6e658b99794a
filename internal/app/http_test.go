package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"internflow/internal/search"
	"internflow/internal/workflow"
)

type fakeSearch struct {
	last search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{
		Results: []search.RequestRecord{{ID: "req_1", Status: string(workflow.StatusPending)}},
		Total:   1,
		Query:   q.Text,
		Source:  search.SourcePostgres,
	}
}

func newTestServer(t *testing.T, fs *fakeStore) (*HTTPServer, *Service) {
	t.Helper()
	svc := newTestService(t, fs, &fakeQueue{})
	return NewHTTPServer(svc, "*", zaptest.NewLogger(t)), svc
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingErr = errors.New("connection refused")
	server, _ := newTestServer(t, fs)

	rr := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", response["status"])
	}
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["error"] != "connection refused" {
		t.Fatalf("unexpected database check: %v", database)
	}
}

func TestReadyEndpointSuccess(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doJSON(t, server, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequestsRequireBearerToken(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doJSON(t, server, http.MethodGet, "/api/notifications", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = doJSON(t, server, http.MethodGet, "/api/notifications", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
}

func TestCreateAndReviewOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())
	studentToken := tokenFor(t, "STU-1")

	rr := doJSON(t, server, http.MethodPost, "/api/requests", studentToken, map[string]any{
		"internshipId":       "INT-9",
		"courseInstructorId": "INSTR-1",
		"projectTopic":       "Telemetry pipeline",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	request := decodeResponse(t, rr)["request"].(map[string]any)
	id := request["id"].(string)
	if request["status"] != string(workflow.StatusPending) {
		t.Fatalf("expected pending, got %v", request["status"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/requests", studentToken, map[string]any{"internshipId": "INT-9"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/requests/"+id+"/staff-review", tokenFor(t, "STAFF-1"), map[string]any{"decision": "approved"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/requests/"+id+"/status", studentToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	view := decodeResponse(t, rr)
	if view["status"] != string(workflow.StatusStaffReviewed) || view["currentGate"] == "" {
		t.Fatalf("unexpected status view: %v", view)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/requests/"+id+"/history", studentToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if items := decodeResponse(t, rr)["items"].([]any); len(items) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(items))
	}
}

func TestEmptyChunkedBodyIsAccepted(t *testing.T) {
	server, svc := newTestServer(t, newFakeStore())
	id := createRequest(t, svc, CreateRequestInput{})
	mustAct(t, svc, "STAFF-1", id, workflow.ActionStaffReview, ActionInput{Decision: "approved"})
	mustAct(t, svc, "INSTR-1", id, workflow.ActionInstructorReview, ActionInput{Decision: "approved"})
	mustAct(t, svc, "STAFF-1", id, workflow.ActionAssignCommittee, ActionInput{MemberIDs: []string{"C1", "C2"}})

	req := httptest.NewRequest(http.MethodPost, "/api/requests/"+id+"/committee-receive", bytes.NewReader(nil))
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "C1"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for an empty chunked body, got %d: %s", rr.Code, rr.Body.String())
	}
	request := decodeResponse(t, rr)["request"].(map[string]any)
	if request["status"] != string(workflow.StatusCommitteeReview) {
		t.Fatalf("expected committee_review, got %v", request["status"])
	}
}

func TestTransitionErrorsMapToStatusCodes(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	id := createRequest(t, svc, CreateRequestInput{})

	cases := []struct {
		name   string
		token  string
		path   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "wrong role", token: tokenFor(t, "STU-1"), path: "/staff-review", body: map[string]any{"decision": "approved"}, status: http.StatusForbidden, code: string(workflow.KindForbidden)},
		{name: "wrong state", token: tokenFor(t, "INSTR-1"), path: "/instructor-review", body: map[string]any{"decision": "approved"}, status: http.StatusConflict, code: string(workflow.KindIllegalTransition)},
		{name: "bad decision", token: tokenFor(t, "STAFF-1"), path: "/staff-review", body: map[string]any{"decision": "perhaps"}, status: http.StatusBadRequest},
		{name: "unknown action", token: tokenFor(t, "STAFF-1"), path: "/archive", status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, server, http.MethodPost, "/api/requests/"+id+tc.path, tc.token, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code != "" {
				if code := decodeResponse(t, rr)["code"]; code != tc.code {
					t.Fatalf("expected code %s, got %v", tc.code, code)
				}
			}
		})
	}

	rr := doJSON(t, server, http.MethodPost, "/api/requests/req_missing/staff-review", tokenFor(t, "STAFF-1"), map[string]any{"decision": "approved"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", rr.Code)
	}
}

func TestListRequestsRequiresStaff(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs, &fakeQueue{})
	searcher := &fakeSearch{}
	svc.search = searcher
	server := NewHTTPServer(svc, "*", zaptest.NewLogger(t))

	rr := doJSON(t, server, http.MethodGet, "/api/requests?q=telemetry", tokenFor(t, "STU-1"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for student, got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/requests?q=telemetry&status=pending&limit=5", tokenFor(t, "STAFF-1"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if searcher.last.Text != "telemetry" || searcher.last.Status != workflow.StatusPending || searcher.last.Limit != 5 {
		t.Fatalf("unexpected query: %+v", searcher.last)
	}
	if source := decodeResponse(t, rr)["source"]; source != search.SourcePostgres {
		t.Fatalf("expected postgres source, got %v", source)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/requests?status=bogus", tokenFor(t, "STAFF-1"), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
}

func TestRouteLabelCollapsesRequestIDs(t *testing.T) {
	cases := map[string]string{
		"/api/requests/req_abc/status": "/api/requests/{id}/status",
		"/api/requests":                "/api/requests",
		"/api/health":                  "/api/health",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
