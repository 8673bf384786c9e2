package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reliefhub.org/internal/auth"
	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	issuer, err := auth.NewIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	dir := collab.NewStaticDirectory(map[string]collab.Identity{
		"coordinator": {DisplayName: "Field Coordinator", Email: "coordinator@reliefhub.org"},
		"medic":       {DisplayName: "Medical Lead", Email: "medic@reliefhub.org"},
		"logistics":   {DisplayName: "Logistics Officer", Email: "logistics@reliefhub.org"},
	})
	api := New(ReadyProbe{}, "test", collab.NewInMemory(dir), stream.New(), issuer, WithRateLimit(1000, 1000))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			data, err := json.Marshal(body)
			if err != nil {
				c.t.Fatalf("marshal body: %v", err)
			}
			raw = string(data)
		}
		payload = strings.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/token", map[string]any{"user": user}, "")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) createDocument(token, content string) collab.Document {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/documents", map[string]any{
		"title":   "Flood response",
		"content": content,
		"type":    "EMERGENCY_PLAN",
	}, token)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create document: unexpected status %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "/v1/documents/") {
		c.t.Fatalf("missing Location header")
	}
	return decode[collab.Document](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, bytes.TrimSpace(body))
	}
}

func TestDocumentCollaborationFlow(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("coordinator")
	medic := api.obtainToken("medic")

	doc := api.createDocument(owner, "Hello")
	if doc.Version != 1 || doc.Status != collab.StatusActive || doc.CreatorID != "coordinator" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	base := "/v1/documents/" + doc.ID

	// Medic joins and receives the session descriptor.
	resp := api.do(http.MethodPost, base+"/join", nil, medic)
	expectStatus(t, resp, http.StatusOK)
	joined := decode[collab.JoinResult](t, resp)
	if joined.Participant.Role != collab.RoleCollaborator || joined.Session.CurrentVersion != 1 {
		t.Fatalf("unexpected join result: %+v", joined)
	}

	resp = api.do(http.MethodPost, base+"/join", nil, medic)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// Medic appends text.
	resp = api.do(http.MethodPost, base+"/changes", map[string]any{
		"base_version": 1,
		"changes":      []map[string]any{{"type": "INSERT", "position": 5, "text": " World"}},
	}, medic)
	expectStatus(t, resp, http.StatusOK)
	res := decode[collab.ApplyResult](t, resp)
	if res.Document.Content != "Hello World" || res.Version != 2 || len(res.Applied) != 1 || res.Stale {
		t.Fatalf("unexpected apply result: %+v", res)
	}

	// Coordinator still edits against version 1: applied, flagged stale.
	resp = api.do(http.MethodPost, base+"/changes", map[string]any{
		"base_version": 1,
		"changes": []map[string]any{
			{"type": "DELETE", "position": 0, "length": 5},
			{"type": "INSERT", "position": 0, "text": "Hi"},
			{"type": "DELETE", "position": 99, "length": 1},
		},
	}, owner)
	expectStatus(t, resp, http.StatusOK)
	res = decode[collab.ApplyResult](t, resp)
	if res.Document.Content != "Hi World" || res.Version != 3 || len(res.Applied) != 2 || !res.Stale {
		t.Fatalf("unexpected apply result: %+v", res)
	}

	resp = api.do(http.MethodGet, base+"/changes?limit=1", nil, medic)
	expectStatus(t, resp, http.StatusOK)
	changes := decode[listResponse[collab.Change]](t, resp)
	if len(changes.Items) != 1 || changes.Items[0].Version != 3 || changes.Items[0].Edit != (collab.Insert{Position: 0, Text: "Hi"}) {
		t.Fatalf("unexpected changes: %+v", changes.Items)
	}

	resp = api.do(http.MethodGet, base+"/participants", nil, medic)
	expectStatus(t, resp, http.StatusOK)
	participants := decode[listResponse[collab.Participant]](t, resp)
	if len(participants.Items) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants.Items))
	}

	// Only the owner manages permissions; the version does not move.
	perms := map[string]any{"can_edit": true, "can_comment": false, "can_share": false, "can_delete": false, "can_manage_permissions": false}
	resp = api.do(http.MethodPut, base+"/permissions", perms, medic)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPut, base+"/permissions", perms, owner)
	expectStatus(t, resp, http.StatusOK)
	updated := decode[collab.Document](t, resp)
	if updated.Version != 3 || updated.Permissions.CanComment || !updated.Permissions.CanEdit {
		t.Fatalf("unexpected permissions update: %+v", updated)
	}

	resp = api.do(http.MethodGet, "/v1/documents", nil, medic)
	expectStatus(t, resp, http.StatusOK)
	mine := decode[listResponse[collab.Document]](t, resp)
	if len(mine.Items) != 1 || mine.Items[0].ID != doc.ID {
		t.Fatalf("unexpected document list: %+v", mine.Items)
	}

	resp = api.do(http.MethodPost, base+"/leave", nil, medic)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.do(http.MethodPost, base+"/changes", map[string]any{
		"changes": []map[string]any{{"type": "INSERT", "position": 0, "text": "x"}},
	}, medic)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.do(http.MethodGet, base, nil, medic)
	expectStatus(t, resp, http.StatusOK)
	final := decode[collab.Document](t, resp)
	if final.Content != "Hi World" || final.Version != 3 {
		t.Fatalf("unexpected final document: %+v", final)
	}
}

func TestDocumentRequestValidation(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("coordinator")
	doc := api.createDocument(owner, "abc")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing title", http.MethodPost, "/v1/documents", map[string]any{"type": "REPORT"}, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/v1/documents", map[string]any{"title": "x", "type": "MEMO"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/documents", map[string]any{"title": "x", "type": "REPORT", "owner": "x"}, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/v1/documents", nil, http.StatusBadRequest},
		{"trailing data", http.MethodPost, "/v1/documents", `{"title":"x","type":"REPORT"} {}`, http.StatusBadRequest},
		{"unknown change type", http.MethodPost, "/v1/documents/" + doc.ID + "/changes",
			map[string]any{"changes": []map[string]any{{"type": "MOVE", "position": 0}}}, http.StatusBadRequest},
		{"negative base version", http.MethodPost, "/v1/documents/" + doc.ID + "/changes",
			map[string]any{"base_version": -1, "changes": []map[string]any{}}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/documents/" + doc.ID + "/changes?limit=abc", nil, http.StatusBadRequest},
		{"unknown document", http.MethodGet, "/v1/documents/missing", nil, http.StatusNotFound},
		{"join unknown document", http.MethodPost, "/v1/documents/missing/join", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(tc.method, tc.path, tc.body, owner)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
			var errBody map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if errBody["error"] == nil || errBody["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestUnknownIdentityCannotCreate(t *testing.T) {
	api := newTestAPI(t)
	ghost := api.obtainToken("ghost")

	resp := api.do(http.MethodPost, "/v1/documents", map[string]any{"title": "x", "type": "REPORT"}, ghost)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestEmptyBatchKeepsVersion(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("coordinator")
	doc := api.createDocument(owner, "abc")

	resp := api.do(http.MethodPost, "/v1/documents/"+doc.ID+"/changes", map[string]any{
		"changes": []map[string]any{{"type": "INSERT", "position": 10, "text": "x"}},
	}, owner)
	expectStatus(t, resp, http.StatusOK)
	res := decode[collab.ApplyResult](t, resp)
	if res.Version != 1 || len(res.Applied) != 0 || res.Document.Content != "abc" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/documents", map[string]any{"title": "x", "type": "REPORT"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/auth/token", map[string]any{"user": "  "}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.do(http.MethodGet, path, nil, "")
		expectStatus(t, resp, http.StatusOK)
		body := decode[map[string]any](t, resp)
		if len(body) == 0 {
			t.Fatalf("%s: empty body", path)
		}
	}
}

func TestEventStreamDeliversChanges(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("coordinator")
	doc := api.createDocument(owner, "Hello")

	req, err := http.NewRequest(http.MethodGet, api.baseURL+"/v1/documents/"+doc.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+owner)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}
	waitFor(": stream started")

	apply := api.do(http.MethodPost, "/v1/documents/"+doc.ID+"/changes", map[string]any{
		"changes": []map[string]any{{"type": "INSERT", "position": 5, "text": "!"}},
	}, owner)
	expectStatus(t, apply, http.StatusOK)
	apply.Body.Close()

	waitFor("event: changes")
	data := strings.TrimPrefix(waitFor("data: "), "data: ")
	var evt stream.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Version != 2 || evt.UserID != "coordinator" || len(evt.Changes) != 1 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
