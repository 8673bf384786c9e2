package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reliefhub.org/internal/auth"
)

func newAuthAPI(t *testing.T) (*API, *auth.Issuer) {
	t.Helper()
	issuer, err := auth.NewIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return &API{auth: issuer}, issuer
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := auth.UserIDFromContext(r.Context())
		_, _ = w.Write([]byte(userID))
	})
}

func TestWithAuthAcceptsBearer(t *testing.T) {
	api, issuer := newAuthAPI(t)
	token, _, err := issuer.GenerateToken("medic")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	api.withAuth(echoUser()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "medic" {
		t.Fatalf("expected 200 for medic, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	api, _ := newAuthAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	rr := httptest.NewRecorder()
	api.withAuth(echoUser()).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestWithAuthRejectsForeignToken(t *testing.T) {
	api, _ := newAuthAPI(t)
	other, err := auth.NewIssuer("other-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := other.GenerateToken("medic")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	api.withAuth(echoUser()).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthQueryTokenOnlyForUpgrades(t *testing.T) {
	api, issuer := newAuthAPI(t)
	token, _, err := issuer.GenerateToken("logistics")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/abc/ws?access_token="+token, nil)
	rr := httptest.NewRecorder()
	api.withAuth(echoUser()).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for plain request with query token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/documents/abc/ws?access_token="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rr = httptest.NewRecorder()
	api.withAuth(echoUser()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "logistics" {
		t.Fatalf("expected upgrade request to authenticate, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	api, _ := newAuthAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/auth/token"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		api.withAuth(echoUser()).ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected %s to be public, got %d", path, rr.Code)
		}
	}
}
