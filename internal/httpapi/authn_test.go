package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"tokengate.org/internal/auth"
)

func withClaims(r *http.Request, subject string, roles ...string) *http.Request {
	claims := &auth.Claims{
		Identity:         subject + "@example.com",
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return r.WithContext(auth.ContextWithClaims(r.Context(), claims))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole("admin")(okHandler())

	req := withClaims(httptest.NewRequest(http.MethodGet, "/internal", nil), "user-1", "Admin")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	handler := RequireRole("admin")(okHandler())

	req := withClaims(httptest.NewRequest(http.MethodGet, "/internal", nil), "user-1", "viewer")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingUser(t *testing.T) {
	handler := RequireRole("admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bear", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%q: got %q, %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected error, got %q", tc.header, got)
		}
	}
}

func TestAccountLookupSelfOrAdmin(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/register", map[string]any{"identity": "one@example.com", "secret": "longenough1"}, nil)
	expectStatus(t, resp, http.StatusCreated)
	one := decode[sessionPayload](t, resp)

	resp = api.post("/v1/auth/register", map[string]any{"identity": "two@example.com", "secret": "longenough1"}, nil)
	expectStatus(t, resp, http.StatusCreated)
	two := decode[sessionPayload](t, resp)

	admin := api.registerAdmin("ops@example.com")

	resp = api.get("/v1/accounts/"+one.Account.ID, bearerHeader(one.Token))
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string]any](t, resp)
	if got["identity"] != "one@example.com" {
		t.Fatalf("unexpected account %v", got)
	}

	resp = api.get("/v1/accounts/"+one.Account.ID, bearerHeader(two.Token))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+two.Account.ID, bearerHeader(admin.Token))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/accounts/missing", bearerHeader(admin.Token))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
