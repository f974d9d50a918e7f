package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tokengate.org/internal/auth"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	svc     *auth.Service
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	svc := newTestService(t)
	srv := httptest.NewServer(New(svc, ReadyProbe{}, "test", opts...).Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		svc:     svc,
		t:       t,
	}
}

// registerAdmin provisions an admin the way cmd/api bootstraps one, bypassing
// the public registration allowlist.
func (c *apiClient) registerAdmin(identity string) auth.Session {
	c.t.Helper()
	sess, err := c.svc.Register(context.Background(), identity, "longenough1", []string{"admin"})
	if err != nil {
		c.t.Fatalf("register admin: %v", err)
	}
	return sess
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type sessionPayload struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Account   struct {
		ID         string   `json:"id"`
		Identity   string   `json:"identity"`
		Roles      []string `json:"roles"`
		SecretHash string   `json:"secret_hash"`
	} `json:"account"`
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
		resp.Body.Close()
		t.Fatalf("unexpected status: got %d want %d", resp.StatusCode, want)
	}
}

func TestAPISessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	creds := map[string]any{"identity": "alice@example.com", "secret": "longenough1"}

	resp := api.post("/v1/auth/register", creds, nil)
	expectStatus(t, resp, http.StatusCreated)
	reg := decode[sessionPayload](t, resp)
	if reg.Token == "" || reg.Account.ID == "" {
		t.Fatalf("unexpected register payload %+v", reg)
	}
	if len(reg.Account.Roles) != 1 || reg.Account.Roles[0] != "user" {
		t.Fatalf("expected default role, got %v", reg.Account.Roles)
	}
	if reg.Account.SecretHash != "" {
		t.Fatalf("secret hash leaked")
	}

	resp = api.post("/v1/auth/login", creds, nil)
	expectStatus(t, resp, http.StatusOK)
	login := decode[sessionPayload](t, resp)
	if login.Token == reg.Token {
		t.Fatalf("login must mint a new token")
	}

	resp = api.post("/v1/auth/login", map[string]any{"identity": "alice@example.com", "secret": "wrong-secret"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != "invalid credentials" {
		t.Fatalf("unexpected error %v", body["error"])
	}

	resp = api.get("/v1/auth/me", bearerHeader(login.Token))
	expectStatus(t, resp, http.StatusOK)
	me := decode[map[string]any](t, resp)
	account := me["account"].(map[string]any)
	if account["id"] != reg.Account.ID || account["identity"] != "alice@example.com" {
		t.Fatalf("unexpected me payload %v", me)
	}

	resp = api.post("/v1/auth/logout", nil, bearerHeader(login.Token))
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]any](t, resp)
	if out["status"] != "revoked" {
		t.Fatalf("unexpected logout payload %v", out)
	}

	resp = api.get("/v1/auth/me", bearerHeader(login.Token))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/v1/auth/me", bearerHeader(reg.Token))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/auth/introspect", map[string]any{"token": login.Token}, nil)
	expectStatus(t, resp, http.StatusOK)
	intro := decode[map[string]any](t, resp)
	if intro["revoked"] != true || intro["active"] != false {
		t.Fatalf("unexpected introspection for revoked token %v", intro)
	}
	resp = api.post("/v1/auth/introspect", map[string]any{"token": reg.Token}, nil)
	expectStatus(t, resp, http.StatusOK)
	intro = decode[map[string]any](t, resp)
	if intro["revoked"] != false || intro["active"] != true {
		t.Fatalf("unexpected introspection for live token %v", intro)
	}
	claims := intro["claims"].(map[string]any)
	if claims["sub"] != reg.Account.ID || claims["identity"] != "alice@example.com" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestAPIDuplicateRegistration(t *testing.T) {
	api := newTestAPI(t)
	creds := map[string]any{"identity": "bob@example.com", "secret": "x12345678"}

	resp := api.post("/v1/auth/register", creds, nil)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.post("/v1/auth/register", creds, nil)
	expectStatus(t, resp, http.StatusConflict)
	body := decode[map[string]any](t, resp)
	if body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("expected request_id in error body")
	}
}

func TestAPIRegisterValidation(t *testing.T) {
	api := newTestAPI(t)
	cases := map[string]any{
		"missing identity": map[string]any{"secret": "longenough1"},
		"bad email":        map[string]any{"identity": "not-an-email", "secret": "longenough1"},
		"short secret":     map[string]any{"identity": "c@example.com", "secret": "short"},
		"long secret":      map[string]any{"identity": "c@example.com", "secret": strings.Repeat("x", 73)},
		"empty role":       map[string]any{"identity": "c@example.com", "secret": "longenough1", "roles": []string{""}},
		"unknown field":    map[string]any{"identity": "c@example.com", "secret": "longenough1", "admin": true},
		"not json":         "{not json",
		"trailing data":    `{"identity":"c@example.com","secret":"longenough1"} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := api.post("/v1/auth/register", body, nil)
			expectStatus(t, resp, http.StatusBadRequest)
			payload := decode[map[string]any](t, resp)
			if payload["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}

	resp := api.post("/v1/auth/register", map[string]any{"identity": "bad", "secret": "short"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	payload := decode[map[string]any](t, resp)
	fields, ok := payload["fields"].([]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("expected two field errors, got %v", payload["fields"])
	}
	first := fields[0].(map[string]any)
	if first["field"] != "identity" {
		t.Fatalf("expected json field names, got %v", first["field"])
	}
}

func TestAPIRegisterRejectsOversizedBody(t *testing.T) {
	api := newTestAPI(t, WithMaxBodyBytes(64))
	resp := api.post("/v1/auth/register", map[string]any{
		"identity": "c@example.com",
		"secret":   strings.Repeat("y", 70),
	}, nil)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
	resp.Body.Close()
}

func TestAPILogoutRequiresBearer(t *testing.T) {
	api := newTestAPI(t)
	for _, headers := range []map[string]string{
		nil,
		{"Authorization": "Basic dXNlcjpwYXNz"},
		{"Authorization": "Bearer "},
	} {
		resp := api.post("/v1/auth/logout", nil, headers)
		expectStatus(t, resp, http.StatusUnauthorized)
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("expected WWW-Authenticate header")
		}
		resp.Body.Close()
	}

	// revocation does not check that the token was ever issued
	resp := api.post("/v1/auth/logout", nil, bearerHeader("opaque-string"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAPIAccountsRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/register", map[string]any{"identity": "user@example.com", "secret": "longenough1"}, nil)
	expectStatus(t, resp, http.StatusCreated)
	user := decode[sessionPayload](t, resp)

	admin := api.registerAdmin("root@example.com")

	resp = api.get("/v1/accounts", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/v1/accounts", bearerHeader(user.Token))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/accounts", bearerHeader(admin.Token))
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]map[string]any](t, resp)
	if len(list["items"]) != 2 {
		t.Fatalf("expected two accounts, got %v", list["items"])
	}
	for _, item := range list["items"] {
		if _, ok := item["secret_hash"]; ok {
			t.Fatalf("secret hash leaked in listing")
		}
	}
}

func TestAPIMeRejectsForgedToken(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/auth/me", bearerHeader("abc.def.ghi"))
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != "invalid token" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/auth/register", nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header %q", resp.Header.Get("Allow"))
	}
	resp.Body.Close()
}

func TestAPIHealthReadyInfo(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["time"] == nil {
		t.Fatalf("unexpected health payload %v", health)
	}

	resp = api.get("/readyz", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/info", nil)
	expectStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["token_signed"] != false || info["version"] != "test" {
		t.Fatalf("unexpected info payload %v", info)
	}

	resp = api.get("/metrics", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/nope", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPIReadyFailure(t *testing.T) {
	api := New(newTestService(t), failingReadiness{}, "test")
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestAPIRegisterRejectsPrivilegedRoles(t *testing.T) {
	api := newTestAPI(t)

	for _, roles := range [][]string{{"admin"}, {"user", "ADMIN"}, {"auditor"}} {
		resp := api.post("/v1/auth/register", map[string]any{
			"identity": "mallory@example.com", "secret": "longenough1", "roles": roles,
		}, nil)
		expectStatus(t, resp, http.StatusBadRequest)
		body := decode[map[string]any](t, resp)
		fields, ok := body["fields"].([]any)
		if !ok || len(fields) == 0 {
			t.Fatalf("expected field errors for %v, got %v", roles, body)
		}
	}

	// nothing was created, so the identity is still free
	resp := api.post("/v1/auth/register", map[string]any{
		"identity": "mallory@example.com", "secret": "longenough1", "roles": []string{"user"},
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	user := decode[sessionPayload](t, resp)

	resp = api.get("/v1/accounts", bearerHeader(user.Token))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAPIRegistrableRolesOption(t *testing.T) {
	api := newTestAPI(t, WithRegistrableRoles("user", "viewer"))

	resp := api.post("/v1/auth/register", map[string]any{
		"identity": "v@example.com", "secret": "longenough1", "roles": []string{"viewer"},
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	sess := decode[sessionPayload](t, resp)
	if len(sess.Account.Roles) != 1 || sess.Account.Roles[0] != "viewer" {
		t.Fatalf("unexpected roles %v", sess.Account.Roles)
	}

	resp = api.post("/v1/auth/register", map[string]any{
		"identity": "w@example.com", "secret": "longenough1", "roles": []string{"admin"},
	}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
