package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokengate.org/internal/auth"
	"tokengate.org/internal/stream"
)

func TestRevocationEventStream(t *testing.T) {
	events := stream.New(8)
	svc, err := auth.NewService(auth.NewMemoryDirectory(), auth.NewMemoryRevocations(),
		auth.NewIssuer(auth.IssuerConfig{Environment: "development", Issuer: "tokengate"}),
		auth.WithHasher(auth.NewBcryptHasher(bcrypt.MinCost)),
		auth.WithRevocationObserver(events))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	srv := httptest.NewServer(New(svc, ReadyProbe{}, "test", WithEventStream(events)).Handler())
	defer srv.Close()
	api := &apiClient{baseURL: srv.URL, client: srv.Client(), svc: svc, t: t}
	admin := api.registerAdmin("ops@example.com")

	resp := api.post("/v1/auth/register", map[string]any{"identity": "u@example.com", "secret": "longenough1"}, nil)
	expectStatus(t, resp, http.StatusCreated)
	user := decode[sessionPayload](t, resp)

	resp = api.get("/v1/revocations/events", bearerHeader(user.Token))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/revocations/events", nil)
	req.Header.Set("Authorization", "Bearer "+admin.Token)
	streamResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(streamResp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected preamble %q, %v", line, err)
	}

	resp = api.post("/v1/auth/logout", nil, bearerHeader(user.Token))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.TokenDigest != auth.TokenDigest(user.Token) || evt.Subject != user.Account.ID {
			t.Fatalf("unexpected event %+v", evt)
		}
		if strings.Contains(line, user.Token) {
			t.Fatalf("raw token leaked into the stream")
		}
		return
	}
}

func TestRevocationEventStreamDisabled(t *testing.T) {
	api := newTestAPI(t)
	admin := api.registerAdmin("ops@example.com")

	resp := api.get("/v1/revocations/events", bearerHeader(admin.Token))
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}
