//go:build integration && postgres

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/veiljournal/veil/internal/app"
	"github.com/veiljournal/veil/internal/app/services/inference"
	"github.com/veiljournal/veil/internal/app/storage/postgres"
	"github.com/veiljournal/veil/internal/platform/migrations"
)

// Full-stack flow against Postgres: migrations, scoped persistence, and the
// REST surface on top of them.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db.DB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	inf := &stubInference{res: inference.CompletionResult{
		Text:         modelPayload,
		InputTokens:  1000,
		OutputTokens: 500,
	}}
	application, err := app.New(ctx, app.Options{
		Store:         postgres.New(db),
		Inference:     inf,
		Moderator:     &stubModerator{},
		BudgetCapEUR:  20,
		BudgetWarnEUR: 18,
	}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	server := httptest.NewServer(NewHandler(application, Options{}))
	defer server.Close()
	client := server.Client()

	send := func(method, path string, body []byte, caller, role string) (*http.Response, []byte) {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, method, server.URL+path, bytes.NewReader(body))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		if caller != "" {
			req.Header.Set("X-Caller-Id", caller)
		}
		if role != "" {
			req.Header.Set("X-Caller-Role", role)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return resp, buf.Bytes()
	}

	if resp, _ := send(http.MethodGet, "/healthz", nil, "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}

	payload, _ := json.Marshal(map[string]string{"content": "Une vraie base cette fois."})
	resp, body := send(http.MethodPost, "/v1/confessions", payload, "it-user-a", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d: %s", resp.StatusCode, body)
	}
	var created map[string]any
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	id := created["id"].(string)
	t.Cleanup(func() {
		_, _ = send(http.MethodDelete, "/v1/confessions/"+id, nil, "it-admin", "admin")
	})

	if resp, _ = send(http.MethodGet, "/v1/confessions/"+id, nil, "it-user-a", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner read status: %d", resp.StatusCode)
	}
	if resp, _ = send(http.MethodGet, "/v1/confessions/"+id, nil, "it-user-b", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign read status: %d, want 404", resp.StatusCode)
	}
	if resp, _ = send(http.MethodGet, "/v1/confessions/"+id, nil, "it-admin", "admin"); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin read status: %d", resp.StatusCode)
	}

	resp, body = send(http.MethodGet, "/v1/admin/usage-events?limit=5", nil, "it-admin", "admin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage events status: %d", resp.StatusCode)
	}
	var events []map[string]any
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected persisted usage events")
	}
}
