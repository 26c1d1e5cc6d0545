package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/config"
	"github.com/ehr/clinicdesk/internal/platform/db"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCalcDays(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"whole days", []string{"2024-03-01", "2024-03-05"}, "4", false},
		{"partial day rounds up", []string{"2024-03-01T08:00:00Z", "2024-03-02T09:00:00Z"}, "2", false},
		{"same day", []string{"2024-03-01", "2024-03-01"}, "0", false},
		{"discharge first", []string{"2024-03-05", "2024-03-01"}, "", true},
		{"invalid", []string{"soon", "2024-03-01"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runCmd(t, append([]string{"calc", "days"}, tt.args...)...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCalcHappiness(t *testing.T) {
	got, err := runCmd(t, "calc", "happiness", "4", "4", "4", "4", "4", "4", "8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "4.0" {
		t.Errorf("expected 4.0, got %q", got)
	}

	if _, err := runCmd(t, "calc", "happiness", "4", "4", "4", "4", "4", "x", "8"); err == nil {
		t.Error("expected error for a non-numeric answer")
	}
	if _, err := runCmd(t, "calc", "happiness", "4", "4"); err == nil {
		t.Error("expected error for too few answers")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "sessions", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "session_index", Applied: false},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-03-01 10:30:00") {
		t.Errorf("unexpected applied row: %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row: %q", lines[3])
	}
}

func TestRateLimitConfig(t *testing.T) {
	rl := rateLimitConfig(&config.Config{RateLimitRPS: 5, RateLimitBurst: 10})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 10 {
		t.Errorf("expected configured limits, got %+v", rl)
	}
	rl = rateLimitConfig(&config.Config{})
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		t.Errorf("expected defaults, got %+v", rl)
	}
	rl = rateLimitConfig(&config.Config{RateLimitRPS: 5})
	if rl.BurstSize <= 0 {
		t.Errorf("expected default burst, got %+v", rl)
	}
}

// fakeCRUD answers login and dropdown category reads. The Authorization
// header of each dropdown read is sent on dropdownAuth when it is non-nil.
func fakeCRUD(t *testing.T, dropdownAuth chan<- string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/professions/category/", func(w http.ResponseWriter, r *http.Request) {
		if dropdownAuth != nil {
			select {
			case dropdownAuth <- r.Header.Get("Authorization"):
			default:
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":[{"name":"Ward A"}]}`))
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"up-1","user":{"name":"admin"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	return newTestAppOn(t, fakeCRUD(t, nil))
}

func newTestAppOn(t *testing.T, srv *httptest.Server) *app {
	t.Helper()
	cfg := &config.Config{
		Env:              "development",
		CrudAPIURL:       srv.URL,
		DropdownAPIURL:   srv.URL,
		SessionTTL:       time.Hour,
		UpstreamTimeout:  2 * time.Second,
		LookupDebounce:   config.MinLookupDebounce,
		LookupLimit:      5,
		DropdownCacheTTL: time.Minute,
		WorkspaceIdleTTL: time.Hour,
		CORSOrigins:      []string{"*"},
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func serve(a *app, method, target, body, token string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestApp_PublicEndpoints(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("unexpected health body: %v", health)
	}

	if rec := serve(a, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/health/db", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected /health/db to be absent without a database, got %d", rec.Code)
	}
}

func TestApp_RequiresSession(t *testing.T) {
	a := newTestApp(t)

	for _, target := range []string{"/api/v1/workspaces", "/api/v1/derived/days-hospitalized"} {
		if rec := serve(a, http.MethodPost, target, `{}`, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", target, rec.Code)
		}
	}
	if rec := serve(a, http.MethodPost, "/api/v1/workspaces", `{}`, "not-a-token"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestApp_LoginThenCalculate(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"secret"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", rec.Code, rec.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil || login.Token == "" {
		t.Fatalf("expected a session token, got %s", rec.Body.String())
	}
	if n := a.sessions.Count(); n != 1 {
		t.Errorf("expected 1 live session, got %d", n)
	}

	rec = serve(a, http.MethodPost, "/api/v1/derived/days-hospitalized",
		`{"dateOfAdmission":"2024-03-01","dateOfDischarge":"2024-03-03"}`, login.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var days struct {
		DaysHospitalized *int `json:"daysHospitalized"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &days); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if days.DaysHospitalized == nil || *days.DaysHospitalized != 2 {
		t.Errorf("expected 2 days, got %s", rec.Body.String())
	}

	rec = serve(a, http.MethodPost, "/api/v1/workspaces", `{"tab":"clinic"}`, login.Token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from workspace create, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodPost, "/api/v1/auth/logout", "", login.Token)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", rec.Code)
	}
	if rec := serve(a, http.MethodPost, "/api/v1/workspaces", `{}`, login.Token); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected the ended session to be rejected, got %d", rec.Code)
	}
}

func TestApp_LoginRejected(t *testing.T) {
	a := newTestApp(t)

	rec := serve(a, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApp_LoginWarmsDropdownsWithToken(t *testing.T) {
	auths := make(chan string, 16)
	a := newTestAppOn(t, fakeCRUD(t, auths))

	if rec := serve(a, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"secret"}`, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d", rec.Code)
	}
	select {
	case got := <-auths:
		if got != "Bearer up-1" {
			t.Errorf("expected dropdown warm to carry the session token, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dropdown warm after login")
	}
}
