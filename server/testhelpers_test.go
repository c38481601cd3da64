package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/config"
	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/task"
)

const testSecret = "test-secret-key-1234567890"

func newTestServer(t *testing.T, keys ...config.APIKey) (*Server, *engine.Service) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: testSecret,
			TokenTTL:  time.Hour,
			APIKeys:   keys,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := comms.NewInMemoryBus(0)
	svc := engine.New(store, engine.WithBus(bus), engine.WithLogger(logger))
	t.Cleanup(svc.Close)

	s := New(cfg, "test", logger)
	s.SetEngine(svc)
	s.SetBus(bus)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, svc
}

func serve(t *testing.T, s *Server, method, path, credential string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	rr := serve(t, s, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "admin", Password: "secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}
