package compute

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxyforge/internal/config"
	"proxyforge/internal/models"
)

type fakeProviderAPI struct {
	t        *testing.T
	mu       sync.Mutex
	created  []createInstanceRequest
	deleted  []string
	failures atomic.Int32
}

func (f *fakeProviderAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer api-key" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/instances":
		var req createInstanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Plan == "reject" {
			http.Error(w, `{"error":"plan unavailable"}`, http.StatusUnprocessableEntity)
			return
		}
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"instance": map[string]any{
			"id":           "vm-1",
			"label":        req.Label,
			"status":       "pending",
			"date_created": "2026-02-01T10:00:00+00:00",
			"tags":         req.Tags,
		}})
	case r.Method == http.MethodDelete && r.URL.Path == "/instances/flaky":
		if f.failures.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && r.URL.Path == "/instances/gone":
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case r.Method == http.MethodDelete:
		f.mu.Lock()
		f.deleted = append(f.deleted, r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/instances":
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_, _ = io.WriteString(w, `{"instances":[
				{"id":"vm-1","status":"active","date_created":"2026-02-01T10:00:00+00:00","tags":["proxyforge","job:j1","file:f1"]},
				{"id":"vm-other","status":"active","tags":["unrelated"]}
			],"meta":{"links":{"next":"page2"}}}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":[
			{"instance_id":"vm-2","power_status":"running","created_at":"2026-02-01T11:00:00Z","labels":["proxyforge","job:j2","file:f2"]}
		],"next_cursor":""}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestProvider(t *testing.T, cfg config.ComputeConfig) (*RESTProvider, *fakeProviderAPI) {
	t.Helper()
	api := &fakeProviderAPI{t: t}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	cfg.APIKey = "api-key"
	provider, err := NewRESTProvider(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetries(2, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRESTProvider: %v", err)
	}
	return provider, api
}

func TestRESTProvisionSendsUserDataAndTags(t *testing.T) {
	provider, api := newTestProvider(t, config.ComputeConfig{Region: "ewr", Plan: "vc2-2c-4gb", SSHKeyID: "key-1"})

	instance, err := provider.Provision(context.Background(), ProvisionRequest{JobID: "j1", FileID: "f1", UserData: []byte("#!/bin/bash\necho hi\n")})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if instance.ID != "vm-1" || instance.JobID != "j1" || instance.FileID != "f1" {
		t.Fatalf("unexpected instance %+v", instance)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(api.created))
	}
	req := api.created[0]
	decoded, err := base64.StdEncoding.DecodeString(req.UserData)
	if err != nil || string(decoded) != "#!/bin/bash\necho hi\n" {
		t.Fatalf("unexpected user data %q (%v)", decoded, err)
	}
	if req.Label != "proxyforge-j1" || len(req.SSHKeyIDs) != 1 || req.SSHKeyIDs[0] != "key-1" {
		t.Fatalf("unexpected create request %+v", req)
	}
	if len(req.Tags) != 3 || req.Tags[0] != models.InstanceTag {
		t.Fatalf("expected three tags, got %v", req.Tags)
	}
}

func TestRESTProvisionRequiresSSHCredentials(t *testing.T) {
	provider, api := newTestProvider(t, config.ComputeConfig{})
	_, err := provider.Provision(context.Background(), ProvisionRequest{JobID: "j1", FileID: "f1"})
	if !errors.Is(err, ErrMissingSSHCredentials) {
		t.Fatalf("expected ErrMissingSSHCredentials, got %v", err)
	}
	if len(api.created) != 0 {
		t.Fatal("provider should not be called without credentials")
	}
}

func TestRESTProvisionSurfacesProviderError(t *testing.T) {
	provider, _ := newTestProvider(t, config.ComputeConfig{Plan: "reject", AuthorizedKey: "ssh-ed25519 AAAA"})
	_, err := provider.Provision(context.Background(), ProvisionRequest{JobID: "j1", FileID: "f1"})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected wrapped 422 provider error, got %v", err)
	}
}

func TestRESTDeprovision(t *testing.T) {
	provider, api := newTestProvider(t, config.ComputeConfig{SSHKeyID: "key"})
	ctx := context.Background()

	if err := provider.Deprovision(ctx, "vm-1"); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "/instances/vm-1" {
		t.Fatalf("unexpected deletes %v", api.deleted)
	}
	if err := provider.Deprovision(ctx, "gone"); err != nil {
		t.Fatalf("expected 404 to count as success, got %v", err)
	}
	if err := provider.Deprovision(ctx, "flaky"); err != nil {
		t.Fatalf("expected retry to recover from 503, got %v", err)
	}
	if got := api.failures.Load(); got != 2 {
		t.Fatalf("expected two attempts, got %d", got)
	}
}

func TestRESTListInstancesFollowsCursor(t *testing.T) {
	provider, _ := newTestProvider(t, config.ComputeConfig{SSHKeyID: "key"})

	instances, err := provider.ListInstances(context.Background(), models.InstanceTag)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected two tagged instances across pages, got %+v", instances)
	}
	if instances[1].ID != "vm-2" || instances[1].JobID != "j2" || instances[1].Status != "running" {
		t.Fatalf("unexpected normalized instance %+v", instances[1])
	}
}

func TestNewRESTProviderValidatesConfig(t *testing.T) {
	if _, err := NewRESTProvider(config.ComputeConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error without base url")
	}
	if _, err := NewRESTProvider(config.ComputeConfig{BaseURL: "https://api.example.com"}); err == nil {
		t.Fatal("expected error without api key")
	}
}
