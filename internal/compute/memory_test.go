package compute

import (
	"context"
	"errors"
	"testing"
	"time"

	"proxyforge/internal/models"
)

func TestMemoryProviderLifecycle(t *testing.T) {
	provider := NewMemoryProvider()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.SetClock(func() time.Time { return created })
	ctx := context.Background()

	instance, err := provider.Provision(ctx, ProvisionRequest{JobID: "j1", FileID: "f1", UserData: []byte("script")})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if instance.JobID != "j1" || !instance.CreatedAt.Equal(created) {
		t.Fatalf("unexpected instance %+v", instance)
	}
	if data, ok := provider.UserData(instance.ID); !ok || string(data) != "script" {
		t.Fatalf("expected stored user data, got %q", data)
	}
	provider.Add(models.ComputeInstance{ID: "foreign", Tags: []string{"other"}})

	tagged, err := provider.ListInstances(ctx, models.InstanceTag)
	if err != nil || len(tagged) != 1 {
		t.Fatalf("expected one tagged instance, got %v %v", tagged, err)
	}
	if err := provider.Deprovision(ctx, instance.ID); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if provider.Count() != 1 || len(provider.Deprovisioned()) != 1 {
		t.Fatalf("unexpected state after deprovision: count=%d", provider.Count())
	}
}

func TestMemoryProviderInjectedFailures(t *testing.T) {
	provider := NewMemoryProvider()
	boom := errors.New("quota exceeded")
	provider.FailProvision(boom)
	if _, err := provider.Provision(context.Background(), ProvisionRequest{JobID: "j"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	provider.FailProvision(nil)
	if _, err := provider.Provision(context.Background(), ProvisionRequest{JobID: "j"}); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}
