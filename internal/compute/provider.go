// Package compute provisions and reclaims the ephemeral instances that run
// transcode bootstrap scripts. Vendor payloads are normalized into
// models.ComputeInstance at the driver boundary.
package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"proxyforge/internal/models"
)

// ErrMissingSSHCredentials is returned when neither a provider SSH key id nor
// an authorized key is configured.
var ErrMissingSSHCredentials = errors.New("compute: no ssh credentials configured")

// ProvisionRequest describes one instance launch. UserData is opaque to the
// provider.
type ProvisionRequest struct {
	JobID    string
	FileID   string
	Label    string
	UserData []byte
}

// Tags returns the tags the instance is launched with.
func (r ProvisionRequest) Tags() []string {
	return models.InstanceTags(r.JobID, r.FileID)
}

// Provider is the compute provisioning contract.
type Provider interface {
	Provision(ctx context.Context, req ProvisionRequest) (models.ComputeInstance, error)
	// Deprovision destroys the instance. An instance that no longer exists
	// counts as success.
	Deprovision(ctx context.Context, instanceID string) error
	// ListInstances returns every instance carrying tag.
	ListInstances(ctx context.Context, tag string) ([]models.ComputeInstance, error)
	Ping(ctx context.Context) error
}

// ProviderError carries a non-2xx response from the provider API.
type ProviderError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("compute %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// NotFound reports whether the provider answered 404.
func (e *ProviderError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
