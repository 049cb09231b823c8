package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const probeTimeout = 3 * time.Second

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// componentHealth runs every probe concurrently, each under its own timeout,
// and reports them in registration order.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	results := make([]componentStatus, len(h.Probes))
	var group errgroup.Group
	for i, probe := range h.Probes {
		if probe.Check == nil {
			continue
		}
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			results[i] = componentStatus{Component: probe.Name, Status: "ok"}
			if err := probe.Check(probeCtx); err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = group.Wait()

	components := make([]componentStatus, 0, len(results))
	overall, code := "ok", http.StatusOK
	for _, result := range results {
		if result.Component == "" {
			continue
		}
		if result.Status != "ok" {
			overall, code = "degraded", http.StatusServiceUnavailable
		}
		components = append(components, result)
	}
	return components, overall, code
}
