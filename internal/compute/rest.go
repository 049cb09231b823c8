package compute

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proxyforge/internal/config"
	"proxyforge/internal/models"
	"proxyforge/internal/observability/logging"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
	listPageSize         = 100
	maxListPages         = 50
)

// RESTProvider talks to an instance-oriented cloud API.
type RESTProvider struct {
	baseURL       string
	apiKey        string
	region        string
	plan          string
	image         string
	sshKeyID      string
	authorizedKey string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// RESTOption customizes a RESTProvider.
type RESTOption func(*RESTProvider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RESTOption {
	return func(p *RESTProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) RESTOption {
	return func(p *RESTProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetries configures retry behaviour for idempotent calls.
func WithRetries(attempts int, interval time.Duration) RESTOption {
	return func(p *RESTProvider) {
		p.maxAttempts = attempts
		p.retryInterval = interval
	}
}

// NewRESTProvider constructs a provider from cfg.
func NewRESTProvider(cfg config.ComputeConfig, opts ...RESTOption) (*RESTProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("compute base url required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("compute api key required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultComputeTimeout
	}
	p := &RESTProvider{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		region:        cfg.Region,
		plan:          cfg.Plan,
		image:         cfg.Image,
		sshKeyID:      strings.TrimSpace(cfg.SSHKeyID),
		authorizedKey: strings.TrimSpace(cfg.AuthorizedKey),
		client:        &http.Client{Timeout: timeout},
		logger:        slog.Default(),
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.WithComponent(p.logger, "compute")
	return p, nil
}

type createInstanceRequest struct {
	Region    string   `json:"region"`
	Plan      string   `json:"plan"`
	Image     string   `json:"image,omitempty"`
	Label     string   `json:"label"`
	Hostname  string   `json:"hostname"`
	SSHKeyIDs []string `json:"sshkey_id,omitempty"`
	UserData  string   `json:"user_data"`
	Tags      []string `json:"tags"`
}

// Provision launches one instance. The request is not retried so that a slow
// success is never duplicated.
func (p *RESTProvider) Provision(ctx context.Context, req ProvisionRequest) (models.ComputeInstance, error) {
	if p.sshKeyID == "" && p.authorizedKey == "" {
		return models.ComputeInstance{}, ErrMissingSSHCredentials
	}
	label := req.Label
	if label == "" {
		label = "proxyforge-" + req.JobID
	}
	payload := createInstanceRequest{
		Region:   p.region,
		Plan:     p.plan,
		Image:    p.image,
		Label:    label,
		Hostname: label,
		UserData: base64.StdEncoding.EncodeToString(req.UserData),
		Tags:     req.Tags(),
	}
	if p.sshKeyID != "" {
		payload.SSHKeyIDs = []string{p.sshKeyID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.ComputeInstance{}, fmt.Errorf("marshal request: %w", err)
	}
	var envelope map[string]any
	if err := p.do(ctx, http.MethodPost, "/instances", body, &envelope, 1); err != nil {
		return models.ComputeInstance{}, fmt.Errorf("provision instance for job %s: %w", req.JobID, err)
	}
	raw := envelope
	if nested, ok := envelope["instance"].(map[string]any); ok {
		raw = nested
	}
	instance, err := normalizeInstance(raw)
	if err != nil {
		return models.ComputeInstance{}, fmt.Errorf("provision instance for job %s: %w", req.JobID, err)
	}
	if len(instance.Tags) == 0 {
		instance.ApplyTags(req.Tags())
	}
	return instance, nil
}

// Deprovision deletes the instance, treating 404 as already gone.
func (p *RESTProvider) Deprovision(ctx context.Context, instanceID string) error {
	if strings.TrimSpace(instanceID) == "" {
		return nil
	}
	err := p.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(instanceID), nil, nil, p.maxAttempts)
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.NotFound() {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deprovision instance %s: %w", instanceID, err)
	}
	return nil
}

// ListInstances follows cursor pagination until the provider stops returning
// a next cursor.
func (p *RESTProvider) ListInstances(ctx context.Context, tag string) ([]models.ComputeInstance, error) {
	var (
		out    []models.ComputeInstance
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(listPageSize))
		if tag != "" {
			query.Set("tag", tag)
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var envelope map[string]any
		if err := p.do(ctx, http.MethodGet, "/instances?"+query.Encode(), nil, &envelope, p.maxAttempts); err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, item := range instanceItems(envelope) {
			instance, err := normalizeInstance(item)
			if err != nil {
				p.logger.Warn("skipping malformed instance", "error", err)
				continue
			}
			if tag != "" && !instance.HasTag(tag) {
				continue
			}
			out = append(out, instance)
		}
		cursor = nextCursor(envelope)
		if cursor == "" {
			return out, nil
		}
	}
	p.logger.Warn("instance listing truncated", "pages", maxListPages)
	return out, nil
}

// Ping verifies credentials with a minimal listing.
func (p *RESTProvider) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/instances?per_page=1", nil, nil, 1)
}

func instanceItems(envelope map[string]any) []map[string]any {
	for _, field := range []string{"instances", "data", "items"} {
		list, ok := envelope[field].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	}
	return nil
}

func nextCursor(envelope map[string]any) string {
	if meta, ok := envelope["meta"].(map[string]any); ok {
		if links, ok := meta["links"].(map[string]any); ok {
			if next := firstString(links, []string{"next"}); next != "" {
				return next
			}
		}
	}
	return firstString(envelope, []string{"next_cursor", "nextCursor"})
}

func (p *RESTProvider) do(ctx context.Context, method, path string, payload []byte, dest any, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	endpoint := p.baseURL + path
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		lastErr = p.roundTrip(req, dest)
		if lastErr == nil {
			return nil
		}
		var providerErr *ProviderError
		if errors.As(lastErr, &providerErr) && providerErr.StatusCode < http.StatusInternalServerError && providerErr.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
		if attempt < attempts {
			p.logger.Warn("compute request failed", "method", method, "path", stripQuery(path), "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryInterval):
			}
		}
	}
	return lastErr
}

func (p *RESTProvider) roundTrip(req *http.Request, dest any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{
			Method:     req.Method,
			Path:       stripQuery(req.URL.Path),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func stripQuery(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}
