package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"proxyforge/internal/lifecycle"
	"proxyforge/internal/models"
	"proxyforge/internal/proxy"
	"proxyforge/internal/retention"
)

const testSecret = "s3cret"

type fakeJobs struct {
	created   []lifecycle.CreateJobRequest
	createErr error
	views     map[string]lifecycle.StatusView
	webhooks  []lifecycle.WebhookPayload
	hookErr   error
}

func (f *fakeJobs) CreateJob(_ context.Context, req lifecycle.CreateJobRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, req)
	return "job-1", nil
}

func (f *fakeJobs) GetStatus(_ context.Context, jobID string) (lifecycle.StatusView, error) {
	view, ok := f.views[jobID]
	if !ok {
		return lifecycle.StatusView{}, lifecycle.ErrNotFound
	}
	return view, nil
}

func (f *fakeJobs) HandleWebhook(_ context.Context, payload lifecycle.WebhookPayload) (models.Job, error) {
	if f.hookErr != nil {
		return models.Job{}, f.hookErr
	}
	f.webhooks = append(f.webhooks, payload)
	return models.Job{ID: payload.JobID, Status: models.JobStatus(payload.Status)}, nil
}

type fakeResolver struct {
	result proxy.Result
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, fileID string, tier models.QualityTier) (proxy.Result, error) {
	if f.err != nil {
		return proxy.Result{}, f.err
	}
	return f.result, nil
}

type fakeSweeper struct {
	runs []string
}

func (f *fakeSweeper) Run(_ context.Context, trigger string) retention.Stats {
	f.runs = append(f.runs, trigger)
	return retention.Stats{Scanned: 3, Deleted: 1, Retained: 2}
}

func newTestHandler(t *testing.T) (*Handler, *fakeJobs, *fakeResolver, *fakeSweeper) {
	t.Helper()
	jobs := &fakeJobs{views: make(map[string]lifecycle.StatusView)}
	resolver := &fakeResolver{}
	sweeper := &fakeSweeper{}
	handler := NewHandler(jobs, resolver, sweeper, testSecret)
	handler.Now = func() time.Time { return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC) }
	return handler, jobs, resolver, sweeper
}

func authorized(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testSecret)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestTranscodeAcceptsJob(t *testing.T) {
	handler, jobs, _, _ := newTestHandler(t)
	body := `{"fileId":"f1","sourceUrl":"https://x/a.mp4","qualities":["low-tier","mid-tier"]}`
	req := authorized(httptest.NewRequest(http.MethodPost, "/transcode", strings.NewReader(body)))
	rec := httptest.NewRecorder()

	handler.RequireAuth(handler.Transcode).ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp transcodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.JobID != "job-1" {
		t.Fatalf("unexpected response %s (%v)", rec.Body.String(), err)
	}
	if len(jobs.created) != 1 || jobs.created[0].FileID != "f1" || len(jobs.created[0].Qualities) != 2 {
		t.Fatalf("unexpected create request %+v", jobs.created)
	}
}

func TestTranscodeErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &lifecycle.ValidationError{Field: "sourceUrl", Message: "must use http or https"}, http.StatusBadRequest, "validation_error"},
		{"conflict", lifecycle.ErrJobInProgress, http.StatusConflict, "job_in_progress"},
		{"busy", lifecycle.ErrJobBusy, http.StatusServiceUnavailable, "busy"},
		{"internal", errors.New("durable store down"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, jobs, _, _ := newTestHandler(t)
			jobs.createErr = tc.err
			body := `{"fileId":"f1","sourceUrl":"ftp://x/a.mp4","qualities":["low-tier"]}`
			rec := httptest.NewRecorder()
			handler.Transcode(rec, httptest.NewRequest(http.MethodPost, "/transcode", strings.NewReader(body)))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if resp := decodeError(t, rec); resp.Error != tc.code {
				t.Fatalf("expected error code %q, got %q", tc.code, resp.Error)
			}
			if tc.code == "internal_error" && strings.Contains(rec.Body.String(), "durable") {
				t.Fatal("internal error details must not leak")
			}
		})
	}
}

func TestTranscodeRejectsMalformedBody(t *testing.T) {
	handler, jobs, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.Transcode(rec, httptest.NewRequest(http.MethodPost, "/transcode", strings.NewReader(`{"fileId":"f1","unexpected":true}`)))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d %s", rec.Code, rec.Body.String())
	}
	if len(jobs.created) != 0 {
		t.Fatal("malformed requests must not create jobs")
	}
}

func TestStatusReportsProgress(t *testing.T) {
	handler, jobs, _, _ := newTestHandler(t)
	jobs.views["job-1"] = lifecycle.StatusView{
		Job: models.Job{
			ID:                 "job-1",
			FileID:             "f1",
			Status:             models.JobProcessing,
			RequestedQualities: []models.QualityTier{models.QualityLow, models.QualityMid},
		},
		Progress:  50,
		Available: []models.QualityTier{models.QualityLow},
	}
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/status/job-1", nil), map[string]string{"jobId": "job-1"})
	rec := httptest.NewRecorder()
	handler.Status(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Progress == nil || *resp.Progress != 50 || resp.Status != models.JobProcessing || len(resp.AvailableQualities) != 1 {
		t.Fatalf("unexpected status response %+v", resp)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	handler, _, _, _ := newTestHandler(t)
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/status/nope", nil), map[string]string{"jobId": "nope"})
	rec := httptest.NewRecorder()
	handler.Status(rec, req)
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Error != "job_not_found" {
		t.Fatalf("expected job_not_found 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func proxyRequest(fileID, quality string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/proxy/"+fileID+"/"+quality, nil)
	return mux.SetURLVars(req, map[string]string{"fileId": fileID, "quality": quality})
}

func TestProxyServesFallbackWithHeaders(t *testing.T) {
	handler, _, resolver, _ := newTestHandler(t)
	resolver.result = proxy.Result{
		Body:             io.NopCloser(bytes.NewReader([]byte("low-bytes"))),
		Size:             9,
		ContentType:      "video/mp4",
		JobID:            "job-1",
		RequestedQuality: models.QualityMid,
		ActualQuality:    models.QualityLow,
		UpgradeScheduled: true,
	}
	rec := httptest.NewRecorder()
	handler.Proxy(rec, proxyRequest("f1", "mid-tier"))

	if rec.Code != http.StatusOK || rec.Body.String() != "low-bytes" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	header := rec.Header()
	expect := map[string]string{
		"Content-Type":        "video/mp4",
		"Content-Length":      "9",
		"Cache-Control":       "public, max-age=60",
		"X-Proxy-Quality":     "low-tier",
		"X-Requested-Quality": "mid-tier",
		"X-Upgrade-Scheduled": "true",
	}
	for name, want := range expect {
		if got := header.Get(name); got != want {
			t.Fatalf("header %s = %q, want %q", name, got, want)
		}
	}
}

func TestProxyExactHitIsCachedLonger(t *testing.T) {
	handler, _, resolver, _ := newTestHandler(t)
	resolver.result = proxy.Result{
		Body:             io.NopCloser(strings.NewReader("x")),
		Size:             1,
		ContentType:      "video/mp4",
		RequestedQuality: models.QualityLow,
		ActualQuality:    models.QualityLow,
	}
	rec := httptest.NewRecorder()
	handler.Proxy(rec, proxyRequest("f1", "low-tier"))
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Fatalf("unexpected Cache-Control %q", got)
	}
	if got := rec.Header().Get("X-Upgrade-Scheduled"); got != "false" {
		t.Fatalf("unexpected X-Upgrade-Scheduled %q", got)
	}
}

func TestProxyErrors(t *testing.T) {
	handler, _, resolver, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.Proxy(rec, proxyRequest("f1", "ultra-tier"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", rec.Code)
	}

	for _, reason := range []string{proxy.ReasonJobNotFound, proxy.ReasonNoRenditions} {
		resolver.err = &proxy.NotFoundError{FileID: "f1", Quality: models.QualityHigh, Reason: reason}
		rec = httptest.NewRecorder()
		handler.Proxy(rec, proxyRequest("f1", "high-tier"))
		if rec.Code != http.StatusNotFound || decodeError(t, rec).Error != reason {
			t.Fatalf("expected 404 %s, got %d %s", reason, rec.Code, rec.Body.String())
		}
	}
}

func TestWebhookRequiresCredential(t *testing.T) {
	handler, jobs, _, _ := newTestHandler(t)
	body := `{"jobId":"job-1","status":"completed","qualities":["low-tier"]}`

	for _, header := range []string{"", "Bearer wrong", "Basic " + testSecret, "Bearer " + testSecret + "x"} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.RequireAuth(handler.Webhook).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Error != "unauthorized" {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
	if len(jobs.webhooks) != 0 {
		t.Fatal("unauthorized webhooks must not reach the lifecycle manager")
	}

	req := authorized(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	handler.RequireAuth(handler.Webhook).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp webhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.Success || resp.Status != models.JobCompleted {
		t.Fatalf("unexpected webhook response %s", rec.Body.String())
	}
}

func TestWebhookToleratesExtraFields(t *testing.T) {
	handler, jobs, _, _ := newTestHandler(t)
	body := `{"jobId":"job-1","status":"failed","error":"ffmpeg exited 1","host":"worker-7"}`
	rec := httptest.NewRecorder()
	handler.Webhook(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusOK || len(jobs.webhooks) != 1 || jobs.webhooks[0].Error != "ffmpeg exited 1" {
		t.Fatalf("unexpected webhook handling %d %+v", rec.Code, jobs.webhooks)
	}
}

func TestLifecycleRunsSweep(t *testing.T) {
	handler, _, _, sweeper := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.RequireAuth(handler.Lifecycle).ServeHTTP(rec, authorized(httptest.NewRequest(http.MethodPost, "/lifecycle", nil)))
	if rec.Code != http.StatusOK || len(sweeper.runs) != 1 || sweeper.runs[0] != retention.TriggerManual {
		t.Fatalf("unexpected sweep handling %d %v", rec.Code, sweeper.runs)
	}
	var stats retention.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.Deleted != 1 || stats.Scanned != 3 {
		t.Fatalf("unexpected stats body %s", rec.Body.String())
	}
}

func TestHealthHidesComponentsFromAnonymousCallers(t *testing.T) {
	handler, _, _, _ := newTestHandler(t)
	handler.Probes = []Probe{
		{Name: "cache", Check: func(context.Context) error { return nil }},
		{Name: "durable", Check: func(context.Context) error { return errors.New("connection refused") }},
	}

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || resp.Status != "ok" || resp.Service != "proxyforge" || len(resp.Components) != 0 {
		t.Fatalf("unexpected anonymous health %d %+v", rec.Code, resp)
	}

	rec = httptest.NewRecorder()
	handler.Health(rec, authorized(httptest.NewRequest(http.MethodGet, "/health", nil)))
	resp = healthResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable || resp.Status != "degraded" || len(resp.Components) != 2 {
		t.Fatalf("unexpected privileged health %d %+v", rec.Code, resp)
	}
	if resp.Components[1].Error != "connection refused" {
		t.Fatalf("expected durable error to be reported, got %+v", resp.Components[1])
	}
}

func TestTranscodeRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"unknownField":  `{"fileId":"f1","sourceUrl":"https://x/a.mp4","qualities":["low-tier"],"priority":1}`,
		"trailingValue": `{"fileId":"f1","sourceUrl":"https://x/a.mp4","qualities":["low-tier"]} {}`,
		"empty":         ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			handler, jobs, _, _ := newTestHandler(t)
			rec := httptest.NewRecorder()
			handler.Transcode(rec, httptest.NewRequest(http.MethodPost, "/transcode", strings.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if decodeError(t, rec).Error != "invalid_request" {
				t.Fatalf("unexpected error body %s", rec.Body.String())
			}
			if len(jobs.created) != 0 {
				t.Fatal("expected no job to be created")
			}
		})
	}
}
