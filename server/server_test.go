package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
	"github.com/canopus-hq/docforge/renderer"
	"github.com/canopus-hq/docforge/scheduler"
	"github.com/canopus-hq/docforge/test"
)

type fakePipeline struct {
	res *renderer.Result
	err error
	got *models.RequestEnvelope
}

func (f *fakePipeline) Render(ctx context.Context, env *models.RequestEnvelope) (*renderer.Result, error) {
	f.got = env
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeJobs struct {
	created     *models.Job
	createErr   error
	createCalls int
	jobs        map[string]*models.Job
	reusable    *models.Job
	reuseErr    error
}

func (f *fakeJobs) Create(ctx context.Context, env models.RequestEnvelope, correlationID string) (*models.Job, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.created, nil
}

func (f *fakeJobs) FindReusableByHash(ctx context.Context, hash string, window time.Duration) (*models.Job, error) {
	if f.reuseErr != nil {
		return nil, f.reuseErr
	}
	return f.reusable, nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, platform.ErrJobNotFound
}

type fakeScheduler struct {
	running  bool
	startErr error
}

func (f *fakeScheduler) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeScheduler) Stop() { f.running = false }

func (f *fakeScheduler) Status(ctx context.Context) scheduler.Status {
	return scheduler.Status{Running: f.running}
}

func testServer(deps Dependencies) http.Handler {
	a := NewSharedSecretAuthorizer()
	a.AddUser("test", "forge-secret")
	return Get(a, deps)
}

func authRequest(method, path string, body []byte) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	}
	req.SetBasicAuth("test", "forge-secret")
	return req
}

func validEnvelope() []byte {
	return []byte(`{
		"templateId": "tmpl_invoice",
		"outputFormat": "PDF",
		"data": {"total": 12}
	}`)
}

func TestNoCredentialsReturns401(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/v1/scheduler", nil))
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertContains(t, w.Header().Get("WWW-Authenticate"), "docforge")
}

func TestWrongPasswordReturns403(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Scheduler: &fakeScheduler{}})
	req := httptest.NewRequest("GET", "/v1/scheduler", nil)
	req.SetBasicAuth("test", "wrongpassword")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusForbidden)
}

func TestRenderReturnsResult(t *testing.T) {
	t.Parallel()
	pipe := &fakePipeline{res: &renderer.Result{OutputFileID: "file_1", RequestHash: "abc"}}
	s := testServer(Dependencies{Pipeline: pipe, Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/render", validEnvelope()))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertEquals(t, w.Header().Get("Content-Type"), "application/json; charset=utf-8")
	var res renderer.Result
	test.AssertNotError(t, json.NewDecoder(w.Body).Decode(&res), "decoding result")
	test.AssertEquals(t, res.OutputFileID, "file_1")
	test.AssertEquals(t, pipe.got.TemplateID, "tmpl_invoice")
}

func TestRenderStripsIntermediateUnlessRequested(t *testing.T) {
	t.Parallel()
	pipe := &fakePipeline{res: &renderer.Result{OutputFileID: "file_1", IntermediateFileID: "file_2"}}
	s := testServer(Dependencies{Pipeline: pipe, Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/render", validEnvelope()))
	var res renderer.Result
	test.AssertNotError(t, json.NewDecoder(w.Body).Decode(&res), "decoding result")
	test.AssertEquals(t, res.IntermediateFileID, "")

	pipe.res = &renderer.Result{OutputFileID: "file_1", IntermediateFileID: "file_2"}
	body := []byte(`{
		"templateId": "tmpl_invoice",
		"outputFormat": "PDF",
		"options": {"storeMergedIntermediate": true, "returnIntermediateToCaller": true},
		"data": {"total": 12}
	}`)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/render", body))
	test.AssertNotError(t, json.NewDecoder(w.Body).Decode(&res), "decoding result")
	test.AssertEquals(t, res.IntermediateFileID, "file_2")
}

func TestRenderRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Pipeline: &fakePipeline{}, Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	body := []byte(`{"outputFormat": "PDF", "data": {}}`)
	s.ServeHTTP(w, authRequest("POST", "/v1/render", body))
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
	test.AssertContains(t, w.Body.String(), "invalid_envelope")
}

func TestRenderMapsPipelineErrors(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		code models.ErrorCode
		want int
	}{
		{models.CodeTemplateNotFound, http.StatusNotFound},
		{models.CodeConversionTimeout, http.StatusGatewayTimeout},
		{models.CodeUploadFailed, http.StatusBadGateway},
		{models.CodeUnknown, http.StatusInternalServerError},
	} {
		pipe := &fakePipeline{err: models.NewPipelineError("render", tt.code, fmt.Errorf("boom"))}
		s := testServer(Dependencies{Pipeline: pipe, Scheduler: &fakeScheduler{}})
		w := httptest.NewRecorder()
		s.ServeHTTP(w, authRequest("POST", "/v1/render", validEnvelope()))
		test.AssertEquals(t, w.Code, tt.want)
		test.AssertContains(t, w.Body.String(), string(tt.code))
	}
}

func TestEnqueueAcceptsJob(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{created: &models.Job{ID: "job_1", Status: models.StatusQueued}}
	s := testServer(Dependencies{Jobs: jobs, Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/jobs", validEnvelope()))
	test.AssertEquals(t, w.Code, http.StatusAccepted)
	test.AssertContains(t, w.Body.String(), "job_1")
}

func TestEnqueueReturnsPriorOutputForCompletedRequest(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{
		reusable: &models.Job{ID: "job_prior", Status: models.StatusSucceeded, OutputFileID: "file_9"},
	}
	s := testServer(Dependencies{Jobs: jobs, Scheduler: &fakeScheduler{}, HashWindow: 24 * time.Hour})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/jobs", validEnvelope()))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertContains(t, w.Body.String(), "job_prior")
	test.AssertContains(t, w.Body.String(), "file_9")
	test.AssertEquals(t, jobs.createCalls, 0)
}

func TestEnqueueReuseLookupFailureStillEnqueues(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{
		created:  &models.Job{ID: "job_1", Status: models.StatusQueued},
		reuseErr: errors.New("platform unavailable"),
	}
	s := testServer(Dependencies{Jobs: jobs, Scheduler: &fakeScheduler{}, HashWindow: 24 * time.Hour})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/jobs", validEnvelope()))
	test.AssertEquals(t, w.Code, http.StatusAccepted)
	test.AssertEquals(t, jobs.createCalls, 1)
}

func TestEnqueueDuplicateHashConflicts(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{createErr: platform.ErrDuplicateHash}
	s := testServer(Dependencies{Jobs: jobs, Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/jobs", validEnvelope()))
	test.AssertEquals(t, w.Code, http.StatusConflict)
	test.AssertContains(t, w.Body.String(), "duplicate_request_hash")
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{jobs: map[string]*models.Job{
		"job_1": {ID: "job_1", Status: models.StatusSucceeded, OutputFileID: "file_9"},
	}}
	s := testServer(Dependencies{Jobs: jobs, Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("GET", "/v1/jobs/job_1", nil))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertContains(t, w.Body.String(), "file_9")

	w = httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("GET", "/v1/jobs/job_2", nil))
	test.AssertEquals(t, w.Code, http.StatusNotFound)
}

func TestSchedulerLifecycleRoutes(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{}
	s := testServer(Dependencies{Scheduler: sched})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/scheduler/start", nil))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertEquals(t, sched.running, true)

	sched.startErr = errors.New("scheduler: already running")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/scheduler/start", nil))
	test.AssertEquals(t, w.Code, http.StatusConflict)

	w = httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("POST", "/v1/scheduler/stop", nil))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertEquals(t, sched.running, false)

	w = httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("GET", "/v1/scheduler", nil))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertContains(t, w.Body.String(), `"running":false`)
}

func TestHomepageIsPlainTextBanner(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("GET", "/", nil))
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertEquals(t, w.Header().Get("Content-Type"), "text/plain; charset=utf-8")
	test.AssertContains(t, w.Body.String(), "docforge version")
	test.Assert(t, !bytes.Contains(w.Body.Bytes(), []byte("<")), "banner should not be HTML")
}

func TestUnknownRouteReturns404(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("GET", "/v1/nope", nil))
	test.AssertEquals(t, w.Code, http.StatusNotFound)
}

func TestWrongMethodReturns405(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Scheduler: &fakeScheduler{}})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authRequest("GET", "/v1/render", nil))
	test.AssertEquals(t, w.Code, http.StatusMethodNotAllowed)
}

func TestProxiedHTTPForbidden(t *testing.T) {
	t.Parallel()
	s := testServer(Dependencies{Scheduler: &fakeScheduler{}})
	req := authRequest("GET", "/v1/scheduler", nil)
	req.Header.Set("X-Forwarded-Proto", "http")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusForbidden)
	test.AssertContains(t, w.Body.String(), "insecure_request")
}
