// Package server provides the HTTP interface for docforge: the interactive
// render endpoint, job enqueue and status, and the ops surface for the
// scheduler, template cache and converter pool.
package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/config"
	"github.com/canopus-hq/docforge/convert"
	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/renderer"
	"github.com/canopus-hq/docforge/scheduler"
	"github.com/canopus-hq/docforge/templatecache"
)

// The maximum envelope size accepted on the interactive and enqueue routes.
const MaxEnvelopeSize = 1024 * 1024

var disallowUnencryptedRequests = true

func init() {
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

// Pipeline renders one envelope synchronously. Satisfied by
// *renderer.Renderer.
type Pipeline interface {
	Render(ctx context.Context, env *models.RequestEnvelope) (*renderer.Result, error)
}

// JobStore is the slice of the platform API the HTTP layer needs. Satisfied
// by *platform.JobService.
type JobStore interface {
	Create(ctx context.Context, env models.RequestEnvelope, correlationID string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	FindReusableByHash(ctx context.Context, hash string, window time.Duration) (*models.Job, error)
}

// SchedulerControl starts, stops and inspects the batch scheduler.
// Satisfied by *scheduler.Scheduler.
type SchedulerControl interface {
	Start() error
	Stop()
	Status(ctx context.Context) scheduler.Status
}

// Dependencies is everything the HTTP layer serves. Cache and Pool may be
// nil; their stats are then omitted.
type Dependencies struct {
	Pipeline  Pipeline
	Jobs      JobStore
	Scheduler SchedulerControl
	Cache     *templatecache.Cache
	Pool      *convert.Pool
	Logger    *zap.Logger

	// HashWindow bounds how old a SUCCEEDED job may be for enqueue to hand
	// back its output instead of creating a duplicate. Zero disables the
	// pre-check; the platform's hash uniqueness still applies.
	HashWindow time.Duration
}

// POST /v1/render
var renderRoute = regexp.MustCompile(`^/v1/render$`)

// POST /v1/jobs
var jobsRoute = regexp.MustCompile(`^/v1/jobs$`)

// GET /v1/jobs/job_123
var getJobRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>job_[^\s\/]+)$`)

// GET /v1/scheduler, POST /v1/scheduler/start|stop
var schedulerRoute = regexp.MustCompile(`^/v1/scheduler$`)
var schedulerStartRoute = regexp.MustCompile(`^/v1/scheduler/start$`)
var schedulerStopRoute = regexp.MustCompile(`^/v1/scheduler/stop$`)

// GET /v1/stats
var statsRoute = regexp.MustCompile(`^/v1/stats$`)

// Get returns a http.Handler with all routes initialized using the given
// Authorizer.
func Get(a Authorizer, deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &server{deps: deps, logger: deps.Logger}
	h := new(RegexpHandler)

	h.Handler(renderRoute, []string{"POST"}, authHandler(http.HandlerFunc(s.handleRender), a))
	h.Handler(jobsRoute, []string{"POST"}, authHandler(http.HandlerFunc(s.handleEnqueue), a))
	h.Handler(getJobRoute, []string{"GET"}, authHandler(http.HandlerFunc(s.handleGetJob), a))

	h.Handler(schedulerRoute, []string{"GET"}, authHandler(http.HandlerFunc(s.handleSchedulerStatus), a))
	h.Handler(schedulerStartRoute, []string{"POST"}, authHandler(http.HandlerFunc(s.handleSchedulerStart), a))
	h.Handler(schedulerStopRoute, []string{"POST"}, authHandler(http.HandlerFunc(s.handleSchedulerStop), a))
	h.Handler(statsRoute, []string{"GET"}, authHandler(http.HandlerFunc(s.handleStats), a))

	h.Handler(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), a))

	h.Handler(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), a))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h),
		),
	)
}

type server struct {
	deps   Dependencies
	logger *zap.Logger
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") || r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("docforge/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
// unencrypted.
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(user, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.Header().Write(b)
			for k, v := range res.Header() {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}
