package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	httprouter "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/ayvex/llm-orchestrator/internal/metrics"
	"github.com/ayvex/llm-orchestrator/internal/providers"
	"github.com/ayvex/llm-orchestrator/internal/queue"
	"github.com/ayvex/llm-orchestrator/internal/ratelimit"
	"github.com/ayvex/llm-orchestrator/internal/router"
	"github.com/ayvex/llm-orchestrator/pkg/apierr"
)

const defaultRequestTimeout = 60 * time.Second

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch *Orchestrator
	jobs *queue.Manager
	met  *metrics.Registry
	rpm  *ratelimit.RPMLimiter
	log  *slog.Logger

	corsOrigins    []string
	requestTimeout time.Duration
}

// ServerOptions tunes the HTTP surface. All fields are optional.
type ServerOptions struct {
	Logger         *slog.Logger
	Metrics        *metrics.Registry
	RPMLimiter     *ratelimit.RPMLimiter
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewServer creates a Server. jobs may be nil to disable the async job API.
func NewServer(orch *Orchestrator, jobs *queue.Manager, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Server{
		orch:           orch,
		jobs:           jobs,
		met:            opts.Metrics,
		rpm:            opts.RPMLimiter,
		log:            log,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: timeout,
	}
}

// Handler builds the routed, middleware-wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := httprouter.New()

	r.POST("/v1/complete", s.instrument("complete", s.handleComplete))
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)

	if s.jobs != nil {
		r.POST("/v1/jobs", s.instrument("jobs_submit", s.handleSubmitJob))
		r.GET("/v1/jobs/{id}", s.handleGetJob)
		r.DELETE("/v1/jobs/{id}", s.handleCancelJob)
		r.GET("/v1/jobs/{id}/wait", s.handleWaitJob)
	}

	if s.met != nil {
		r.GET("/metrics", s.met.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks.
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// instrument wraps h with in-flight and per-route HTTP metrics.
func (s *Server) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.met == nil {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.met.IncInFlight()
		defer func() {
			s.met.DecInFlight()
			s.met.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
		h(ctx)
	}
}

func (s *Server) handleComplete(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	if s.rpm != nil {
		allowed, err := s.rpm.Allow(ctx)
		if err == nil && !allowed {
			if s.met != nil {
				s.met.RecordRateLimit("blocked")
			}
			s.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
			apierr.WriteRateLimit(ctx)
			return
		}
		if s.met != nil {
			if err != nil {
				s.met.RecordRateLimit("error")
			} else {
				s.met.RecordRateLimit("allowed")
			}
		}
	}

	req, ok := s.parseRequest(ctx, reqID)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.orch.Complete(callCtx, req)
	if err != nil {
		s.writeCompletionError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleSubmitJob(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	var body struct {
		Request    *providers.Request `json:"request"`
		Priority   int                `json:"priority"`
		MaxRetries int                `json:"max_retries"`
		WebhookURL string             `json:"webhook_url"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Request == nil || len(body.Request.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'request.messages' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Request.ID == "" {
		body.Request.ID = reqID
	}

	id := s.jobs.Submit(body.Request, queue.Options{
		Priority:   body.Priority,
		MaxRetries: body.MaxRetries,
		WebhookURL: body.WebhookURL,
	})

	s.log.InfoContext(ctx, "job_submitted",
		slog.String("request_id", reqID),
		slog.String("job_id", id),
		slog.Int("priority", body.Priority),
	)
	writeJSON(ctx, fasthttp.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(queue.StatusPending),
	})
}

func (s *Server) handleGetJob(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	job := s.jobs.GetJob(id)
	if job == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("job %q not found", id),
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, job)
}

func (s *Server) handleCancelJob(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if s.jobs.GetJob(id) == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("job %q not found", id),
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	if !s.jobs.Cancel(id) {
		apierr.Write(ctx, fasthttp.StatusConflict,
			"job is no longer pending",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{
		"job_id": id,
		"status": string(queue.StatusCancelled),
	})
}

func (s *Server) handleWaitJob(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	timeout := 30 * time.Second
	if secs := ctx.QueryArgs().GetUintOrZero("timeout"); secs > 0 {
		if secs > 120 {
			secs = 120
		}
		timeout = time.Duration(secs) * time.Second
	}

	resp, err := s.jobs.WaitForJob(id, timeout)
	switch {
	case err == nil:
		writeJSON(ctx, fasthttp.StatusOK, resp)
	case errors.Is(err, queue.ErrJobNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("job %q not found", id),
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
	case errors.Is(err, queue.ErrWaitTimeout):
		apierr.Write(ctx, fasthttp.StatusRequestTimeout,
			"job did not finish within the wait window",
			apierr.TypeServerError, apierr.CodeRequestTimeout)
	case errors.Is(err, queue.ErrCancelled):
		apierr.Write(ctx, fasthttp.StatusConflict,
			"job was cancelled",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.orch.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.orch.health.Snapshot())
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	type statsPayload struct {
		StatsSnapshot
		Queue *queue.Stats `json:"queue,omitempty"`
	}
	p := statsPayload{StatsSnapshot: s.orch.Stats()}
	if s.jobs != nil {
		qs := s.jobs.Stats()
		p.Queue = &qs
	}
	writeJSON(ctx, fasthttp.StatusOK, p)
}

// parseRequest decodes and validates the completion request body.
func (s *Server) parseRequest(ctx *fasthttp.RequestCtx, reqID string) (*providers.Request, bool) {
	var req providers.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if req.ID == "" {
		req.ID = reqID
	}
	return &req, true
}

// writeCompletionError maps pipeline errors onto the API error envelope.
//
//	budget caps                → 402
//	no routable candidate      → 400
//	statusCoder provider error → remapped via apierr
//	deadline exceeded          → 504
//	anything else              → 502
func (s *Server) writeCompletionError(ctx *fasthttp.RequestCtx, err error) {
	var reqBudget *RequestBudgetError
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		apierr.WriteBudgetExceeded(ctx, err.Error())
	case errors.As(err, &reqBudget):
		apierr.WriteBudgetExceeded(ctx, err.Error())
	case errors.Is(err, router.ErrNoCandidates):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var sc providers.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
