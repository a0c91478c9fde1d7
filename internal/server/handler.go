// Package server exposes the comfort pipeline over HTTP.
//
// One POST /api/comfort request moves strictly forward through the stages
// ReceivingRequest → RateLimiting → Validating → BuildingPrompt →
// CallingUpstream → ParsingResponse → Responding. Any failure ends the
// request with a terminal error response; no stage is retried.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/crushworry/comfort-gateway/internal/comfort"
	"github.com/crushworry/comfort-gateway/internal/logger"
	"github.com/crushworry/comfort-gateway/internal/prompt"
	"github.com/crushworry/comfort-gateway/internal/ratelimit"
	"github.com/crushworry/comfort-gateway/internal/upstream"
	"github.com/crushworry/comfort-gateway/pkg/apierr"
)

// Stage names the pipeline step a request reached.
type Stage string

const (
	StageReceiving       Stage = "receiving_request"
	StageRateLimiting    Stage = "rate_limiting"
	StageValidating      Stage = "validating"
	StageBuildingPrompt  Stage = "building_prompt"
	StageCallingUpstream Stage = "calling_upstream"
	StageParsing         Stage = "parsing_response"
	StageResponding      Stage = "responding"
)

// Terminal outcomes, used as log event names and metric labels.
const (
	OutcomeOK                = "comfort_ok"
	OutcomeMethodNotAllowed  = "method_not_allowed"
	OutcomeRateLimited       = "rate_limited"
	OutcomeMissingCredential = "missing_credential"
	OutcomeInvalidRequest    = "invalid_request"
	OutcomeUpstreamError     = "upstream_error"
	OutcomeUpstreamTimeout   = "upstream_timeout"
	OutcomeUpstreamFailed    = "upstream_failed"
	OutcomeInvalidSchema     = "invalid_schema"
)

// Completer is the upstream chat-completion call.
type Completer interface {
	Complete(ctx context.Context, msgs []prompt.Message) (*upstream.Completion, error)
	HasCredential() bool
	Model() string
}

// Limiter is the per-client request gate.
type Limiter interface {
	Check(ctx context.Context, identifier string) ratelimit.Decision
}

// RequestLogger receives one entry per finished comfort request.
type RequestLogger interface {
	Log(entry logger.RequestLog)
}

// requestState tracks one comfort request through the pipeline.
type requestState struct {
	start     time.Time
	stage     Stage
	outcome   string
	client    string
	traceID   string
	requestID string
	model     string
	category  string
}

func (s *Server) handleComfort(ctx *fasthttp.RequestCtx) {
	st := &requestState{
		start:   time.Now(),
		stage:   StageReceiving,
		client:  ClientIdentifier(ctx),
		traceID: traceID(ctx),
	}
	defer s.finish(ctx, st)

	if !ctx.IsPost() {
		st.outcome = OutcomeMethodNotAllowed
		apierr.WriteMethodNotAllowed(ctx)
		return
	}

	st.stage = StageRateLimiting
	decision := s.limiter.Check(ctx, st.client)
	s.recordRateLimit(decision)
	if !decision.Allowed {
		st.outcome = OutcomeRateLimited
		s.log.WarnContext(ctx, OutcomeRateLimited,
			s.attrs(st,
				slog.Int("retry_after_seconds", decision.RetryAfterSeconds),
			)...,
		)
		apierr.WriteRateLimit(ctx, decision.RetryAfterSeconds)
		return
	}

	st.stage = StageValidating
	if !s.upstream.HasCredential() {
		s.missingCredential(ctx, st)
		return
	}

	req, err := comfort.DecodeRequest(ctx.PostBody())
	if err != nil {
		s.invalidRequest(ctx, st, err, apierr.MsgInvalidBody)
		return
	}
	st.requestID = req.RequestID

	if err := req.Validate(); err != nil {
		msg := apierr.MsgMissingProblem
		if errors.Is(err, comfort.ErrProblemTooLong) {
			msg = apierr.MsgProblemTooLong
		}
		s.invalidRequest(ctx, st, err, msg)
		return
	}

	st.stage = StageBuildingPrompt
	msgs := prompt.Messages(prompt.FromRequest(req))

	st.stage = StageCallingUpstream
	upStart := time.Now()
	completion, err := s.upstream.Complete(ctx, msgs)
	if err != nil {
		s.upstreamFailure(ctx, st, err, time.Since(upStart))
		return
	}
	s.observeUpstream("ok", completion.Elapsed)

	st.stage = StageParsing
	env, err := comfort.ParseEnvelope(completion.Raw, s.upstream.Model())
	if err != nil {
		st.outcome = OutcomeUpstreamFailed
		s.log.WarnContext(ctx, OutcomeUpstreamFailed, s.attrs(st, slog.String("error", err.Error()))...)
		apierr.WriteUpstreamFailed(ctx, req.RequestID)
		return
	}
	st.model = env.Model

	payload, err := comfort.Decode(req, env)
	if err != nil {
		s.schemaFailure(ctx, st, err, env, req.RequestID)
		return
	}

	st.stage = StageResponding
	st.outcome = OutcomeOK
	st.category = payload.Category
	apierr.WriteJSON(ctx, fasthttp.StatusOK, payload)

	s.log.InfoContext(ctx, OutcomeOK, s.attrs(st,
		slog.String("model", env.Model),
		slog.String("finish_reason", env.FinishReason),
		slog.String("category", payload.Category),
		slog.Int("comfort", len(payload.Comfort)),
	)...)
	if s.metrics != nil {
		s.metrics.RecordCategory(payload.Category)
	}
}

func (s *Server) missingCredential(ctx *fasthttp.RequestCtx, st *requestState) {
	st.outcome = OutcomeMissingCredential
	s.log.ErrorContext(ctx, OutcomeMissingCredential, s.attrs(st)...)
	apierr.WriteMissingCredential(ctx)
}

func (s *Server) invalidRequest(ctx *fasthttp.RequestCtx, st *requestState, err error, msg string) {
	st.outcome = OutcomeInvalidRequest
	s.log.InfoContext(ctx, OutcomeInvalidRequest, s.attrs(st, slog.String("reason", err.Error()))...)
	apierr.WriteBadRequest(ctx, msg)
}

// upstreamFailure maps an upstream error to its 502 variant. Status codes and
// bodies go to the logs; timeouts are flagged as aborted.
func (s *Server) upstreamFailure(ctx *fasthttp.RequestCtx, st *requestState, err error, elapsed time.Duration) {
	var (
		httpErr    *upstream.HTTPError
		timeoutErr *upstream.TimeoutError
	)
	switch {
	case errors.Is(err, upstream.ErrMissingCredential):
		s.missingCredential(ctx, st)

	case errors.Is(err, upstream.ErrCircuitOpen):
		st.outcome = OutcomeUpstreamFailed
		s.observeUpstream("circuit_open", elapsed)
		s.log.WarnContext(ctx, OutcomeUpstreamFailed, s.attrs(st,
			slog.Bool("aborted", false),
			slog.Bool("circuit_open", true),
		)...)
		apierr.WriteUpstreamFailed(ctx, st.requestID)

	case errors.As(err, &httpErr):
		st.outcome = OutcomeUpstreamError
		s.observeUpstream("http_error", elapsed)
		s.log.WarnContext(ctx, OutcomeUpstreamError, s.attrs(st, slog.Int("status", httpErr.Status))...)
		apierr.WriteUpstreamStatus(ctx, httpErr.Status, httpErr.Body, st.requestID)

	case errors.As(err, &timeoutErr):
		st.outcome = OutcomeUpstreamTimeout
		s.observeUpstream("timeout", elapsed)
		s.log.WarnContext(ctx, OutcomeUpstreamTimeout, s.attrs(st,
			slog.Bool("aborted", true),
			slog.Duration("deadline", timeoutErr.After),
		)...)
		apierr.WriteTimeout(ctx, st.requestID)

	default:
		st.outcome = OutcomeUpstreamFailed
		s.observeUpstream("transport_error", elapsed)
		s.log.WarnContext(ctx, OutcomeUpstreamFailed, s.attrs(st,
			slog.Bool("aborted", false),
			slog.String("error", err.Error()),
		)...)
		apierr.WriteUpstreamFailed(ctx, st.requestID)
	}
}

// schemaFailure handles model output that is not usable. Content with no
// recoverable JSON object is reported as a failed request; content that
// parses but breaks the payload shape is reported with its raw text.
func (s *Server) schemaFailure(ctx *fasthttp.RequestCtx, st *requestState, err error, env comfort.Envelope, requestID string) {
	var se *comfort.SchemaError
	if errors.As(err, &se) && se.NonJSON {
		st.outcome = OutcomeUpstreamFailed
		s.log.WarnContext(ctx, OutcomeUpstreamFailed, s.attrs(st,
			slog.Bool("aborted", false),
			slog.String("error", err.Error()),
			slog.String("model", env.Model),
		)...)
		apierr.WriteUpstreamFailed(ctx, requestID)
		return
	}

	raw := env.Content
	if se != nil {
		raw = se.Raw
	}
	st.outcome = OutcomeInvalidSchema
	s.log.WarnContext(ctx, OutcomeInvalidSchema, s.attrs(st,
		slog.String("model", env.Model),
		slog.String("finish_reason", env.FinishReason),
		slog.String("reason", err.Error()),
		slog.String("raw", raw),
	)...)
	apierr.WriteInvalidSchema(ctx, raw, requestID)
}

// finish records the terminal outcome of a request.
func (s *Server) finish(ctx *fasthttp.RequestCtx, st *requestState) {
	if st.outcome == "" {
		// Handler panicked; recovery middleware writes the response.
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutcome(st.outcome)
	}
	if s.reqLog != nil {
		s.reqLog.Log(logger.RequestLog{
			Client:    st.client,
			RequestID: st.requestID,
			Outcome:   st.outcome,
			Stage:     string(st.stage),
			Category:  st.category,
			Model:     st.model,
			Status:    uint16(ctx.Response.StatusCode()),
			LatencyMs: uint32(time.Since(st.start).Milliseconds()),
			CreatedAt: st.start,
		})
	}
}

// attrs returns the correlation attributes every comfort log line carries,
// followed by extra.
func (s *Server) attrs(st *requestState, extra ...any) []any {
	out := make([]any, 0, 5+len(extra))
	out = append(out,
		slog.String("client", st.client),
		slog.String("request_id", st.requestID),
		slog.String("trace_id", st.traceID),
		slog.String("stage", string(st.stage)),
		slog.Duration("elapsed", time.Since(st.start)),
	)
	return append(out, extra...)
}

func (s *Server) recordRateLimit(d ratelimit.Decision) {
	if s.metrics == nil {
		return
	}
	switch {
	case d.Degraded:
		s.metrics.RecordRateLimit("degraded")
	case d.Allowed:
		s.metrics.RecordRateLimit("allowed")
	default:
		s.metrics.RecordRateLimit("denied")
	}
}

func (s *Server) observeUpstream(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveUpstream(outcome, d)
	}
}

func traceID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(userValueRequestID).(string)
	return id
}
