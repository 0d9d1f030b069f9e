package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"promptrelay/internal/hook"
	"promptrelay/internal/metrics"
	"promptrelay/internal/models"
	"promptrelay/internal/provider"
)

// ErrorPrefix starts every error message written to a caller.
const ErrorPrefix = "Error: "

// Stream is the outbound side of one invocation.
type Stream interface {
	// WriteHeader sets the status reported to the caller. It has no effect
	// once anything has been written.
	WriteHeader(status int)
	Write(p []byte) (int, error)
	// Close ends the stream. Calls after the first are no-ops.
	Close() error
}

// Router dispatches invocations to the backend named by the request.
type Router struct {
	registry      *provider.Registry
	hook          hook.Notifier
	streamTimeout time.Duration

	// notifying tracks hook deliveries still in flight.
	notifying sync.WaitGroup
}

// Option customises a Router.
type Option func(*Router)

// WithHook sets the notifier invoked after a dispatched stream closes.
func WithHook(n hook.Notifier) Option {
	return func(r *Router) {
		r.hook = n
	}
}

// WithStreamTimeout bounds each backend stream. Zero disables the bound.
func WithStreamTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.streamTimeout = d
	}
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, opts ...Option) *Router {
	r := &Router{
		registry: registry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RejectedError is returned for invocations refused before any backend call.
type RejectedError struct {
	Status int
	Err    error
}

func (e *RejectedError) Error() string {
	return e.Err.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// StreamError is returned when a dispatched backend stream fails.
type StreamError struct {
	Service  models.Service
	TimedOut bool
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream: %v", e.Service, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

var errClientGone = errors.New("client stream closed")

// Dispatch validates req, relays the selected backend's fragments to out and
// closes out exactly once. A nil req means the invocation carried no body.
// When the request carries a callback the hook is started after out is closed
// and runs in the background; Drain waits for it.
func (r *Router) Dispatch(ctx context.Context, req *models.Request, out Stream) (models.Transcript, error) {
	transcript, dispatched, err := r.dispatch(ctx, req, out)

	if cerr := out.Close(); cerr != nil {
		slog.Warn("closing output stream failed", "err", cerr)
	}

	if dispatched && r.hook != nil && req.Callback.Present() {
		r.notify(context.WithoutCancel(ctx), req.Callback, transcript)
	}

	return transcript, err
}

func (r *Router) notify(ctx context.Context, callback models.Callback, transcript models.Transcript) {
	r.notifying.Add(1)
	go func() {
		defer r.notifying.Done()
		if err := r.hook.Notify(ctx, callback, transcript); err != nil {
			metrics.HookFailuresTotal.Inc()
			slog.Warn("completion hook failed", "service", transcript.Service, "err", err)
		}
	}()
}

// Drain blocks until every started hook has returned or ctx is done.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.notifying.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) dispatch(ctx context.Context, req *models.Request, out Stream) (models.Transcript, bool, error) {
	if req == nil {
		return models.Transcript{}, false, reject(out, "", http.StatusBadRequest, models.ErrNoBody)
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Transcript{}, false, reject(out, req.Service, http.StatusBadRequest, err)
	}

	backend, err := r.registry.Lookup(req.Service)
	if err != nil {
		slog.Debug("backend lookup failed", "service", req.Service, "err", err)
		return models.Transcript{}, false, reject(out, req.Service, http.StatusServiceUnavailable,
			fmt.Errorf("service %s is not configured", req.Service))
	}

	messages, err := models.AssembleMessages(req.SystemPrompt, req.History, req.QueryPrompt)
	if err != nil {
		return models.Transcript{}, false, reject(out, req.Service, http.StatusBadRequest, err)
	}

	deployment := req.Deployment
	if deployment == "" {
		deployment = backend.DefaultDeployment()
		slog.Debug("no deployment provided, using default", "service", req.Service, "deployment", deployment)
	}

	transcript := models.Transcript{
		Service:     req.Service,
		Deployment:  deployment,
		History:     messages,
		UserMessage: req.QueryPrompt,
	}

	streamErr := r.relay(ctx, backend, models.ChatRequest{
		Deployment: deployment,
		Messages:   messages,
		Params:     req.Params.Clone(),
	}, out, &transcript)

	return transcript, true, streamErr
}

func (r *Router) relay(ctx context.Context, backend provider.Backend, chatReq models.ChatRequest, out Stream, transcript *models.Transcript) error {
	svc := string(backend.Service())

	streamCtx := ctx
	if r.streamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, r.streamTimeout)
		defer cancel()
	}

	var (
		response  strings.Builder
		fragments int
		started   = time.Now()
	)

	emit := func(fragment string) error {
		if _, err := io.WriteString(out, fragment); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		response.WriteString(fragment)
		fragments++
		return nil
	}

	metrics.ActiveStreams.Inc()
	err := backend.Stream(streamCtx, chatReq, emit)
	metrics.ActiveStreams.Dec()

	metrics.StreamDuration.WithLabelValues(svc).Observe(time.Since(started).Seconds())
	metrics.FragmentsTotal.WithLabelValues(svc).Add(float64(fragments))
	transcript.AssistantResponse = response.String()

	if err == nil {
		metrics.InvocationsTotal.WithLabelValues(svc, metrics.OutcomeOK).Inc()
		slog.Info("stream complete", "service", svc, "deployment", chatReq.Deployment, "fragments", fragments)
		return nil
	}

	clientGone := errors.Is(err, errClientGone) || ctx.Err() != nil
	timedOut := !clientGone && errors.Is(streamCtx.Err(), context.DeadlineExceeded)

	status, message := http.StatusBadGateway, "upstream provider error"
	outcome := metrics.OutcomeFailed
	if timedOut {
		status, message = http.StatusGatewayTimeout, "upstream provider timed out"
		outcome = metrics.OutcomeTimeout
	}
	metrics.InvocationsTotal.WithLabelValues(svc, outcome).Inc()
	transcript.Error = message

	slog.Error("stream failed",
		"service", svc,
		"deployment", chatReq.Deployment,
		"fragments", fragments,
		"client_gone", clientGone,
		"err", err,
	)

	if !clientGone {
		writeTerminalError(out, status, message, fragments > 0)
	}
	return &StreamError{Service: backend.Service(), TimedOut: timedOut, Err: err}
}

// writeTerminalError reports a failure to the caller. Before any fragment the
// message is the whole body; after fragments it follows on its own line so the
// caller can tell a truncated stream from a complete one.
func writeTerminalError(out Stream, status int, message string, midStream bool) {
	text := ErrorPrefix + message
	if midStream {
		text = "\n" + text
	} else {
		out.WriteHeader(status)
	}
	if _, err := io.WriteString(out, text); err != nil {
		slog.Warn("writing error marker failed", "err", err)
	}
}

func reject(out Stream, svc models.Service, status int, err error) error {
	label := "invalid"
	if svc.Valid() {
		label = string(svc)
	}
	metrics.InvocationsTotal.WithLabelValues(label, metrics.OutcomeRejected).Inc()

	slog.Warn("invocation rejected", "service", svc, "status", status, "err", err)

	out.WriteHeader(status)
	if _, werr := io.WriteString(out, ErrorPrefix+err.Error()); werr != nil {
		slog.Warn("writing error response failed", "err", werr)
	}
	return &RejectedError{Status: status, Err: err}
}
