package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/hook"
	"promptrelay/internal/models"
	"promptrelay/internal/provider"
)

// recordingStream mimics an HTTP response: the status is fixed by the first write.
type recordingStream struct {
	status    int
	body      strings.Builder
	writes    []string
	closes    int
	committed bool
	writeErr  error
}

func (s *recordingStream) WriteHeader(status int) {
	if !s.committed {
		s.status = status
	}
}

func (s *recordingStream) Write(p []byte) (int, error) {
	if s.closes > 0 {
		return 0, errors.New("write after close")
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if !s.committed {
		s.committed = true
		if s.status == 0 {
			s.status = http.StatusOK
		}
	}
	s.writes = append(s.writes, string(p))
	s.body.Write(p)
	return len(p), nil
}

func (s *recordingStream) Close() error {
	s.closes++
	return nil
}

type fakeBackend struct {
	svc      models.Service
	deltas   []string
	err      error
	block    bool
	lastReq  models.ChatRequest
	streamed int
}

func (f *fakeBackend) Service() models.Service   { return f.svc }
func (f *fakeBackend) DefaultDeployment() string { return "default-" + strings.ToLower(string(f.svc)) }

func (f *fakeBackend) Stream(ctx context.Context, req models.ChatRequest, emit provider.EmitFunc) error {
	f.streamed++
	f.lastReq = req
	for _, d := range f.deltas {
		if err := emit(d); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type hookCall struct {
	callback   models.Callback
	transcript models.Transcript
	closed     int
}

func newRouter(t *testing.T, backends ...provider.Backend) (*Router, *[]hookCall, *recordingStream) {
	t.Helper()
	reg := provider.NewRegistry()
	for _, b := range backends {
		require.NoError(t, reg.Register(b))
	}

	out := &recordingStream{}
	var calls []hookCall
	notifier := hook.Func(func(_ context.Context, cb models.Callback, tr models.Transcript) error {
		calls = append(calls, hookCall{callback: cb, transcript: tr, closed: out.closes})
		return nil
	})
	return New(reg, WithHook(notifier), WithStreamTimeout(time.Minute)), &calls, out
}

func TestDispatchRelaysHello(t *testing.T) {
	azure := &fakeBackend{svc: models.ServiceAzure, deltas: []string{"He", "llo"}}
	rt, calls, out := newRouter(t, azure, &fakeBackend{svc: models.ServiceBedrock})

	tr, err := rt.Dispatch(context.Background(), &models.Request{
		SystemPrompt: "You are helpful.",
		QueryPrompt:  "Hi",
	}, out)
	require.NoError(t, err)

	assert.Equal(t, "Hello", out.body.String())
	assert.Equal(t, []string{"He", "llo"}, out.writes)
	assert.Equal(t, http.StatusOK, out.status)
	assert.Equal(t, 1, out.closes)

	assert.Equal(t, 1, azure.streamed, "omitted service must route to Azure")
	assert.Equal(t, "default-azure", azure.lastReq.Deployment)
	assert.Equal(t, "Hello", tr.AssistantResponse)
	assert.Empty(t, tr.Error)
	require.NoError(t, rt.Drain(context.Background()))
	assert.Empty(t, *calls, "no callback, no hook")
}

func TestDispatchOmittedServiceEqualsAzure(t *testing.T) {
	for _, svc := range []models.Service{"", models.ServiceAzure} {
		azure := &fakeBackend{svc: models.ServiceAzure, deltas: []string{"x"}}
		rt, _, out := newRouter(t, azure)

		_, err := rt.Dispatch(context.Background(), &models.Request{Service: svc, SystemPrompt: "S", QueryPrompt: "Q"}, out)
		require.NoError(t, err)
		assert.Equal(t, "x", out.body.String())
		assert.Equal(t, 1, azure.streamed)
	}
}

func TestDispatchMessageAssembly(t *testing.T) {
	bedrock := &fakeBackend{svc: models.ServiceBedrock}
	rt, _, out := newRouter(t, bedrock)

	_, err := rt.Dispatch(context.Background(), &models.Request{
		Service:      models.ServiceBedrock,
		Deployment:   "model-x",
		SystemPrompt: "S",
		QueryPrompt:  "Q",
		History:      []models.Message{{Role: models.RoleUser, Content: "H1"}},
		Params:       models.Params{"temperature": 0.1},
	}, out)
	require.NoError(t, err)

	assert.Equal(t, []models.Message{
		{Role: models.RoleSystem, Content: "S"},
		{Role: models.RoleUser, Content: "H1"},
		{Role: models.RoleUser, Content: "Q"},
	}, bedrock.lastReq.Messages)
	assert.Equal(t, "model-x", bedrock.lastReq.Deployment)
	assert.Equal(t, models.Params{"temperature": 0.1}, bedrock.lastReq.Params)
}

func TestDispatchValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  *models.Request
		want string
	}{
		{name: "no body", req: nil, want: "Error: No request body detected"},
		{name: "missing system prompt", req: &models.Request{QueryPrompt: "Q"}, want: "Error: System Prompt (systemPrompt) missing"},
		{name: "missing query prompt", req: &models.Request{SystemPrompt: "S"}, want: "Error: User Query (queryPrompt) missing"},
		{name: "unknown service", req: &models.Request{Service: "Vertex", SystemPrompt: "S", QueryPrompt: "Q"}, want: `Error: unsupported service "Vertex"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for attempt := 0; attempt < 2; attempt++ {
				azure := &fakeBackend{svc: models.ServiceAzure, deltas: []string{"never"}}
				rt, calls, out := newRouter(t, azure)

				var req *models.Request
				if tt.req != nil {
					copied := *tt.req
					copied.Callback = models.Callback(`true`)
					req = &copied
				}

				_, err := rt.Dispatch(context.Background(), req, out)

				var rejected *RejectedError
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, http.StatusBadRequest, rejected.Status)
				assert.Equal(t, tt.want, out.body.String())
				assert.Len(t, out.writes, 1)
				assert.Equal(t, http.StatusBadRequest, out.status)
				assert.Equal(t, 1, out.closes)
				assert.Zero(t, azure.streamed)
				require.NoError(t, rt.Drain(context.Background()))
				assert.Empty(t, *calls, "hook must not run for rejected invocations")
			}
		})
	}
}

func TestDispatchUnconfiguredService(t *testing.T) {
	rt, _, out := newRouter(t, &fakeBackend{svc: models.ServiceAzure})

	_, err := rt.Dispatch(context.Background(), &models.Request{Service: models.ServiceBedrock, SystemPrompt: "S", QueryPrompt: "Q"}, out)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusServiceUnavailable, out.status)
	assert.Equal(t, "Error: service Bedrock is not configured", out.body.String())
	assert.Equal(t, 1, out.closes)
}

func TestDispatchMidStreamFailureSurfacesMarker(t *testing.T) {
	upstream := errors.New("connection reset")
	bedrock := &fakeBackend{svc: models.ServiceBedrock, deltas: []string{"partial"}, err: upstream}
	rt, calls, out := newRouter(t, bedrock)

	tr, err := rt.Dispatch(context.Background(), &models.Request{
		Service:      models.ServiceBedrock,
		SystemPrompt: "S",
		QueryPrompt:  "Q",
		Callback:     models.Callback(`true`),
	}, out)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.ErrorIs(t, err, upstream)
	assert.False(t, streamErr.TimedOut)

	assert.Equal(t, "partial\nError: upstream provider error", out.body.String())
	assert.Equal(t, http.StatusOK, out.status)
	assert.Equal(t, 1, out.closes)

	assert.Equal(t, "partial", tr.AssistantResponse)
	assert.Equal(t, "upstream provider error", tr.Error)

	require.NoError(t, rt.Drain(context.Background()))
	require.Len(t, *calls, 1)
	assert.Equal(t, 1, (*calls)[0].closed, "hook runs after the stream is closed")
	assert.Equal(t, "partial", (*calls)[0].transcript.AssistantResponse)
}

func TestDispatchFailureBeforeFirstFragment(t *testing.T) {
	azure := &fakeBackend{svc: models.ServiceAzure, err: errors.New("401 unauthorized")}
	rt, _, out := newRouter(t, azure)

	_, err := rt.Dispatch(context.Background(), &models.Request{SystemPrompt: "S", QueryPrompt: "Q"}, out)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, out.status)
	assert.Equal(t, "Error: upstream provider error", out.body.String())
	assert.Equal(t, 1, out.closes)
}

func TestDispatchTimeout(t *testing.T) {
	reg := provider.NewRegistry()
	azure := &fakeBackend{svc: models.ServiceAzure, block: true}
	require.NoError(t, reg.Register(azure))
	rt := New(reg, WithStreamTimeout(20*time.Millisecond))
	out := &recordingStream{}

	_, err := rt.Dispatch(context.Background(), &models.Request{SystemPrompt: "S", QueryPrompt: "Q"}, out)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.True(t, streamErr.TimedOut)
	assert.Equal(t, http.StatusGatewayTimeout, out.status)
	assert.Equal(t, "Error: upstream provider timed out", out.body.String())
	assert.Equal(t, 1, out.closes)
}

func TestDispatchClientGoneWritesNoMarker(t *testing.T) {
	azure := &fakeBackend{svc: models.ServiceAzure, deltas: []string{"a", "b"}}
	rt, calls, out := newRouter(t, azure)
	out.writeErr = errors.New("broken pipe")

	_, err := rt.Dispatch(context.Background(), &models.Request{
		SystemPrompt: "S",
		QueryPrompt:  "Q",
		Callback:     models.Callback(`"https://example.com/hook"`),
	}, out)
	require.ErrorIs(t, err, errClientGone)
	assert.Empty(t, out.writes)
	assert.Equal(t, 1, out.closes)
	require.NoError(t, rt.Drain(context.Background()))
	require.Len(t, *calls, 1, "hook still receives the transcript")
}

func TestDispatchHookReceivesFullTranscript(t *testing.T) {
	azure := &fakeBackend{svc: models.ServiceAzure, deltas: []string{"one ", "two"}}
	rt, calls, out := newRouter(t, azure)

	_, err := rt.Dispatch(context.Background(), &models.Request{
		SystemPrompt: "S",
		QueryPrompt:  "Q",
		History:      []models.Message{{Role: models.RoleAssistant, Content: "earlier"}},
		Callback:     models.Callback(`{"id":"abc"}`),
	}, out)
	require.NoError(t, err)

	require.NoError(t, rt.Drain(context.Background()))
	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.JSONEq(t, `{"id":"abc"}`, string(call.callback))
	assert.Equal(t, models.Transcript{
		Service:    models.ServiceAzure,
		Deployment: "default-azure",
		History: []models.Message{
			{Role: models.RoleSystem, Content: "S"},
			{Role: models.RoleAssistant, Content: "earlier"},
			{Role: models.RoleUser, Content: "Q"},
		},
		UserMessage:       "Q",
		AssistantResponse: "one two",
	}, call.transcript)
}

func TestDispatchReturnsBeforeHookCompletes(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(&fakeBackend{svc: models.ServiceAzure, deltas: []string{"done"}}))

	started := make(chan struct{})
	release := make(chan struct{})
	notifier := hook.Func(func(context.Context, models.Callback, models.Transcript) error {
		close(started)
		<-release
		return nil
	})
	rt := New(reg, WithHook(notifier))
	out := &recordingStream{}

	_, err := rt.Dispatch(context.Background(), &models.Request{
		SystemPrompt: "S",
		QueryPrompt:  "Q",
		Callback:     models.Callback(`true`),
	}, out)
	require.NoError(t, err)
	assert.Equal(t, 1, out.closes)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("hook was not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, rt.Drain(ctx), context.DeadlineExceeded, "hook still blocked")

	close(release)
	require.NoError(t, rt.Drain(context.Background()))
}
