package hook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrelay/internal/models"
)

func transcript() models.Transcript {
	return models.Transcript{
		Service:           models.ServiceAzure,
		Deployment:        "gpt4-Omni",
		History:           []models.Message{{Role: models.RoleSystem, Content: "S"}, {Role: models.RoleUser, Content: "Q"}},
		UserMessage:       "Q",
		AssistantResponse: "Hello",
	}
}

func TestWebhookPostsTranscript(t *testing.T) {
	var got models.Transcript
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.Client(), 0, []string{"127.0.0.1"})
	require.NoError(t, err)

	err = wh.Notify(context.Background(), models.Callback(strconv.Quote(srv.URL+"/done")), transcript())
	require.NoError(t, err)
	assert.Equal(t, transcript(), got)
}

func TestWebhookReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.Client(), 0, []string{"127.0.0.1"})
	require.NoError(t, err)

	err = wh.Notify(context.Background(), models.Callback(strconv.Quote(srv.URL)), transcript())
	require.ErrorContains(t, err, "status 500")
}

func TestWebhookNonURLCallbackOnlyLogs(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.Client(), 0, []string{"127.0.0.1"})
	require.NoError(t, err)

	require.NoError(t, wh.Notify(context.Background(), models.Callback(`true`), transcript()))
	assert.False(t, called)
}

func TestNewWebhookRequiresClient(t *testing.T) {
	_, err := NewWebhook(nil, 0, nil)
	require.Error(t, err)
}

func TestWebhookSkipsHostsNotAllowed(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	tests := map[string][]string{
		"no allowlist":        nil,
		"other host":          {"hooks.example.com"},
		"wildcard other zone": {"*.example.com"},
	}
	for name, allowed := range tests {
		t.Run(name, func(t *testing.T) {
			wh, err := NewWebhook(srv.Client(), 0, allowed)
			require.NoError(t, err)

			require.NoError(t, wh.Notify(context.Background(), models.Callback(strconv.Quote(srv.URL)), transcript()))
			assert.False(t, called)
		})
	}
}

func TestWebhookHostAllowed(t *testing.T) {
	wh, err := NewWebhook(http.DefaultClient, 0, []string{" Hooks.Example.com ", "*.corp.example", ""})
	require.NoError(t, err)

	assert.True(t, wh.hostAllowed("hooks.example.com"))
	assert.True(t, wh.hostAllowed("HOOKS.example.com"))
	assert.True(t, wh.hostAllowed("ci.corp.example"))
	assert.False(t, wh.hostAllowed("corp.example"))
	assert.False(t, wh.hostAllowed("169.254.169.254"))
	assert.False(t, wh.hostAllowed("evil-hooks.example.com"))
}
