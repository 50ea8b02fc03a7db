package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func sampleTarget() monitor.Target {
	return monitor.Target{
		ID:  "t1",
		URL: "https://forum.example.com",
		Credentials: monitor.Credentials{
			Handle: "quietfox",
			Email:  "quietfox@example.net",
			Secret: "hunter22!",
		},
	}
}

func TestPlanDecodesJSONPlan(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, `{"actions":[{"selector":"#email","value":"quietfox@example.net","kind":"fill"},{"selector":"#tos","kind":"toggle"}],"submit_selector":"form button[type=submit]"}`)
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil)
	plan, err := c.Plan(context.Background(), "<form></form>", sampleTarget())
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Actions, 2)
	require.Equal(t, monitor.ActionFill, plan.Actions[0].Kind)
	require.Equal(t, monitor.ActionToggle, plan.Actions[1].Kind)
	require.Equal(t, "form button[type=submit]", plan.SubmitSelector)
}

func TestPlanHandlesCodeFences(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, "```json\n{\"actions\":[{\"selector\":\"#u\",\"value\":\"x\"}],\"submit_selector\":\"#go\"}\n```")
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil)
	plan, err := c.Plan(context.Background(), "<form></form>", sampleTarget())
	require.NoError(t, err)
	require.NotNil(t, plan)
	// Unspecified kinds default to fill.
	require.Equal(t, monitor.ActionFill, plan.Actions[0].Kind)
}

func TestPlanNullMeansDeclined(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, "null")
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil)
	plan, err := c.Plan(context.Background(), "<form></form>", sampleTarget())
	require.NoError(t, err)
	require.Nil(t, plan)
}

func TestPlanGarbageMeansDeclined(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, "I cannot help with that form.")
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil)
	plan, err := c.Plan(context.Background(), "<form></form>", sampleTarget())
	require.NoError(t, err)
	require.Nil(t, plan)
}

func TestPlanHTTPErrorPropagates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, nil)
	_, err := c.Plan(context.Background(), "<form></form>", sampleTarget())
	require.Error(t, err)
}

func TestPlanCapsFragment(t *testing.T) {
	t.Parallel()

	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotLen = len(req.Messages[1].Content)
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{}})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Timeout: 2 * time.Second, MaxFragmentBytes: 100}, nil)
	big := make([]byte, 10_000)
	for i := range big {
		big[i] = 'a'
	}
	plan, err := c.Plan(context.Background(), string(big), sampleTarget())
	require.NoError(t, err)
	require.Nil(t, plan)
	require.Less(t, gotLen, 1000)
}
