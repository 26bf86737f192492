package runners_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dataforge/kernel/engine/core"
	"github.com/dataforge/kernel/engine/workflow"
	"github.com/dataforge/kernel/internal/runners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPICallRunner_Run(t *testing.T) {
	t.Run("Should issue the configured request and capture the response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "custom", r.Header.Get("X-Test"))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		cfg, err := core.NewJSON(map[string]any{
			"method":  "GET",
			"url":     server.URL,
			"headers": map[string]string{"X-Test": "custom"},
		})
		require.NoError(t, err)

		runner := runners.NewAPICallRunner(nil)
		out, err := runner.Run(context.Background(), workflow.Task{TaskName: "ping", TaskConfig: cfg})
		require.NoError(t, err)
		assert.Contains(t, out.String("body"), "ok")
	})

	t.Run("Should error on a server error response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		cfg, err := core.NewJSON(map[string]any{"url": server.URL})
		require.NoError(t, err)

		runner := runners.NewAPICallRunner(nil)
		_, err = runner.Run(context.Background(), workflow.Task{TaskName: "ping", TaskConfig: cfg})
		assert.Error(t, err)
	})

	t.Run("Should error when url is missing", func(t *testing.T) {
		cfg, err := core.NewJSON(map[string]any{})
		require.NoError(t, err)

		runner := runners.NewAPICallRunner(nil)
		_, err = runner.Run(context.Background(), workflow.Task{TaskName: "ping", TaskConfig: cfg})
		assert.Error(t, err)
	})
}

func TestScriptRunner_Run(t *testing.T) {
	t.Run("Should run the configured command and capture its output", func(t *testing.T) {
		cfg, err := core.NewJSON(map[string]any{
			"command": "echo",
			"args":    []string{"hello"},
		})
		require.NoError(t, err)

		out, err := runners.ScriptRunner{}.Run(context.Background(), workflow.Task{TaskName: "greet", TaskConfig: cfg})
		require.NoError(t, err)
		assert.Contains(t, out.String("output"), "hello")
	})

	t.Run("Should error when command is missing", func(t *testing.T) {
		cfg, err := core.NewJSON(map[string]any{})
		require.NoError(t, err)

		_, err = runners.ScriptRunner{}.Run(context.Background(), workflow.Task{TaskName: "greet", TaskConfig: cfg})
		assert.Error(t, err)
	})
}
