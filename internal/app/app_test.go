package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkvantis/inferd/internal/app"
	"github.com/rkvantis/inferd/internal/config"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/provider/llm/mock"
	"github.com/rkvantis/inferd/pkg/types"
)

// testConfig returns a minimal config with one pool backed by a single
// registered mock provider.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Routing: config.RoutingConfig{
			DefaultStrategy: config.StrategyFailover,
			MaxRetries:      2,
			Pools: []config.PoolConfig{
				{ID: "gpt-mini", Type: config.PoolTypeCloud, Strategy: config.StrategyFailover, Providers: []string{"mock-a"}},
			},
		},
		Providers: map[string]config.ProviderEntry{
			"mock-a": {Name: "mock", APIKey: "test-key", Model: "gpt-mini"},
		},
	}
}

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.Register("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		return &mock.Provider{
			Name:          "mock-a",
			InferResponse: &types.InferenceResponse{Content: "hello from mock"},
		}, nil
	})
	return reg
}

func TestNew_WiresAllSubsystems(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testRegistry())
	require.NoError(t, err)

	assert.NotNil(t, application.Router())
	assert.NotNil(t, application.Jobs())
	assert.NotNil(t, application.Sessions())
	assert.NotNil(t, application.Health())
	assert.NotNil(t, application.Manifests())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, application.Shutdown(ctx))
}

func TestNew_RouterDispatchesThroughToTheRegisteredProvider(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testRegistry())
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	resp, err := application.Router().Infer(context.Background(), types.InferenceRequest{Model: "gpt-mini"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from mock", resp.Content)
}

func TestNew_AsyncJobCompletesThroughTheRouter(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testRegistry())
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	jobID, err := application.Jobs().Submit(context.Background(), types.InferenceRequest{Model: "gpt-mini"})
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		status, err := application.Jobs().GetStatus(jobID)
		require.NoError(t, err)

		if status.Status == types.JobCompleted {
			assert.Equal(t, "hello from mock", status.Result.Content)
			return
		}
		if status.Status == types.JobFailed {
			t.Fatalf("job failed: %v", status.Err)
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for async job to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNew_HealthReportsReadyWhenProviderIsUp(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testRegistry())
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	require.NotNil(t, application.Health())

	rec := httptest.NewRecorder()
	application.Health().Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
