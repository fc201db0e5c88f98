package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/workflow"
)

// --- ErrorKind Tests ---

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindTransient, KindOf(base))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, KindOf(Transient(base)))
	assert.Equal(t, KindPermanent, KindOf(Permanent(base)))
	assert.Equal(t, KindPermanent, KindOf(fmt.Errorf("wrapped: %w", Permanent(base))))

	assert.True(t, IsPermanent(Permanentf("bad input %d", 1)))
	assert.False(t, IsPermanent(nil))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient(nil))

	require.ErrorIs(t, Permanent(base), base)
	assert.Equal(t, "permanent: boom", Permanent(base).Error())
}

// --- Registry Tests ---

func noop() Executor {
	return ExecutorFunc(func(context.Context, string, map[string]any) (Result, error) {
		return Result{}, nil
	})
}

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(domain.StatusEditing, noop(), domain.StatusSEOOptimization))

	reg, err := r.Resolve(domain.StatusEditing)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSEOOptimization, reg.Next)
	assert.Equal(t, workflow.TopicEditingComplete, reg.CompletionTopic)

	_, err = r.Resolve(domain.StatusResearch)
	require.ErrorIs(t, err, ErrUnknownStage)

	assert.Equal(t, []domain.Status{
		domain.StatusResearch,
		domain.StatusGenerating,
		domain.StatusSEOOptimization,
	}, r.Missing())
}

func TestRegistry_Rejects(t *testing.T) {
	r := NewRegistry()

	err := r.Register(domain.StatusEditing, noop(), domain.StatusResearch)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	err = r.Register(domain.StatusCompleted, noop(), domain.StatusCompleted)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	err = r.Register(domain.StatusResearch, nil, domain.StatusGenerating)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	require.NoError(t, r.Register(domain.StatusResearch, noop(), domain.StatusGenerating))
	err = r.Register(domain.StatusResearch, noop(), domain.StatusGenerating)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	r.Freeze()
	err = r.Register(domain.StatusGenerating, noop(), domain.StatusEditing)
	require.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestNewRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig(map[string]ExecutorConfig{
		"research":         {Kind: KindHTTP, URL: "http://research.local/run"},
		"seo_optimization": {Kind: KindEcho, Cost: 0.02},
	})
	require.NoError(t, err)
	assert.Empty(t, r.Missing())

	reg, err := r.Resolve(domain.StatusResearch)
	require.NoError(t, err)
	require.IsType(t, &HTTPExecutor{}, reg.Executor)
	assert.Equal(t, domain.StatusResearch, reg.Executor.(*HTTPExecutor).Stage)

	reg, err = r.Resolve(domain.StatusGenerating)
	require.NoError(t, err)
	assert.IsType(t, &EchoExecutor{}, reg.Executor)

	err = r.Register(domain.StatusResearch, noop(), domain.StatusGenerating)
	require.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestNewRegistryFromConfig_Invalid(t *testing.T) {
	_, err := NewRegistryFromConfig(map[string]ExecutorConfig{"publishing": {}})
	require.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = NewRegistryFromConfig(map[string]ExecutorConfig{"editing": {Kind: KindHTTP}})
	require.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = NewRegistryFromConfig(map[string]ExecutorConfig{"editing": {Kind: "grpc"}})
	require.ErrorIs(t, err, ErrInvalidRegistration)
}

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_Success(t *testing.T) {
	var received httpExecutorRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"sources": []string{"a"}},
			"cost":   0.01,
		})
	}))
	defer server.Close()

	e := &HTTPExecutor{
		Stage:   domain.StatusResearch,
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	}

	res, err := e.Execute(context.Background(), "p-1", map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, res.Cost, 1e-9)
	assert.Equal(t, []any{"a"}, res.Output["sources"])

	assert.Equal(t, "p-1", received.ProjectID)
	assert.Equal(t, "RESEARCH", received.Stage)
	assert.Equal(t, "go", received.Payload["topic"])
}

func TestHTTPExecutor_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `quota`, KindTransient},
		{"server error", http.StatusBadGateway, `upstream`, KindTransient},
		{"bad request", http.StatusBadRequest, `invalid topic`, KindPermanent},
		{"unprocessable", http.StatusUnprocessableEntity, `nope`, KindPermanent},
		{"garbage body", http.StatusOK, `not json`, KindPermanent},
		{"no result", http.StatusOK, `{"cost": 1}`, KindPermanent},
		{"negative cost", http.StatusOK, `{"result": {}, "cost": -1}`, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			e := &HTTPExecutor{Stage: domain.StatusEditing, URL: server.URL}
			_, err := e.Execute(context.Background(), "p-1", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestHTTPExecutor_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	e := &HTTPExecutor{Stage: domain.StatusEditing, URL: url}
	_, err := e.Execute(context.Background(), "p-1", nil)
	require.ErrorIs(t, err, ErrExecutorRequest)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	// Обработчик отпускается до Close, иначе Close ждёт его вечно.
	defer close(release)

	e := &HTTPExecutor{Stage: domain.StatusEditing, URL: server.URL, Timeout: 20 * time.Millisecond}
	_, err := e.Execute(context.Background(), "p-1", nil)
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestHTTPExecutor_NoURL(t *testing.T) {
	_, err := (&HTTPExecutor{}).Execute(context.Background(), "p-1", nil)
	assert.True(t, IsPermanent(err))
}

// --- EchoExecutor Tests ---

func TestEchoExecutor(t *testing.T) {
	e := &EchoExecutor{Stage: domain.StatusGenerating, Cost: 0.5}

	res, err := e.Execute(context.Background(), "p-1", map[string]any{
		"research":      "findings",
		ProjectInputKey: map[string]any{"topic": "Go generics"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Cost, 1e-9)
	assert.Equal(t, "GENERATING", res.Output["stage"])
	assert.Equal(t, "Go generics", res.Output["topic"])
	assert.Equal(t, map[string]any{"research": "findings"}, res.Output["input"])
}

func TestEchoExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &EchoExecutor{Stage: domain.StatusEditing, Delay: time.Minute}
	_, err := e.Execute(ctx, "p-1", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindTransient, KindOf(err))
}
