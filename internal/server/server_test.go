package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockforge/rdmapool/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		NodeID:   "test-node",
		DataDir:  t.TempDir(),
		LogLevel: "info",
		BlockPool: config.BlockPoolConfig{
			InitialSizeMB:      64,
			IncreaseSizeMB:     64,
			MaxRegions:         4,
			Buckets:            2,
			BaseBlockSizeBytes: 8192,
		},
		CM: config.CMConfig{
			Endpoint:    "192.0.2.10:18515",
			Backlog:     16,
			ConnTimeout: 50 * time.Millisecond,
		},
		Admin: config.AdminConfig{ListenAddr: "127.0.0.1:0"},
	}
}

func TestNewWiresPoolAndListener(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, s.Pool())
	require.Equal(t, 1, s.Pool().GetRegionNum())
	t.Cleanup(func() { _ = s.pool.Destroy() })
}

func TestHealthzReportsReadyOnceRegionInstalled(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.pool.Destroy() })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInFlightMiddlewareTracksActiveRequests(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.pool.Destroy() })

	release := make(chan struct{})
	handler := s.inFlightMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
		close(done)
	}()

	require.Eventually(t, func() bool { return s.InFlightCount() == 1 }, time.Second, time.Millisecond)
	close(release)
	<-done
	require.Equal(t, int64(0), s.InFlightCount())
}

func TestWaitForDrainReturnsOnceInFlightIsZero(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.pool.Destroy() })

	s.inFlight.Add(1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.inFlight.Add(-1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitForDrain(ctx))
}

func TestWaitForDrainTimesOutWhenRequestsNeverFinish(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.pool.Destroy() })

	s.inFlight.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.WaitForDrain(ctx), context.DeadlineExceeded)
}

func TestStartStopsCleanlyOnContextCancel(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
