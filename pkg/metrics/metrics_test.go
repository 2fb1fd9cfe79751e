package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("store", true, "reachable")

	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()
	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["store"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "reachable", comp.Message)
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetHealth()
	SetVersion("1.0.0")

	RegisterComponent("store", true, "")
	RegisterComponent("socket", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)
}

func TestGetHealthOneUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("store", true, "")
	RegisterComponent("watcher", false, "directory missing")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: directory missing", health.Components["watcher"])
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	UpdateComponent("store", false, "probe failed")
	rr = httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth()
	rr := httptest.NewRecorder()
	LivenessHandler()(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "alive")
}

func TestConcurrentComponentUpdates(t *testing.T) {
	resetHealth()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				UpdateComponent("store", j%2 == 0, "")
				GetHealth()
			}
		}()
	}
	wg.Wait()
}

func TestTimerObservesHistogram(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
	timer.ObserveDuration(histogram)
}

func TestTimerObservesHistogramVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_duration_vec_seconds",
		Help:    "Test labeled duration histogram",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "send_message")
}
