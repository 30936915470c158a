package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

func TestCollectorRecordsRuns(t *testing.T) {
	c := New()

	c.RunCompleted(&api.InsightBundle{ClientID: "acme", QualityScore: 0.85, GeneratedAt: time.Unix(1700000000, 0)}, 2*time.Second)
	c.RunCompleted(&api.InsightBundle{
		ClientID:     "globex",
		QualityScore: 0.5,
		Quality:      api.QualityReport{DegradedSections: []string{"narrative"}},
	}, time.Second)
	c.RunFailed("initech", ierrors.NewConfigurationError(ierrors.ErrCodeInvalidPreferences, "bad"))
	c.RunFailed("initech", errors.New("boom"))
	c.ComponentFailed("anomaly", 2)
	c.ComponentFailed("forecast", 0)
	c.LLMAttempt("unparseable")
	c.LLMAttempt("unparseable")
	c.LLMAttempt("structured")

	assert.Equal(t, 0.85, testutil.ToFloat64(c.quality.WithLabelValues("acme")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(c.lastSuccess.WithLabelValues("acme")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues(StatusPublished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues(StatusDegraded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runs.WithLabelValues(StatusFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.componentFailures.WithLabelValues("anomaly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.componentFailures.WithLabelValues("run_configuration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.componentFailures.WithLabelValues("run_unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.llmAttempts.WithLabelValues("unparseable")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.componentFailures), "zero counts add no series")
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.LLMAttempt("structured")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `insight_llm_attempts_total{outcome="structured"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
