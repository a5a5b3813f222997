package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolMetrics(t *testing.T) {
	m := getMetrics()

	t.Run("should count failures separately", func(t *testing.T) {
		okBefore := testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("read_file", "success"))
		errBefore := testutil.ToFloat64(m.toolErrorsTotal.WithLabelValues("read_file"))

		RecordToolExecution("read_file", 5*time.Millisecond, true)
		RecordToolExecution("read_file", 5*time.Millisecond, false)

		assert.Equal(t, okBefore+1, testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("read_file", "success")))
		assert.Equal(t, errBefore+1, testutil.ToFloat64(m.toolErrorsTotal.WithLabelValues("read_file")))
	})

	t.Run("should label loop episodes by outcome", func(t *testing.T) {
		before := testutil.ToFloat64(m.loopEpisodesTotal.WithLabelValues("search", "fatal"))

		RecordLoopEpisode("search", false)
		RecordLoopEpisode("search", true)

		assert.Equal(t, before+1, testutil.ToFloat64(m.loopEpisodesTotal.WithLabelValues("search", "fatal")))
	})
}

func TestRunMetrics(t *testing.T) {
	m := getMetrics()

	t.Run("should skip zero token counts", func(t *testing.T) {
		before := testutil.ToFloat64(m.tokensTotal.WithLabelValues("fake", "input"))

		RecordTokens("fake", 120, 0)

		assert.Equal(t, before+120, testutil.ToFloat64(m.tokensTotal.WithLabelValues("fake", "input")))
	})

	t.Run("should track active runs", func(t *testing.T) {
		before := testutil.ToFloat64(m.activeRuns)

		IncActiveRuns()
		assert.Equal(t, before+1, testutil.ToFloat64(m.activeRuns))
		DecActiveRuns()
		assert.Equal(t, before, testutil.ToFloat64(m.activeRuns))
	})

	t.Run("should expose gauges over http", func(t *testing.T) {
		SetEventsDropped(7)

		rec := httptest.NewRecorder()
		MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "valedesk_events_dropped 7")
	})
}
