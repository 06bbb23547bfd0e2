package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.JobFinished("pdf_to_text", "completed", 2*time.Second)
	r.JobFinished("pdf_to_text", "completed", time.Second)
	r.JobFinished("pdf_to_text", "failed", 0)
	r.Swept("images", 3, 1)
	r.UploadAccepted("image_webp")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("pdf_to_text", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("pdf_to_text", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.sweptTotal.WithLabelValues("images")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sweepFailures.WithLabelValues("images")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.uploadsTotal.WithLabelValues("image_webp")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.JobFinished("x", "completed", time.Second)
	r.Swept("x", 1, 1)
	r.UploadAccepted("x")
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	r.JobFinished("word_to_text", "completed", time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `metasqueeze_jobs_total{kind="word_to_text",outcome="completed"} 1`)
}
