package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yourusername/metasqueeze/internal/artifact"
)

func TestDownloadDecision(t *testing.T) {
	size := int64(10)
	cases := []struct {
		name   string
		a      *artifact.Artifact
		family artifact.Family
		status int
		stream bool
	}{
		{"missing", nil, artifact.FamilyImage, http.StatusNotFound, false},
		{"wrong family", &artifact.Artifact{Kind: artifact.KindPDFToText, Status: artifact.StatusCompleted, OutputRef: "x"}, artifact.FamilyImage, http.StatusNotFound, false},
		{"pending", &artifact.Artifact{Kind: artifact.KindImagePNG, Status: artifact.StatusPending}, artifact.FamilyImage, http.StatusAccepted, false},
		{"processing", &artifact.Artifact{Kind: artifact.KindImagePNG, Status: artifact.StatusProcessing}, artifact.FamilyImage, http.StatusAccepted, false},
		{"failed", &artifact.Artifact{Kind: artifact.KindWordToPDF, Status: artifact.StatusFailed, ErrorMessage: "bad"}, artifact.FamilyDocument, http.StatusBadRequest, false},
		{"completed", &artifact.Artifact{Kind: artifact.KindWordToPDF, Status: artifact.StatusCompleted, OutputRef: "converted/x.pdf", OutputSize: &size}, artifact.FamilyDocument, http.StatusOK, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := downloadDecision(tc.a, tc.family)
			assert.Equal(t, tc.status, d.status)
			assert.Equal(t, tc.stream, d.stream)
			if !d.stream {
				assert.NotEmpty(t, d.body)
			}
		})
	}

	d := downloadDecision(&artifact.Artifact{Kind: artifact.KindImageWebP, Status: artifact.StatusFailed}, artifact.FamilyImage)
	assert.Equal(t, "Conversion failed.", d.body["message"])
}

func TestTraceIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceID())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, GetTraceID(c.Request.Context()))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	router.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(TraceIDHeader))
	assert.Equal(t, "trace-123", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get(TraceIDHeader), 36)
	assert.Equal(t, rec.Header().Get(TraceIDHeader), rec.Body.String())
}

func TestRecoveryAndRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	router := gin.New()
	router.Use(TraceID(), RequestLogger(logger), Recovery(logger))
	router.GET("/boom", func(*gin.Context) { panic("kaboom") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, rec.Body.String(), "kaboom")

	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	completed := logs.FilterMessage("request completed").All()
	if assert.Len(t, completed, 1) {
		assert.Equal(t, zap.ErrorLevel, completed[0].Level)
		assert.EqualValues(t, http.StatusInternalServerError, completed[0].ContextMap()["status"])
	}
}
