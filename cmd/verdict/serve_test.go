package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/verdict/internal/metrics"
)

func TestHTTPMux_Routes(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mux := httpMux(metrics.New(), api)

	cases := map[string]int{
		"/healthz":       http.StatusOK,
		"/metrics":       http.StatusOK,
		"/api/workflows": http.StatusTeapot,
		"/sse/events":    http.StatusTeapot,
		"/other":         http.StatusNotFound,
	}
	for path, want := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", slog.LevelInfo).Info("hello", "workflow_id", "wf-1")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	l := newLogger(&buf, "text", slog.LevelWarn)
	l.Info("dropped")
	l.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "msg=kept")
}
